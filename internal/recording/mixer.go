package recording

import (
	"sort"
	"sync"

	"github.com/petervdpas/callcore/internal/util"
)

// mixerBacklog bounds how far one source may run ahead of the mix clock:
// two seconds of mono 48 kHz audio.
const mixerBacklog = 2 * 48000

// Mixer sums every audio source of a call into one mono stream. Each source
// buffers into its own ring; Mix drains the same number of samples from all
// of them, so a silent or stalled source never delays the others.
type Mixer struct {
	mu      sync.Mutex
	sources map[string]*util.RingBuffer[int16]
	scratch []int16
}

func NewMixer() *Mixer {
	return &Mixer{sources: make(map[string]*util.RingBuffer[int16])}
}

// Push appends samples for source, creating it on first use.
func (m *Mixer) Push(source string, samples []int16) {
	m.mu.Lock()
	rb := m.sources[source]
	if rb == nil {
		rb = util.NewRingBuffer[int16](mixerBacklog)
		m.sources[source] = rb
	}
	m.mu.Unlock()
	rb.PushSlice(samples)
}

// Remove drops a source and anything it still had buffered.
func (m *Mixer) Remove(source string) {
	m.mu.Lock()
	delete(m.sources, source)
	m.mu.Unlock()
}

// Sources lists the current source names, sorted.
func (m *Mixer) Sources() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sources))
	for name := range m.sources {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Mix returns n mixed samples. Sources short of n contribute silence for
// the remainder.
func (m *Mixer) Mix(n int) []int16 {
	acc := make([]int32, n)

	m.mu.Lock()
	if cap(m.scratch) < n {
		m.scratch = make([]int16, n)
	}
	buf := m.scratch[:n]
	for _, rb := range m.sources {
		got := rb.PopInto(buf)
		for i := 0; i < got; i++ {
			acc[i] += int32(buf[i])
		}
	}
	m.mu.Unlock()

	out := make([]int16, n)
	for i, v := range acc {
		out[i] = util.Clamp16(v)
	}
	return out
}
