package media

import (
	"github.com/pion/mediadevices/pkg/wave"

	"github.com/petervdpas/callcore/internal/util"
)

// SampleRate is the rate of every PCM buffer handed to the recorder.
const SampleRate = 48000

// ToMono48k converts a captured chunk to mono 48 kHz int16. Interleaved
// int16 and float32 chunks are supported; other layouts yield nil.
func ToMono48k(a wave.Audio) []int16 {
	info := a.ChunkInfo()
	if info.Len == 0 || info.Channels == 0 {
		return nil
	}

	mono := make([]int16, info.Len)
	switch v := a.(type) {
	case *wave.Int16Interleaved:
		for i := 0; i < info.Len; i++ {
			var sum int32
			for ch := 0; ch < info.Channels; ch++ {
				sum += int32(v.Data[i*info.Channels+ch])
			}
			mono[i] = util.Clamp16(sum / int32(info.Channels))
		}
	case *wave.Float32Interleaved:
		for i := 0; i < info.Len; i++ {
			var sum float32
			for ch := 0; ch < info.Channels; ch++ {
				sum += v.Data[i*info.Channels+ch]
			}
			mono[i] = util.Clamp16(int32(sum / float32(info.Channels) * 32767))
		}
	default:
		return nil
	}
	return Resample(mono, info.SamplingRate, SampleRate)
}

// Resample converts between sample rates by nearest-sample picking. Good
// enough for a recording mixdown of speech.
func Resample(in []int16, from, to int) []int16 {
	if from <= 0 || from == to || len(in) == 0 {
		return in
	}
	n := len(in) * to / from
	out := make([]int16, n)
	for i := range out {
		out[i] = in[min(i*from/to, len(in)-1)]
	}
	return out
}
