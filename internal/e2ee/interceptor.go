package e2ee

import (
	"log"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

// Factory builds frame-crypto interceptors bound to one call's KeyRing.
// Register it after the default interceptors so outgoing payloads are sealed
// before NACK/RTX caching and incoming payloads are opened last.
type Factory struct {
	ring    *KeyRing
	observe func(Result)
}

// NewFactory returns an interceptor.Factory. observe may be nil.
func NewFactory(ring *KeyRing, observe func(Result)) *Factory {
	if observe == nil {
		observe = func(Result) {}
	}
	return &Factory{ring: ring, observe: observe}
}

func (f *Factory) NewInterceptor(id string) (interceptor.Interceptor, error) {
	return &frameInterceptor{
		id:      id,
		ring:    f.ring,
		observe: f.observe,
		bound:   make(map[uint32]string),
	}, nil
}

// frameInterceptor seals every outgoing payload and opens every incoming one.
// A key that arrives after the stream was bound takes effect on the next
// packet, so no rebinding is needed when key exchange lands late.
type frameInterceptor struct {
	interceptor.NoOp

	id      string
	ring    *KeyRing
	observe func(Result)

	// Streams configured on this connection, by SSRC. Cleared on unbind and
	// on Close.
	mu    sync.Mutex
	bound map[uint32]string
}

func (i *frameInterceptor) track(ssrc uint32, dir string) {
	i.mu.Lock()
	i.bound[ssrc] = dir
	i.mu.Unlock()
}

func (i *frameInterceptor) untrack(ssrc uint32) {
	i.mu.Lock()
	delete(i.bound, ssrc)
	i.mu.Unlock()
}

// Bound reports how many streams are configured.
func (i *frameInterceptor) Bound() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.bound)
}

func (i *frameInterceptor) BindLocalStream(info *interceptor.StreamInfo, writer interceptor.RTPWriter) interceptor.RTPWriter {
	i.track(info.SSRC, "send")
	return interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, attrs interceptor.Attributes) (int, error) {
		sealed, res, err := i.ring.Seal(payload)
		if err != nil {
			// Never leak plaintext when a key exists but sealing failed.
			log.Printf("E2EE [%s]: seal failed on ssrc %d: %v", i.id, info.SSRC, err)
			i.observe(ResultDropped)
			return header.MarshalSize() + len(payload), nil
		}
		i.observe(res)
		return writer.Write(header, sealed, attrs)
	})
}

func (i *frameInterceptor) UnbindLocalStream(info *interceptor.StreamInfo) {
	i.untrack(info.SSRC)
}

func (i *frameInterceptor) BindRemoteStream(info *interceptor.StreamInfo, reader interceptor.RTPReader) interceptor.RTPReader {
	i.track(info.SSRC, "recv")
	return interceptor.RTPReaderFunc(func(b []byte, attrs interceptor.Attributes) (int, interceptor.Attributes, error) {
		for {
			n, a, err := reader.Read(b, attrs)
			if err != nil {
				return n, a, err
			}

			pkt := &rtp.Packet{}
			if err := pkt.Unmarshal(b[:n]); err != nil {
				return n, a, nil
			}
			plain, res := i.ring.Open(pkt.Payload)
			i.observe(res)
			switch res {
			case ResultPlain:
				return n, a, nil
			case ResultDropped:
				continue
			}

			pkt.Payload = plain
			pkt.Padding = false
			pkt.PaddingSize = 0
			m, err := pkt.MarshalTo(b)
			if err != nil {
				continue
			}
			return m, a, nil
		}
	})
}

func (i *frameInterceptor) UnbindRemoteStream(info *interceptor.StreamInfo) {
	i.untrack(info.SSRC)
}

func (i *frameInterceptor) Close() error {
	i.mu.Lock()
	i.bound = make(map[uint32]string)
	i.mu.Unlock()
	return nil
}
