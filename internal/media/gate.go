package media

import (
	"strings"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

// Gate mutes outgoing media by kind. A muted track stays attached to the
// transport; its packets are swallowed before they reach the network, so
// toggling never triggers renegotiation.
type Gate struct {
	audioOff atomic.Bool
	videoOff atomic.Bool
}

func NewGate() *Gate { return &Gate{} }

func (g *Gate) SetAudio(enabled bool) { g.audioOff.Store(!enabled) }
func (g *Gate) SetVideo(enabled bool) { g.videoOff.Store(!enabled) }

func (g *Gate) AudioEnabled() bool { return !g.audioOff.Load() }
func (g *Gate) VideoEnabled() bool { return !g.videoOff.Load() }

// NewInterceptor implements interceptor.Factory.
func (g *Gate) NewInterceptor(string) (interceptor.Interceptor, error) {
	return &gateInterceptor{gate: g}, nil
}

type gateInterceptor struct {
	interceptor.NoOp
	gate *Gate
}

func (i *gateInterceptor) BindLocalStream(info *interceptor.StreamInfo, writer interceptor.RTPWriter) interceptor.RTPWriter {
	video := strings.HasPrefix(strings.ToLower(info.MimeType), "video/")
	return interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, attrs interceptor.Attributes) (int, error) {
		if video && i.gate.videoOff.Load() || !video && i.gate.audioOff.Load() {
			return header.MarshalSize() + len(payload), nil
		}
		return writer.Write(header, payload, attrs)
	})
}
