package call

import (
	"errors"
	"io"
	"log"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callcore/internal/peer"
)

// handlers routes peer link callbacks of s back onto the loop. Callbacks
// for a session that is no longer current are dropped.
func (m *Manager) handlers(s *session) peer.Handlers {
	return peer.Handlers{
		OnTrack: func(userID string, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			kind := track.Kind()
			ssrc := uint32(track.SSRC())
			m.do(func() {
				if m.s != s {
					return
				}
				if p := s.participants[userID]; p != nil {
					p.HasStream = true
				}
				if kind == webrtc.RTPCodecTypeVideo {
					s.remoteVideo[userID] = ssrc
				}
			})
			log.Printf("MEDIA [%s]: %s track from %s (%s)", s.id, kind, userID, track.Codec().MimeType)
			go m.readRemote(s, userID, track)
		},
		OnData: func(userID string, data []byte) {
			s.rc.HandleData(userID, data)
			m.do(func() {})
		},
		OnState: func(userID string, state webrtc.PeerConnectionState) {
			m.do(func() {
				if m.s != s {
					return
				}
				if p := s.participants[userID]; p != nil {
					p.Connection = state.String()
				}
				if state == webrtc.PeerConnectionStateFailed {
					m.lastErr = newError(ErrConnectivity, errors.New(userID)).Error()
				}
			})
		},
	}
}

// readRemote drains a remote track into the recorder until the link goes
// away. Reading keeps the receive pipeline moving even when nothing records.
func (m *Manager) readRemote(s *session, userID string, track *webrtc.TrackRemote) {
	kind := track.Kind()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("MEDIA [%s]: %s track from %s: %v", s.id, kind, userID, err)
			}
			return
		}
		if rec := s.recorder(); rec != nil {
			rec.WriteRTP(userID, kind, pkt)
		}
	}
}
