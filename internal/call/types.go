package call

import (
	"context"
	"errors"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callcore/internal/e2ee"
	"github.com/petervdpas/callcore/internal/media"
	"github.com/petervdpas/callcore/internal/peer"
	"github.com/petervdpas/callcore/internal/proto"
	"github.com/petervdpas/callcore/internal/recording"
	"github.com/petervdpas/callcore/internal/storage"
)

// Signaler is the only surface the orchestrator needs from the relay
// client. *signaling.Client satisfies it.
type Signaler interface {
	Send(event, to string, payload any) error
	Subscribe() (ch chan *proto.Envelope, cancel func())
}

// Links is the set of peer links of one call. *peer.Manager satisfies it.
type Links interface {
	SetLocalTracks(audio, video webrtc.TrackLocal)
	Connect(userID string) error
	HandleOffer(from string, sdp webrtc.SessionDescription) error
	HandleAnswer(from string, sdp webrtc.SessionDescription) error
	HandleCandidate(from string, c webrtc.ICECandidateInit) error
	ReplaceVideo(track webrtc.TrackLocal)
	SendData(userID string, data []byte) error
	RequestKeyframe(userID string, ssrc uint32) error
	Remove(userID string)
	Peers() []string
	Close()
}

// LinkFactory builds the links of a new call. Frames pass through gate and
// are sealed and opened with ring.
type LinkFactory func(callID string, sig peer.Signaler, ring *e2ee.KeyRing, gate *media.Gate, h peer.Handlers) (Links, error)

// PeerLinks returns a LinkFactory backed by peer.Manager.
func PeerLinks(base peer.Config, observe func(e2ee.Result)) LinkFactory {
	return func(callID string, sig peer.Signaler, ring *e2ee.KeyRing, gate *media.Gate, h peer.Handlers) (Links, error) {
		cfg := base
		cfg.Interceptors = append(append([]interceptor.Factory{}, base.Interceptors...), e2ee.NewFactory(ring, observe), gate)
		m, err := peer.New(callID, cfg, sig, h)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}

// Recorder is one call recording. *recording.Session satisfies it.
type Recorder interface {
	Start() error
	AddVideoSource(name, label string, screen bool, src media.FrameSource)
	AddAudioSource(name string, src media.PCMSource)
	WriteRTP(source string, kind webrtc.RTPCodecType, pkt *rtp.Packet)
	MarkScreen(source string, screen bool)
	RemoveSource(name string)
	SetParticipants(ids []string)
	Stop(ctx context.Context) (recording.Result, error)
}

// RecorderFactory builds the recorder of a call. requestKeyframe asks a
// remote participant for a video keyframe.
type RecorderFactory func(meta recording.Meta, requestKeyframe func(userID string)) Recorder

// History persists finished calls. *storage.DB satisfies it.
type History interface {
	RecordCall(c storage.CallRecord) error
	AddRecording(r storage.RecordingRecord) error
	UpsertCachedPeer(p storage.CachedPeer) error
	GetPeerName(userID string) string
}

type Status string

const (
	StatusIdle      Status = "idle"
	StatusCalling   Status = "calling"
	StatusRinging   Status = "ringing"
	StatusConnected Status = "connected"
	StatusEnded     Status = "ended"
)

const (
	KindAudio = "audio"
	KindVideo = "video"

	ChatDirect = "direct"
	ChatGroup  = "group"
)

// Call outcomes recorded in history.
const (
	OutcomeCompleted = "completed"
	OutcomeDeclined  = "declined"
	OutcomeCancelled = "cancelled"
	OutcomeNoAnswer  = "no_answer"
	OutcomeMissed    = "missed"
	OutcomeBusy      = "busy"
	OutcomeFailed    = "failed"
)

var (
	ErrCallInProgress   = errors.New("a call is already in progress")
	ErrInvalidState     = errors.New("operation not valid in current call state")
	ErrNoWaitingCall    = errors.New("no waiting call")
	ErrMediaAcquisition = errors.New("media acquisition failed")
	ErrNegotiation      = errors.New("negotiation failed")
	ErrConnectivity     = errors.New("peer connectivity lost")
	ErrKeyMissing       = errors.New("encryption key missing")
	ErrAgentUnavailable = errors.New("remote control agent unavailable")
	ErrRecordingUpload  = errors.New("recording upload failed")
	ErrClosed           = errors.New("call manager closed")
)

// Error is a user-visible orchestrator failure. Kind is one of the sentinel
// errors above; errors.Is matches both Kind and the underlying cause.
type Error struct {
	Kind error
	Err  error
}

func newError(kind, err error) *Error { return &Error{Kind: kind, Err: err} }

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
