// Package peer keeps one WebRTC link per remote participant of a call and
// drives offer/answer negotiation over the signaling relay.
//
// Negotiation follows the polite/impolite pattern: of two users the one with
// the lexically larger id is polite and rolls back its own offer on glare.
package peer

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callcore/internal/proto"
)

var (
	ErrNegotiation    = errors.New("negotiation failed")
	ErrNoLink         = errors.New("no link to peer")
	ErrClosed         = errors.New("peer manager closed")
	ErrChannelNotOpen = errors.New("data channel not open")
)

// Signaler delivers a relay event to one user.
type Signaler interface {
	Send(event, to string, payload any) error
}

// Observer receives link lifecycle counters. Implemented by metrics.
type Observer interface {
	LinkOpened()
	LinkClosed()
	ICERestarted()
	LinkRecreated()
}

type nopObserver struct{}

func (nopObserver) LinkOpened()    {}
func (nopObserver) LinkClosed()    {}
func (nopObserver) ICERestarted()  {}
func (nopObserver) LinkRecreated() {}

// Handlers are invoked from pion goroutines.
type Handlers struct {
	OnTrack func(userID string, track *webrtc.TrackRemote, recv *webrtc.RTPReceiver)
	OnData  func(userID string, data []byte)
	OnState func(userID string, state webrtc.PeerConnectionState)
}

type Config struct {
	SelfID     string
	ICEServers []webrtc.ICEServer

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAlive           time.Duration

	// RegisterCodecs fills the media engine; nil registers pion's defaults.
	RegisterCodecs func(*webrtc.MediaEngine) error
	// Interceptors are added after the default chain, in order.
	Interceptors []interceptor.Factory

	Observer Observer
}

// Manager owns the links of one call.
type Manager struct {
	callID string
	cfg    Config
	sig    Signaler
	h      Handlers
	obs    Observer
	dial   func() (peerConn, error)

	mu     sync.Mutex
	links  map[string]*link
	audio  webrtc.TrackLocal
	video  webrtc.TrackLocal
	closed bool
}

type link struct {
	userID string
	pc     peerConn
	polite bool

	mu          sync.Mutex
	remoteSet   bool
	pendingICE  []webrtc.ICECandidateInit
	renegotiate bool
	restarted   bool
	closed      bool
	audio       trackSender
	video       trackSender
	dc          dataChannel
}

// New builds the WebRTC API for callID. One API serves every link of the
// call; each link gets its own interceptor chain from the registry.
func New(callID string, cfg Config, sig Signaler, h Handlers) (*Manager, error) {
	api, err := buildAPI(cfg)
	if err != nil {
		return nil, err
	}
	rtcCfg := webrtc.Configuration{ICEServers: cfg.ICEServers}
	return newManager(callID, cfg, sig, h, func() (peerConn, error) {
		pc, err := api.NewPeerConnection(rtcCfg)
		if err != nil {
			return nil, err
		}
		return pionConn{pc}, nil
	}), nil
}

func newManager(callID string, cfg Config, sig Signaler, h Handlers, dial func() (peerConn, error)) *Manager {
	obs := cfg.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	return &Manager{
		callID: callID,
		cfg:    cfg,
		sig:    sig,
		h:      h,
		obs:    obs,
		dial:   dial,
		links:  make(map[string]*link),
	}
}

func buildAPI(cfg Config) (*webrtc.API, error) {
	me := &webrtc.MediaEngine{}
	if cfg.RegisterCodecs != nil {
		if err := cfg.RegisterCodecs(me); err != nil {
			return nil, fmt.Errorf("register codecs: %w", err)
		}
	} else if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	reg := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, reg); err != nil {
		return nil, err
	}
	// Added last so they wrap the defaults: outgoing packets pass through
	// them before NACK caching, incoming packets after.
	for _, f := range cfg.Interceptors {
		reg.Add(f)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(
		orDefault(cfg.DisconnectedTimeout, 30*time.Second),
		orDefault(cfg.FailedTimeout, 120*time.Second),
		orDefault(cfg.KeepAlive, 2*time.Second),
	)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(reg),
		webrtc.WithSettingEngine(se),
	), nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// SetLocalTracks sets the tracks attached to every link created from now on
// and adds them to existing links that lack them.
func (m *Manager) SetLocalTracks(audio, video webrtc.TrackLocal) {
	m.mu.Lock()
	m.audio, m.video = audio, video
	links := m.snapshotLocked()
	m.mu.Unlock()

	for _, l := range links {
		added := false
		l.mu.Lock()
		if audio != nil && l.audio == nil {
			if s, err := l.pc.AddTrack(audio); err == nil {
				l.audio, added = s, true
			}
		}
		if video != nil && l.video == nil {
			if s, err := l.pc.AddTrack(video); err == nil {
				l.video, added = s, true
			}
		}
		l.mu.Unlock()
		if added {
			m.negotiate(l, false)
		}
	}
}

// Connect creates the link to userID if needed and sends an offer.
func (m *Manager) Connect(userID string) error {
	l, err := m.ensure(userID)
	if err != nil {
		return err
	}
	return m.negotiate(l, false)
}

// HandleOffer applies a remote offer and answers it. A link whose remote
// description cannot be applied is recreated and the offer retried once.
func (m *Manager) HandleOffer(from string, sdp webrtc.SessionDescription) error {
	l, err := m.ensure(from)
	if err != nil {
		return err
	}
	err = m.applyOffer(l, sdp)
	if errors.Is(err, errRemoteDescription) {
		log.Printf("PEER [%s]: offer from %s did not apply, recreating link: %v", m.callID, from, err)
		if l, err = m.recreate(l, false); err != nil {
			return err
		}
		err = m.applyOffer(l, sdp)
	}
	if err != nil {
		return err
	}
	m.flushRenegotiation(l)
	return nil
}

var errRemoteDescription = errors.New("set remote description")

func (m *Manager) applyOffer(l *link, sdp webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if !l.polite {
			log.Printf("PEER [%s]: ignoring colliding offer from %s", m.callID, l.userID)
			return nil
		}
		log.Printf("PEER [%s]: offer collision with %s, rolling back", m.callID, l.userID)
		if err := l.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return fmt.Errorf("%w: rollback: %v", ErrNegotiation, err)
		}
		// Our offer is lost; send it again once this exchange settles.
		l.renegotiate = true
	}

	if err := l.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("%w: %w: %v", ErrNegotiation, errRemoteDescription, err)
	}
	l.remoteSet = true
	m.flushICELocked(l)

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("%w: create answer: %v", ErrNegotiation, err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("%w: set answer: %v", ErrNegotiation, err)
	}
	return m.sig.Send(proto.EvAnswer, l.userID, proto.SessionDescription{
		CallID:       m.callID,
		TargetUserID: l.userID,
		SDP:          answer,
	})
}

// HandleAnswer applies an answer. Answers that arrive outside
// have-local-offer are stale and ignored.
func (m *Manager) HandleAnswer(from string, sdp webrtc.SessionDescription) error {
	l := m.get(from)
	if l == nil {
		return fmt.Errorf("%w: %s", ErrNoLink, from)
	}

	l.mu.Lock()
	if st := l.pc.SignalingState(); st != webrtc.SignalingStateHaveLocalOffer {
		l.mu.Unlock()
		log.Printf("PEER [%s]: ignoring answer from %s in state %s", m.callID, from, st)
		return nil
	}
	if err := l.pc.SetRemoteDescription(sdp); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("%w: apply answer: %v", ErrNegotiation, err)
	}
	l.remoteSet = true
	m.flushICELocked(l)
	l.mu.Unlock()

	m.flushRenegotiation(l)
	return nil
}

// HandleCandidate adds a remote candidate, queueing it until the remote
// description is set.
func (m *Manager) HandleCandidate(from string, c webrtc.ICECandidateInit) error {
	l, err := m.ensure(from)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.remoteSet {
		l.pendingICE = append(l.pendingICE, c)
		return nil
	}
	if err := l.pc.AddICECandidate(c); err != nil {
		log.Printf("PEER [%s]: add candidate from %s: %v", m.callID, from, err)
	}
	return nil
}

func (m *Manager) flushICELocked(l *link) {
	pending := l.pendingICE
	l.pendingICE = nil
	for _, c := range pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			log.Printf("PEER [%s]: add queued candidate from %s: %v", m.callID, l.userID, err)
		}
	}
}

// sendCandidate trickles a local candidate to userID. A candidate the relay
// queue refused is lost for this negotiation, so it is logged.
func (m *Manager) sendCandidate(userID string, c webrtc.ICECandidateInit) error {
	err := m.sig.Send(proto.EvICECandidate, userID, proto.ICECandidate{
		CallID:       m.callID,
		TargetUserID: userID,
		Candidate:    c,
	})
	if err != nil {
		log.Printf("PEER [%s]: candidate to %s not sent: %v", m.callID, userID, err)
	}
	return err
}

func (m *Manager) flushRenegotiation(l *link) {
	l.mu.Lock()
	again := l.renegotiate && l.pc.SignalingState() == webrtc.SignalingStateStable
	if again {
		l.renegotiate = false
	}
	l.mu.Unlock()
	if again {
		_ = m.negotiate(l, false)
	}
}

// negotiate sends a fresh offer, or marks the link for renegotiation when an
// exchange is already in flight.
func (m *Manager) negotiate(l *link, iceRestart bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.pc.SignalingState() != webrtc.SignalingStateStable {
		l.renegotiate = true
		return nil
	}

	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := l.pc.CreateOffer(opts)
	if err != nil {
		return fmt.Errorf("%w: create offer: %v", ErrNegotiation, err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: set offer: %v", ErrNegotiation, err)
	}
	return m.sig.Send(proto.EvOffer, l.userID, proto.SessionDescription{
		CallID:       m.callID,
		TargetUserID: l.userID,
		SDP:          offer,
	})
}

func (m *Manager) onState(l *link, state webrtc.PeerConnectionState) {
	if m.h.OnState != nil {
		m.h.OnState(l.userID, state)
	}

	switch state {
	case webrtc.PeerConnectionStateConnected:
		l.mu.Lock()
		l.restarted = false
		l.mu.Unlock()
		log.Printf("PEER [%s]: connected to %s", m.callID, l.userID)

	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return
		}
		restart := !l.restarted
		l.restarted = true
		l.mu.Unlock()

		if restart {
			log.Printf("PEER [%s]: link to %s %s, restarting ICE", m.callID, l.userID, state)
			m.obs.ICERestarted()
			if err := m.negotiate(l, true); err != nil {
				log.Printf("PEER [%s]: ICE restart for %s: %v", m.callID, l.userID, err)
			}
			return
		}
		log.Printf("PEER [%s]: link to %s %s after ICE restart, recreating", m.callID, l.userID, state)
		if _, err := m.recreate(l, true); err != nil {
			log.Printf("PEER [%s]: recreate link to %s: %v", m.callID, l.userID, err)
		}
	}
}

// recreate replaces l with a fresh link. When offer is set the new link
// immediately offers.
func (m *Manager) recreate(old *link, offer bool) (*link, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if cur := m.links[old.userID]; cur != nil && cur != old {
		m.mu.Unlock()
		return cur, nil
	}
	delete(m.links, old.userID)
	l, err := m.newLinkLocked(old.userID)
	if err == nil {
		m.links[old.userID] = l
	}
	m.mu.Unlock()

	m.closeLink(old)
	if err != nil {
		return nil, err
	}
	m.obs.LinkRecreated()
	if offer {
		return l, m.negotiate(l, false)
	}
	return l, nil
}

// ReplaceVideo swaps the outgoing video on every link. Links without a
// video sender get the track added and renegotiate; links that fail the
// swap are recreated.
func (m *Manager) ReplaceVideo(track webrtc.TrackLocal) {
	m.mu.Lock()
	m.video = track
	links := m.snapshotLocked()
	m.mu.Unlock()

	for _, l := range links {
		var err error
		renegotiate := false

		l.mu.Lock()
		switch {
		case l.video != nil:
			err = l.video.ReplaceTrack(track)
		case track != nil:
			var s trackSender
			if s, err = l.pc.AddTrack(track); err == nil {
				l.video = s
				renegotiate = true
			}
		}
		l.mu.Unlock()

		if err != nil {
			log.Printf("PEER [%s]: replace video for %s: %v", m.callID, l.userID, err)
			if _, err := m.recreate(l, true); err != nil {
				log.Printf("PEER [%s]: recreate link to %s: %v", m.callID, l.userID, err)
			}
			continue
		}
		if renegotiate {
			if err := m.negotiate(l, false); err != nil {
				log.Printf("PEER [%s]: renegotiate with %s: %v", m.callID, l.userID, err)
			}
		}
	}
}

// SendData writes to the remote-control channel of userID.
func (m *Manager) SendData(userID string, data []byte) error {
	l := m.get(userID)
	if l == nil {
		return fmt.Errorf("%w: %s", ErrNoLink, userID)
	}
	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	return dc.Send(data)
}

// RequestKeyframe asks userID for a fresh keyframe on ssrc.
func (m *Manager) RequestKeyframe(userID string, ssrc uint32) error {
	l := m.get(userID)
	if l == nil {
		return fmt.Errorf("%w: %s", ErrNoLink, userID)
	}
	return l.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
}

// Remove closes the link to userID.
func (m *Manager) Remove(userID string) {
	m.mu.Lock()
	l := m.links[userID]
	delete(m.links, userID)
	m.mu.Unlock()
	if l != nil {
		m.closeLink(l)
		log.Printf("PEER [%s]: removed link to %s", m.callID, userID)
	}
}

// Peers lists users with a link, sorted.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.links))
	for id := range m.links {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close tears every link down. Further calls fail with ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	links := m.snapshotLocked()
	m.links = make(map[string]*link)
	m.mu.Unlock()

	for _, l := range links {
		m.closeLink(l)
	}
}

func (m *Manager) get(userID string) *link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[userID]
}

func (m *Manager) ensure(userID string) (*link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if l := m.links[userID]; l != nil {
		return l, nil
	}
	l, err := m.newLinkLocked(userID)
	if err != nil {
		return nil, err
	}
	m.links[userID] = l
	return l, nil
}

func (m *Manager) snapshotLocked() []*link {
	out := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l)
	}
	return out
}

func (m *Manager) newLinkLocked(userID string) (*link, error) {
	pc, err := m.dial()
	if err != nil {
		return nil, fmt.Errorf("new peer connection for %s: %w", userID, err)
	}
	l := &link{userID: userID, pc: pc, polite: m.cfg.SelfID > userID}

	negotiated := true
	var id uint16
	dc, err := pc.CreateDataChannel(proto.DataChannelLabel, &webrtc.DataChannelInit{Negotiated: &negotiated, ID: &id})
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("data channel for %s: %w", userID, err)
	}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if m.h.OnData != nil {
			m.h.OnData(userID, msg.Data)
		}
	})
	l.dc = dc

	if err := m.attachLocked(l, webrtc.RTPCodecTypeAudio, m.audio, &l.audio); err != nil {
		_ = pc.Close()
		return nil, err
	}
	if err := m.attachLocked(l, webrtc.RTPCodecTypeVideo, m.video, &l.video); err != nil {
		_ = pc.Close()
		return nil, err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		m.sendCandidate(userID, c.ToJSON())
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		go m.onState(l, s)
	})
	pc.OnTrack(func(t *webrtc.TrackRemote, r *webrtc.RTPReceiver) {
		log.Printf("PEER [%s]: remote %s track from %s", m.callID, t.Kind(), userID)
		if m.h.OnTrack != nil {
			m.h.OnTrack(userID, t, r)
		}
	})

	m.obs.LinkOpened()
	log.Printf("PEER [%s]: link to %s created (polite=%v)", m.callID, userID, l.polite)
	return l, nil
}

// attachLocked adds track, or a receive-only transceiver so the remote side
// can still send that kind.
func (m *Manager) attachLocked(l *link, kind webrtc.RTPCodecType, track webrtc.TrackLocal, dst *trackSender) error {
	if track == nil {
		err := l.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly})
		if err != nil {
			return fmt.Errorf("recvonly %s for %s: %w", kind, l.userID, err)
		}
		return nil
	}
	s, err := l.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add %s track for %s: %w", kind, l.userID, err)
	}
	*dst = s
	return nil
}

func (m *Manager) closeLink(l *link) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	if err := l.pc.Close(); err != nil {
		log.Printf("PEER [%s]: close link to %s: %v", m.callID, l.userID, err)
	}
	m.obs.LinkClosed()
}
