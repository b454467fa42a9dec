package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callcore/internal/e2ee"
	"github.com/petervdpas/callcore/internal/media"
	"github.com/petervdpas/callcore/internal/proto"
	"github.com/petervdpas/callcore/internal/recording"
	"github.com/petervdpas/callcore/internal/remotectl"
	"github.com/petervdpas/callcore/internal/storage"
)

const (
	localSource  = "local"
	screenSource = "local-screen"
)

var (
	errNoCall    = errors.New("no call in progress")
	errNotJoined = errors.New("call not answered yet")
)

// Target names who to call. Direct calls need UserID; group calls need
// ChatID and are fanned out by the relay.
type Target struct {
	UserID   string `json:"userId,omitempty"`
	ChatID   string `json:"chatId,omitempty"`
	ChatType string `json:"chatType,omitempty"`
	ChatName string `json:"chatName,omitempty"`
}

// InitiateCall starts an outbound call and returns its id. Local media is
// acquired first; a failed camera degrades the call to audio.
func (m *Manager) InitiateCall(ctx context.Context, t Target, kind string) (string, error) {
	if kind != KindAudio && kind != KindVideo {
		return "", newError(ErrInvalidState, fmt.Errorf("unknown call kind %q", kind))
	}
	if t.ChatType == "" {
		t.ChatType = ChatDirect
	}
	if t.ChatType == ChatDirect {
		if t.UserID == "" {
			return "", newError(ErrInvalidState, errors.New("direct call needs a user id"))
		}
		if t.ChatID == "" {
			t.ChatID = t.UserID
		}
	} else if t.ChatID == "" {
		return "", newError(ErrInvalidState, errors.New("group call needs a chat id"))
	}

	c, err := m.reserve()
	if err != nil {
		return "", err
	}
	c.Video = kind == KindVideo
	stream, degraded, aerr := media.AcquireWithFallback(ctx, m.opts.Acquirer, c)

	id := uuid.NewString()
	attached := false
	err = m.call(func() error {
		m.pending = false
		if aerr != nil {
			return m.fail(newError(ErrMediaAcquisition, aerr))
		}
		if degraded {
			kind = KindAudio
		}

		s, err := m.newSession(id, kind, t.ChatID, t.ChatType, t.ChatName)
		if err != nil {
			return m.fail(err)
		}
		if m.opts.Encryption {
			key, err := e2ee.GenerateKey(id, m.opts.Algorithm)
			if err != nil {
				s.links.Close()
				return m.fail(newError(ErrKeyMissing, err))
			}
			s.ring.SetCurrent(key)
		}

		s.status = StatusCalling
		s.initiator = true
		s.initiatorID = m.opts.Self.UserID
		if t.ChatType == ChatDirect {
			s.participant(proto.Identity{UserID: t.UserID})
		}
		attached = true
		m.attachLocal(s, stream)
		m.s = s

		m.send(proto.EvInitiateCall, t.UserID, proto.InitiateCall{
			CallID:    id,
			ChatID:    t.ChatID,
			ChatType:  t.ChatType,
			CallType:  kind,
			ChatName:  t.ChatName,
			Initiator: m.opts.Self,
		})
		m.armTimer(s)
		m.opts.Metrics.CallStarted()
		log.Printf("CALL [%s]: calling %s (%s, %s)", id, t.ChatID, kind, t.ChatType)
		return nil
	})
	if !attached {
		stream.Close()
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// Rejoin reconnects to a call still in progress, e.g. after a restart. The
// relay answers with Call_Participants and existing members offer to us.
func (m *Manager) Rejoin(ctx context.Context, callID, kind string) error {
	if callID == "" {
		return newError(ErrInvalidState, errors.New("call id required"))
	}
	if kind != KindAudio {
		kind = KindVideo
	}
	c, err := m.reserve()
	if err != nil {
		return err
	}
	c.Video = kind == KindVideo
	stream, degraded, aerr := media.AcquireWithFallback(ctx, m.opts.Acquirer, c)

	attached := false
	err = m.call(func() error {
		m.pending = false
		if aerr != nil {
			return m.fail(newError(ErrMediaAcquisition, aerr))
		}
		if degraded {
			kind = KindAudio
		}
		s, err := m.newSession(callID, kind, "", "", "")
		if err != nil {
			return m.fail(err)
		}
		s.status = StatusCalling
		s.rejoining = true
		attached = true
		m.attachLocal(s, stream)
		m.s = s

		m.send(proto.EvRejoinCall, "", proto.RejoinCall{CallID: callID, User: m.opts.Self})
		m.armTimer(s)
		m.opts.Metrics.CallStarted()
		log.Printf("CALL [%s]: rejoining", callID)
		return nil
	})
	if !attached {
		stream.Close()
	}
	return err
}

// reserve claims the idle manager for a new call while media is acquired.
func (m *Manager) reserve() (media.Constraints, error) {
	var c media.Constraints
	err := m.call(func() error {
		if m.s != nil || m.pending {
			return m.fail(newError(ErrCallInProgress, nil))
		}
		m.pending = true
		m.lastErr = ""
		m.outcome = ""
		c = m.constraints
		return nil
	})
	return c, err
}

// AcceptCall answers the ringing call callID.
func (m *Manager) AcceptCall(ctx context.Context, callID string) error {
	var (
		c    media.Constraints
		kind string
	)
	err := m.call(func() error {
		s := m.s
		if s == nil || s.id != callID || s.status != StatusRinging || s.accepting {
			return m.fail(newError(ErrInvalidState, fmt.Errorf("call %s is not ringing", callID)))
		}
		s.accepting = true
		c = m.constraints
		kind = s.kind
		return nil
	})
	if err != nil {
		return err
	}

	c.Video = kind == KindVideo
	stream, _, aerr := media.AcquireWithFallback(ctx, m.opts.Acquirer, c)

	attached := false
	err = m.call(func() error {
		s := m.s
		if s == nil || s.id != callID || s.status != StatusRinging {
			return m.fail(newError(ErrInvalidState, fmt.Errorf("call %s ended while acquiring media", callID)))
		}
		s.accepting = false
		if aerr != nil {
			m.send(proto.EvDeclineCall, s.initiatorID, proto.DeclineCall{
				CallID: s.id, UserID: m.opts.Self.UserID, Reason: "media unavailable",
			})
			m.end(OutcomeFailed)
			return m.fail(newError(ErrMediaAcquisition, aerr))
		}

		attached = true
		m.attachLocal(s, stream)
		s.stopTimer()
		s.status = StatusConnected
		s.connectedAt = time.Now()
		m.send(proto.EvAcceptCall, s.initiatorID, proto.AcceptCall{CallID: s.id, User: m.opts.Self})
		m.opts.Metrics.CallStarted()
		m.startRecording(s)
		log.Printf("CALL [%s]: accepted", s.id)
		return nil
	})
	if !attached {
		stream.Close()
	}
	return err
}

// DeclineCall rejects a ringing or waiting call, or ends the current one.
func (m *Manager) DeclineCall(callID string) error {
	return m.call(func() error {
		s := m.s
		if s != nil && s.waiting != nil && s.waiting.CallID == callID {
			return m.declineWaiting()
		}
		if s == nil || s.id != callID {
			return m.fail(newError(ErrInvalidState, fmt.Errorf("no call %s", callID)))
		}
		m.hangup(m.endOutcome(s))
		return nil
	})
}

// EndCall leaves the current call. Without a call it does nothing, so it is
// safe to call repeatedly.
func (m *Manager) EndCall() error {
	return m.call(func() error {
		if m.s == nil {
			return nil
		}
		m.hangup(m.endOutcome(m.s))
		return nil
	})
}

// AcceptWaitingCall ends the current call and answers the waiting one.
func (m *Manager) AcceptWaitingCall(ctx context.Context) error {
	var id string
	err := m.call(func() error {
		s := m.s
		if s == nil || s.waiting == nil {
			return m.fail(newError(ErrNoWaitingCall, nil))
		}
		id = s.waiting.CallID
		// end promotes the waiting call to ringing.
		m.hangup(m.endOutcome(s))
		return nil
	})
	if err != nil {
		return err
	}
	return m.AcceptCall(ctx, id)
}

// DeclineWaitingCall rejects the waiting call and keeps the current one.
func (m *Manager) DeclineWaitingCall() error {
	return m.call(m.declineWaiting)
}

func (m *Manager) declineWaiting() error {
	if m.s == nil || m.s.waiting == nil {
		return m.fail(newError(ErrNoWaitingCall, nil))
	}
	w := m.s.clearWaiting()
	m.send(proto.EvDeclineCall, w.From.UserID, proto.DeclineCall{
		CallID: w.CallID, UserID: m.opts.Self.UserID, Reason: "declined",
	})
	m.recordWaiting(w, OutcomeDeclined)
	log.Printf("CALL [%s]: declined waiting call %s", m.s.id, w.CallID)
	return nil
}

// ToggleAudio mutes or unmutes the microphone and returns the new state.
func (m *Manager) ToggleAudio() (bool, error) {
	var enabled bool
	err := m.call(func() error {
		s := m.s
		if s == nil {
			return m.fail(newError(ErrInvalidState, errNoCall))
		}
		if s.status == StatusRinging {
			return m.fail(newError(ErrInvalidState, errNotJoined))
		}
		s.audioEnabled = !s.audioEnabled
		s.gate.SetAudio(s.audioEnabled)
		enabled = s.audioEnabled
		m.send(proto.EvToggleAudio, "", proto.ToggleMedia{CallID: s.id, Enabled: enabled})
		return nil
	})
	return enabled, err
}

// ToggleVideo turns the outgoing video on or off and returns the new state.
// The track stays attached; only its frames are held back.
func (m *Manager) ToggleVideo() (bool, error) {
	var enabled bool
	err := m.call(func() error {
		s := m.s
		if s == nil {
			return m.fail(newError(ErrInvalidState, errNoCall))
		}
		if s.status == StatusRinging {
			return m.fail(newError(ErrInvalidState, errNotJoined))
		}
		s.videoEnabled = !s.videoEnabled
		s.gate.SetVideo(s.videoEnabled)
		enabled = s.videoEnabled
		m.send(proto.EvToggleVideo, "", proto.ToggleMedia{CallID: s.id, Enabled: enabled})
		return nil
	})
	return enabled, err
}

// StartScreenShare replaces the outgoing video of every link with a screen
// capture.
func (m *Manager) StartScreenShare(ctx context.Context) error {
	var owner *session
	err := m.call(func() error {
		s := m.s
		if s == nil || s.status != StatusConnected {
			return m.fail(newError(ErrInvalidState, errNoCall))
		}
		if s.screenSharing || s.sharingBusy {
			return m.fail(newError(ErrInvalidState, errors.New("already sharing")))
		}
		s.sharingBusy = true
		owner = s
		return nil
	})
	if err != nil {
		return err
	}

	stream, serr := m.opts.Acquirer.DisplayMedia(ctx)

	attached := false
	err = m.call(func() error {
		owner.sharingBusy = false
		s := m.s
		if s != owner || s.status != StatusConnected {
			return m.fail(newError(ErrInvalidState, errors.New("call ended while acquiring screen")))
		}
		if serr != nil {
			return m.fail(newError(ErrMediaAcquisition, serr))
		}
		if !stream.HasVideo() {
			return m.fail(newError(ErrMediaAcquisition, errors.New("screen capture has no video")))
		}

		attached = true
		s.screen = stream
		s.prevVideoEnabled = s.videoEnabled
		s.videoEnabled = true
		s.gate.SetVideo(true)
		s.screenSharing = true
		s.sharing.Store(true)
		s.links.ReplaceVideo(stream.Video)

		if rec := s.recorder(); rec != nil && stream.NewVideoReader != nil {
			rec.AddVideoSource(screenSource, m.opts.Self.Name+" (screen)", true, stream.NewVideoReader())
		}
		stream.OnEnded(func() {
			m.do(func() {
				if m.s == s && s.screen == stream {
					log.Printf("CALL [%s]: screen capture ended", s.id)
					m.stopScreenShare(s)
				}
			})
		})
		m.syncState(s, "")
		log.Printf("CALL [%s]: screen share started", s.id)
		return nil
	})
	if !attached && stream != nil {
		stream.Close()
	}
	return err
}

// StopScreenShare restores the camera, or no video when there is none.
func (m *Manager) StopScreenShare() error {
	return m.call(func() error {
		s := m.s
		if s == nil || !s.screenSharing {
			return m.fail(newError(ErrInvalidState, errors.New("not sharing")))
		}
		m.stopScreenShare(s)
		return nil
	})
}

func (m *Manager) stopScreenShare(s *session) {
	// Control of a screen nobody shares makes no sense.
	s.rc.Stop("screen share ended")

	var camera webrtc.TrackLocal
	if s.local != nil {
		camera = s.local.Video
	}
	s.links.ReplaceVideo(camera)
	s.videoEnabled = s.prevVideoEnabled
	s.gate.SetVideo(s.videoEnabled)
	s.screenSharing = false
	s.sharing.Store(false)

	if rec := s.recorder(); rec != nil {
		rec.RemoveSource(screenSource)
	}
	scr := s.screen
	s.screen = nil
	scr.Close()

	m.syncState(s, "")
	log.Printf("CALL [%s]: screen share stopped", s.id)
}

// RequestRemoteControl asks targetID for control of its shared screen.
func (m *Manager) RequestRemoteControl(targetID string) error {
	return m.call(func() error {
		s := m.s
		if s == nil || s.status != StatusConnected {
			return m.fail(newError(ErrInvalidState, errNoCall))
		}
		if s.participants[targetID] == nil {
			return m.fail(newError(ErrInvalidState, fmt.Errorf("%s is not in the call", targetID)))
		}
		return s.rc.RequestControl(targetID)
	})
}

// AcceptRemoteControl grants the pending request. The companion agent is
// contacted outside the loop.
func (m *Manager) AcceptRemoteControl(ctx context.Context) error {
	rc := m.rc.Load()
	if rc == nil {
		return newError(ErrInvalidState, errNoCall)
	}
	err := rc.Accept(ctx)
	m.do(func() {
		if err != nil {
			m.lastErr = err.Error()
		}
	})
	if errors.Is(err, remotectl.ErrAgentUnavailable) {
		return newError(ErrAgentUnavailable, err)
	}
	return err
}

func (m *Manager) DenyRemoteControl() error {
	return m.call(func() error {
		if m.s == nil {
			return m.fail(newError(ErrInvalidState, errNoCall))
		}
		return m.s.rc.Deny(remotectl.ReasonDeclined)
	})
}

func (m *Manager) StopRemoteControl() error {
	return m.call(func() error {
		if m.s == nil {
			return m.fail(newError(ErrInvalidState, errNoCall))
		}
		m.s.rc.Stop("stopped")
		return nil
	})
}

// SendRemoteInput forwards one input event while controlling a peer.
func (m *Manager) SendRemoteInput(ev proto.InputEvent) error {
	rc := m.rc.Load()
	if rc == nil {
		return newError(ErrInvalidState, errNoCall)
	}
	return rc.SendInput(ev)
}

// newSession builds the per-call state and links. The caller sets status.
func (m *Manager) newSession(id, kind, chatID, chatType, chatName string) (*session, error) {
	s := &session{
		id:           id,
		kind:         kind,
		chatID:       chatID,
		chatType:     chatType,
		chatName:     chatName,
		audioEnabled: true,
		videoEnabled: kind == KindVideo,
		startedAt:    time.Now(),
		participants: make(map[string]*Participant),
		seen:         make(map[string]bool),
		keySent:      make(map[string]bool),
		remoteVideo:  make(map[string]uint32),
		gate:         media.NewGate(),
		ring:         e2ee.NewKeyRing(m.opts.AllowKeyFallback),
	}
	links, err := m.opts.NewLinks(id, m.sig, s.ring, s.gate, m.handlers(s))
	if err != nil {
		return nil, newError(ErrNegotiation, err)
	}
	s.links = links
	s.rc = remotectl.NewController(id, m.opts.Self.UserID, m.sig, links, m.opts.Agent, s.sharing.Load)
	m.rc.Store(s.rc)
	return s, nil
}

// attachLocal hands the local stream to the session and its links.
func (m *Manager) attachLocal(s *session, stream *media.Stream) {
	s.local = stream
	s.links.SetLocalTracks(stream.Audio, stream.Video)
	s.audioEnabled = stream.HasAudio()
	s.videoEnabled = stream.HasVideo() && s.kind == KindVideo
	s.gate.SetAudio(s.audioEnabled)
	s.gate.SetVideo(s.videoEnabled)
}

// startRecording begins recording once the call is connected with local
// media. Failure to record never affects the call.
func (m *Manager) startRecording(s *session) {
	if m.opts.NewRecorder == nil || s.local == nil || s.recorder() != nil {
		return
	}
	rec := m.opts.NewRecorder(recording.Meta{
		CallID:       s.id,
		CallType:     s.kind,
		ChatID:       s.chatID,
		ChatType:     s.chatType,
		ChatName:     s.chatName,
		Participants: s.seenIDs(),
	}, m.requestKeyframe(s))
	if err := rec.Start(); err != nil {
		log.Printf("CALL [%s]: recording unavailable: %v", s.id, err)
		return
	}
	if s.local.NewVideoReader != nil {
		rec.AddVideoSource(localSource, m.opts.Self.Name, false, s.local.NewVideoReader())
	}
	if s.local.NewAudioReader != nil {
		rec.AddAudioSource(localSource, s.local.NewAudioReader())
	}
	if s.screen != nil && s.screen.NewVideoReader != nil {
		rec.AddVideoSource(screenSource, m.opts.Self.Name+" (screen)", true, s.screen.NewVideoReader())
	}
	s.setRecorder(rec)
}

func (m *Manager) requestKeyframe(s *session) func(string) {
	return func(userID string) {
		m.do(func() {
			if m.s != s {
				return
			}
			ssrc, ok := s.remoteVideo[userID]
			if !ok {
				return
			}
			if err := s.links.RequestKeyframe(userID, ssrc); err != nil {
				log.Printf("CALL [%s]: keyframe request to %s: %v", s.id, userID, err)
			}
		})
	}
}

func (m *Manager) endOutcome(s *session) string {
	switch s.status {
	case StatusConnected:
		return OutcomeCompleted
	case StatusRinging:
		return OutcomeDeclined
	default:
		return OutcomeCancelled
	}
}

// hangup tells the other side and ends the call. A ringing call is
// declined; anything else is ended.
func (m *Manager) hangup(outcome string) {
	s := m.s
	if s == nil {
		return
	}
	if s.status == StatusRinging {
		m.send(proto.EvDeclineCall, s.initiatorID, proto.DeclineCall{CallID: s.id, UserID: m.opts.Self.UserID})
	} else {
		m.send(proto.EvEndCall, "", proto.EndCall{CallID: s.id, IsInitiator: s.initiator, ChatType: s.chatType})
	}
	m.end(outcome)
}

// ringTimeout fires when calling or ringing went unanswered.
func (m *Manager) ringTimeout() {
	s := m.s
	switch {
	case s.rejoining:
		log.Printf("CALL [%s]: rejoin got no answer", s.id)
		m.end(OutcomeFailed)
	case s.status == StatusCalling:
		log.Printf("CALL [%s]: no answer", s.id)
		m.send(proto.EvEndCall, "", proto.EndCall{CallID: s.id, IsInitiator: true, ChatType: s.chatType})
		m.end(OutcomeNoAnswer)
	case s.status == StatusRinging:
		log.Printf("CALL [%s]: missed", s.id)
		m.send(proto.EvDeclineCall, s.initiatorID, proto.DeclineCall{
			CallID: s.id, UserID: m.opts.Self.UserID, Reason: "no answer",
		})
		m.end(OutcomeMissed)
	}
}

// end tears the current call down and returns to idle. Safe to reach from
// any state; a second call finds no session and does nothing. A waiting
// call, if any, becomes the new ringing call.
func (m *Manager) end(outcome string) {
	s := m.s
	if s == nil {
		return
	}
	s.stopTimer()
	w := s.clearWaiting()
	s.status = StatusEnded

	s.rc.Stop("call ended")
	m.rc.CompareAndSwap(s.rc, nil)
	s.links.Close()
	if s.screen != nil {
		s.screen.Close()
		s.screen = nil
	}
	if s.local != nil {
		s.local.Close()
		s.local = nil
	}
	s.ring.Clear()
	s.screenSharing = false
	s.sharing.Store(false)

	if rec := s.recorder(); rec != nil {
		s.setRecorder(nil)
		rec.SetParticipants(s.seenIDs())
		m.finishRecording(s.id, rec)
	}
	m.recordHistory(s, outcome)
	m.opts.Metrics.CallEnded(outcome)
	log.Printf("CALL [%s]: ended (%s)", s.id, outcome)

	m.outcome = outcome
	m.publish()
	m.s = nil

	if w != nil {
		m.startRinging(w)
	}
}

// startRinging makes w the current, ringing call.
func (m *Manager) startRinging(w *WaitingCall) {
	s, err := m.newSession(w.CallID, w.CallType, w.ChatID, w.ChatType, w.ChatName)
	if err != nil {
		log.Printf("CALL [%s]: cannot ring: %v", w.CallID, err)
		m.send(proto.EvDeclineCall, w.From.UserID, proto.DeclineCall{
			CallID: w.CallID, UserID: m.opts.Self.UserID, Reason: "unavailable",
		})
		return
	}
	s.status = StatusRinging
	s.initiatorID = w.From.UserID
	s.participant(w.From)
	m.cachePeer(w.From)
	m.s = s
	m.outcome = ""
	m.lastErr = ""
	m.armTimer(s)
	log.Printf("CALL [%s]: ringing from %s (%s)", s.id, w.From.UserID, s.kind)
}

// finishRecording stops and uploads in the background; the call is already
// gone by the time the upload completes.
func (m *Manager) finishRecording(callID string, rec Recorder) {
	m.uploads.Add(1)
	go func() {
		defer m.uploads.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		res, err := rec.Stop(ctx)
		switch {
		case err != nil:
			log.Printf("CALL [%s]: %v", callID, newError(ErrRecordingUpload, err))
			m.opts.Metrics.RecordingUpload("failed")
		case res.Discarded:
			m.opts.Metrics.RecordingUpload("discarded")
		default:
			m.opts.Metrics.RecordingUpload("uploaded")
			if m.opts.History == nil {
				return
			}
			if err := m.opts.History.AddRecording(storage.RecordingRecord{
				RecordingID: res.RecordingID,
				CallID:      callID,
				MimeType:    res.MimeType,
				Size:        res.Size,
				Duration:    res.Duration,
			}); err != nil {
				log.Printf("CALL [%s]: store recording id: %v", callID, err)
			}
		}
	}()
}

func (m *Manager) recordHistory(s *session, outcome string) {
	if m.opts.History == nil {
		return
	}
	err := m.opts.History.RecordCall(storage.CallRecord{
		CallID:       s.id,
		CallType:     s.kind,
		ChatID:       s.chatID,
		ChatType:     s.chatType,
		ChatName:     s.chatName,
		Initiator:    s.initiator,
		Outcome:      outcome,
		Participants: s.seenIDs(),
		StartedAt:    s.startedAt,
		ConnectedAt:  s.connectedAt,
		EndedAt:      time.Now(),
	})
	if err != nil {
		log.Printf("CALL [%s]: record history: %v", s.id, err)
	}
}

func (m *Manager) recordWaiting(w *WaitingCall, outcome string) {
	if m.opts.History == nil {
		return
	}
	now := time.Now()
	err := m.opts.History.RecordCall(storage.CallRecord{
		CallID:       w.CallID,
		CallType:     w.CallType,
		ChatID:       w.ChatID,
		ChatType:     w.ChatType,
		ChatName:     w.ChatName,
		Outcome:      outcome,
		Participants: []string{w.From.UserID},
		StartedAt:    w.At,
		EndedAt:      now,
	})
	if err != nil {
		log.Printf("CALL [%s]: record history: %v", w.CallID, err)
	}
}

func (m *Manager) cachePeer(id proto.Identity) {
	if m.opts.History == nil || id.UserID == "" {
		return
	}
	if err := m.opts.History.UpsertCachedPeer(storage.CachedPeer{
		UserID: id.UserID, Name: id.Name, Avatar: id.Avatar, Color: id.Color,
	}); err != nil {
		log.Printf("CALL: cache peer %s: %v", id.UserID, err)
	}
}

// syncState tells to (or everyone) our current media flags.
func (m *Manager) syncState(s *session, to string) {
	m.send(proto.EvSyncParticipant, to, proto.SyncParticipantState{
		CallID:       s.id,
		TargetUserID: to,
		AudioState:   s.audioEnabled,
		VideoState:   s.videoEnabled,
		ScreenState:  s.screenSharing,
	})
}

func (m *Manager) send(event, to string, payload any) {
	if err := m.sig.Send(event, to, payload); err != nil {
		log.Printf("SIGNAL: send %s to %q: %v", event, to, err)
	}
}
