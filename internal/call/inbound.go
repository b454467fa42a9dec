package call

import (
	"log"
	"time"

	"github.com/petervdpas/callcore/internal/e2ee"
	"github.com/petervdpas/callcore/internal/proto"
)

func decode[T any](env *proto.Envelope) (T, bool) {
	var v T
	if err := env.Decode(&v); err != nil {
		log.Printf("SIGNAL: bad %s from %s: %v", env.Event, env.From, err)
		return v, false
	}
	return v, true
}

// dispatch applies one relay event. Events about calls other than the
// current one are ignored, except invitations.
func (m *Manager) dispatch(env *proto.Envelope) {
	if env.From == m.opts.Self.UserID {
		return
	}
	from := env.From

	switch env.Event {
	case proto.EvInitiateCall:
		if p, ok := decode[proto.InitiateCall](env); ok {
			m.onInitiate(from, p)
		}
	case proto.EvAcceptCall:
		if p, ok := decode[proto.AcceptCall](env); ok {
			m.onAccept(from, p)
		}
	case proto.EvDeclineCall:
		if p, ok := decode[proto.DeclineCall](env); ok {
			m.onDecline(from, p)
		}
	case proto.EvEndCall:
		if p, ok := decode[proto.EndCall](env); ok {
			m.onEnd(from, p)
		}
	case proto.EvOffer, proto.EvAnswer:
		if p, ok := decode[proto.SessionDescription](env); ok {
			m.onDescription(from, env.Event, p)
		}
	case proto.EvICECandidate:
		if p, ok := decode[proto.ICECandidate](env); ok {
			m.onCandidate(from, p)
		}
	case proto.EvToggleAudio, proto.EvToggleVideo:
		if p, ok := decode[proto.ToggleMedia](env); ok {
			m.onToggle(from, env.Event == proto.EvToggleAudio, p)
		}
	case proto.EvSyncParticipant:
		if p, ok := decode[proto.SyncParticipantState](env); ok {
			m.onSync(from, p)
		}
	case proto.EvExchangeKey:
		if p, ok := decode[proto.ExchangeKey](env); ok {
			m.onKey(from, p)
		}
	case proto.EvRemoteControlRequest, proto.EvRemoteControlAccept,
		proto.EvRemoteControlDeny, proto.EvRemoteControlStop:
		if p, ok := decode[proto.RemoteControl](env); ok {
			m.onRemoteControl(from, env.Event, p)
		}
	case proto.EvCallParticipants:
		if p, ok := decode[proto.CallParticipants](env); ok {
			m.onParticipants(p)
		}
	case proto.EvParticipantJoined:
		if p, ok := decode[proto.ParticipantEvent](env); ok {
			m.onJoined(from, p)
		}
	case proto.EvParticipantLeft:
		if p, ok := decode[proto.ParticipantEvent](env); ok {
			m.onLeft(from, p)
		}
	case proto.EvRejoinCall:
		// Answered by the relay.
	default:
		log.Printf("SIGNAL: ignoring %s from %s", env.Event, from)
	}
}

// active returns the current session if it is callID.
func (m *Manager) active(callID string) *session {
	if m.s == nil || m.s.id != callID {
		return nil
	}
	return m.s
}

func (m *Manager) onInitiate(from string, p proto.InitiateCall) {
	if p.Initiator.UserID == "" {
		p.Initiator.UserID = from
	}
	w := &WaitingCall{
		CallID:   p.CallID,
		ChatID:   p.ChatID,
		ChatType: p.ChatType,
		CallType: p.CallType,
		ChatName: p.ChatName,
		From:     p.Initiator,
		At:       time.Now(),
	}
	if w.ChatType == "" {
		w.ChatType = ChatDirect
	}
	if w.CallType != KindAudio {
		w.CallType = KindVideo
	}

	s := m.s
	switch {
	case s == nil && !m.pending:
		m.startRinging(w)

	case s != nil && (s.id == p.CallID || (s.waiting != nil && s.waiting.CallID == p.CallID)):
		// Duplicate delivery.

	case s != nil && s.status == StatusConnected && s.waiting == nil:
		s.waiting = w
		m.cachePeer(w.From)
		s.waitingTimer = time.AfterFunc(m.opts.RingTimeout, func() {
			m.do(func() {
				if m.s != s || s.waiting != w {
					return
				}
				s.clearWaiting()
				m.send(proto.EvDeclineCall, w.From.UserID, proto.DeclineCall{
					CallID: w.CallID, UserID: m.opts.Self.UserID, Reason: "no answer",
				})
				m.recordWaiting(w, OutcomeMissed)
				log.Printf("CALL [%s]: waiting call %s missed", s.id, w.CallID)
			})
		})
		log.Printf("CALL [%s]: call %s from %s is waiting", s.id, w.CallID, w.From.UserID)

	default:
		log.Printf("CALL: busy, declining %s from %s", p.CallID, from)
		m.send(proto.EvDeclineCall, from, proto.DeclineCall{
			CallID: p.CallID, UserID: m.opts.Self.UserID, Reason: "busy",
		})
		m.recordWaiting(w, OutcomeBusy)
	}
}

func (m *Manager) onAccept(from string, p proto.AcceptCall) {
	s := m.active(p.CallID)
	if s == nil || (s.status != StatusCalling && s.status != StatusConnected) {
		return
	}
	if p.User.UserID == "" {
		p.User.UserID = from
	}
	uid := p.User.UserID

	if s.status == StatusCalling {
		s.stopTimer()
		s.rejoining = false
		s.status = StatusConnected
		s.connectedAt = time.Now()
		m.startRecording(s)
		log.Printf("CALL [%s]: %s answered", s.id, uid)
	}
	s.participant(p.User)
	m.cachePeer(p.User)
	if s.initiator {
		m.sendKey(s, uid)
	}
	m.syncState(s, uid)
	m.connect(s, uid)
}

func (m *Manager) onDecline(from string, p proto.DeclineCall) {
	s := m.s
	if s == nil {
		return
	}
	if s.waiting != nil && s.waiting.CallID == p.CallID {
		w := s.clearWaiting()
		m.recordWaiting(w, OutcomeCancelled)
		return
	}
	if s.id != p.CallID {
		return
	}
	uid := p.UserID
	if uid == "" {
		uid = from
	}

	switch s.status {
	case StatusCalling:
		if s.chatType == ChatDirect {
			outcome := OutcomeDeclined
			if p.Reason == "busy" {
				outcome = OutcomeBusy
			}
			log.Printf("CALL [%s]: %s declined (%s)", s.id, uid, p.Reason)
			m.end(outcome)
			return
		}
		m.removeParticipant(s, uid)
	case StatusRinging:
		if uid == s.initiatorID {
			m.end(OutcomeMissed)
		}
	case StatusConnected:
		if s.chatType == ChatGroup {
			m.removeParticipant(s, uid)
		}
	}
}

func (m *Manager) onEnd(from string, p proto.EndCall) {
	s := m.s
	if s == nil {
		return
	}
	if s.waiting != nil && s.waiting.CallID == p.CallID {
		w := s.clearWaiting()
		m.recordWaiting(w, OutcomeMissed)
		return
	}
	if s.id != p.CallID {
		return
	}

	if s.status == StatusRinging {
		if s.chatType == ChatDirect || from == s.initiatorID {
			log.Printf("CALL [%s]: caller hung up", s.id)
			m.end(OutcomeMissed)
		}
		return
	}
	if s.chatType == ChatDirect {
		log.Printf("CALL [%s]: %s hung up", s.id, from)
		m.end(OutcomeCompleted)
		return
	}
	m.removeParticipant(s, from)
	if s.status == StatusConnected && len(s.participants) == 0 {
		m.end(OutcomeCompleted)
	}
}

func (m *Manager) onDescription(from, event string, p proto.SessionDescription) {
	s := m.active(p.CallID)
	if s == nil || !m.addressed(p.TargetUserID) {
		return
	}
	if event == proto.EvAnswer {
		if err := s.links.HandleAnswer(from, p.SDP); err != nil {
			log.Printf("CALL [%s]: answer from %s: %v", s.id, from, err)
		}
		return
	}

	if s.status != StatusConnected && !s.rejoining {
		log.Printf("CALL [%s]: offer from %s before the call connected", s.id, from)
		return
	}
	if pp, added := s.participant(proto.Identity{UserID: from}); added && m.opts.History != nil {
		pp.Name = m.opts.History.GetPeerName(from)
	}
	if err := s.links.HandleOffer(from, p.SDP); err != nil {
		m.lastErr = newError(ErrNegotiation, err).Error()
		log.Printf("CALL [%s]: offer from %s: %v", s.id, from, err)
	}
}

func (m *Manager) onCandidate(from string, p proto.ICECandidate) {
	s := m.active(p.CallID)
	if s == nil || !m.addressed(p.TargetUserID) {
		return
	}
	if err := s.links.HandleCandidate(from, p.Candidate); err != nil {
		log.Printf("CALL [%s]: candidate from %s: %v", s.id, from, err)
	}
}

func (m *Manager) onToggle(from string, audio bool, p proto.ToggleMedia) {
	s := m.active(p.CallID)
	if s == nil {
		return
	}
	pp := s.participants[from]
	if pp == nil {
		return
	}
	if audio {
		pp.Audio = p.Enabled
	} else {
		pp.Video = p.Enabled
	}
}

func (m *Manager) onSync(from string, p proto.SyncParticipantState) {
	s := m.active(p.CallID)
	if s == nil || !m.addressed(p.TargetUserID) {
		return
	}
	pp := s.participants[from]
	if pp == nil {
		return
	}
	pp.Audio = p.AudioState
	pp.Video = p.VideoState
	if pp.Screen != p.ScreenState {
		pp.Screen = p.ScreenState
		if rec := s.recorder(); rec != nil {
			rec.MarkScreen(from, p.ScreenState)
		}
	}
}

func (m *Manager) onKey(from string, p proto.ExchangeKey) {
	s := m.active(p.CallID)
	if s == nil || !m.addressed(p.TargetUserID) {
		return
	}
	if !m.opts.Encryption {
		log.Printf("E2EE [%s]: encryption disabled, ignoring key from %s", s.id, from)
		return
	}
	alg := e2ee.Algorithm(p.Algorithm)
	if alg == "" {
		alg = m.opts.Algorithm
	}
	k, err := e2ee.ImportEncoded(s.id, p.Key, alg)
	if err != nil {
		m.lastErr = newError(ErrKeyMissing, err).Error()
		log.Printf("E2EE [%s]: key from %s: %v", s.id, from, err)
		return
	}
	if p.KeyID != "" && p.KeyID != k.ID {
		log.Printf("E2EE [%s]: key id mismatch from %s (%s != %s)", s.id, from, p.KeyID, k.ID)
	}
	cur := s.ring.Current()
	switch {
	case s.ring.AdoptIfNone(k):
		log.Printf("E2EE [%s]: adopted key %s from %s", s.id, k.ID, from)
	case !s.initiator && from == s.initiatorID && cur.ID != k.ID:
		// The initiator re-keyed after rejoining. Older keys stay for
		// frames still in flight.
		s.ring.SetCurrent(k)
		log.Printf("E2EE [%s]: initiator %s switched to key %s", s.id, from, k.ID)
	default:
		log.Printf("E2EE [%s]: stored key %s from %s", s.id, k.ID, from)
	}
}

func (m *Manager) onRemoteControl(from, event string, p proto.RemoteControl) {
	s := m.active(p.CallID)
	if s == nil {
		return
	}
	switch event {
	case proto.EvRemoteControlRequest:
		s.rc.HandleRequest(from)
	case proto.EvRemoteControlAccept:
		s.rc.HandleAccept(from)
	case proto.EvRemoteControlDeny:
		s.rc.HandleDeny(from, p.Reason)
	case proto.EvRemoteControlStop:
		s.rc.HandleStop(from)
	}
}

// onParticipants completes a rejoin: the relay lists who is still in the
// call and they connect to us.
func (m *Manager) onParticipants(p proto.CallParticipants) {
	s := m.active(p.CallID)
	if s == nil || !s.rejoining {
		return
	}
	s.stopTimer()
	s.rejoining = false
	if p.ChatID != "" {
		s.chatID = p.ChatID
	}
	if p.ChatType != "" {
		s.chatType = p.ChatType
	}
	if s.chatType == "" {
		s.chatType = ChatGroup
	}
	s.chatName = p.ChatName
	s.initiatorID = p.InitiatorID
	s.initiator = p.InitiatorID == m.opts.Self.UserID
	for _, id := range p.Participants {
		if id.UserID == "" || id.UserID == m.opts.Self.UserID {
			continue
		}
		s.participant(id)
		m.cachePeer(id)
	}
	s.status = StatusConnected
	s.connectedAt = time.Now()
	if s.initiator && m.opts.Encryption && s.ring.Current() == nil {
		// The key of our first run is gone; hand everyone a fresh one.
		k, err := e2ee.GenerateKey(s.id, m.opts.Algorithm)
		if err != nil {
			m.lastErr = newError(ErrKeyMissing, err).Error()
			log.Printf("E2EE [%s]: generate key after rejoin: %v", s.id, err)
		} else {
			s.ring.SetCurrent(k)
			for uid := range s.participants {
				m.sendKey(s, uid)
			}
		}
	}
	m.startRecording(s)
	m.syncState(s, "")
	log.Printf("CALL [%s]: rejoined with %d participant(s)", s.id, len(s.participants))
}

func (m *Manager) onJoined(from string, p proto.ParticipantEvent) {
	s := m.active(p.CallID)
	if s == nil || s.status != StatusConnected {
		return
	}
	if p.User.UserID == "" {
		p.User.UserID = from
	}
	uid := p.User.UserID
	if uid == m.opts.Self.UserID {
		return
	}
	if _, ok := s.participants[uid]; ok {
		// Back before its Participant_Left reached us: the old link and
		// key hand-off belong to a session that no longer exists.
		log.Printf("CALL [%s]: %s rejoined, resetting its link", s.id, uid)
		m.removeParticipant(s, uid)
	}
	s.participant(p.User)
	m.cachePeer(p.User)
	if s.initiator {
		m.sendKey(s, uid)
	}
	m.syncState(s, uid)
	m.connect(s, uid)
	log.Printf("CALL [%s]: %s joined", s.id, uid)
}

func (m *Manager) onLeft(from string, p proto.ParticipantEvent) {
	s := m.active(p.CallID)
	if s == nil {
		return
	}
	uid := p.User.UserID
	if uid == "" {
		uid = from
	}
	if !m.removeParticipant(s, uid) {
		return
	}
	if s.chatType == ChatDirect || (s.status == StatusConnected && len(s.participants) == 0) {
		m.end(OutcomeCompleted)
	}
}

// removeParticipant drops uid and everything held for it. It reports
// whether uid was a participant.
func (m *Manager) removeParticipant(s *session, uid string) bool {
	s.links.Remove(uid)
	s.rc.HandlePeerLeft(uid)
	if _, ok := s.participants[uid]; !ok {
		return false
	}
	delete(s.participants, uid)
	delete(s.keySent, uid)
	delete(s.remoteVideo, uid)
	if rec := s.recorder(); rec != nil {
		rec.RemoveSource(uid)
	}
	log.Printf("CALL [%s]: %s left", s.id, uid)
	return true
}

// connect opens a link to uid unless one exists or the mesh is full.
func (m *Manager) connect(s *session, uid string) {
	peers := s.links.Peers()
	for _, id := range peers {
		if id == uid {
			return
		}
	}
	if len(peers) >= m.opts.MaxGroupSize-1 {
		log.Printf("PEER [%s]: not connecting to %s, mesh is full (%d)", s.id, uid, len(peers))
		return
	}
	if err := s.links.Connect(uid); err != nil {
		m.lastErr = newError(ErrNegotiation, err).Error()
		log.Printf("PEER [%s]: connect %s: %v", s.id, uid, err)
	}
}

// sendKey gives uid the call key once. Only the initiator distributes it.
func (m *Manager) sendKey(s *session, uid string) {
	if !m.opts.Encryption || s.keySent[uid] {
		return
	}
	k := s.ring.Current()
	if k == nil {
		log.Printf("E2EE [%s]: no key to send to %s", s.id, uid)
		return
	}
	m.send(proto.EvExchangeKey, uid, proto.ExchangeKey{
		CallID:       s.id,
		KeyID:        k.ID,
		Key:          k.Export(),
		Algorithm:    string(k.Algorithm),
		TargetUserID: uid,
	})
	s.keySent[uid] = true
}

func (m *Manager) addressed(target string) bool {
	return target == "" || target == m.opts.Self.UserID
}
