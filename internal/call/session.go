package call

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petervdpas/callcore/internal/e2ee"
	"github.com/petervdpas/callcore/internal/media"
	"github.com/petervdpas/callcore/internal/proto"
	"github.com/petervdpas/callcore/internal/remotectl"
)

// Participant is one member of a call as seen by observers.
type Participant struct {
	UserID     string    `json:"userId"`
	Name       string    `json:"name,omitempty"`
	Avatar     string    `json:"avatar,omitempty"`
	Color      string    `json:"color,omitempty"`
	Audio      bool      `json:"audio"`
	Video      bool      `json:"video"`
	Screen     bool      `json:"screen"`
	HasStream  bool      `json:"hasStream"`
	Connection string    `json:"connection,omitempty"`
	JoinedAt   time.Time `json:"joinedAt,omitempty"`
}

// WaitingCall is a second inbound call parked while another is connected.
type WaitingCall struct {
	CallID   string         `json:"callId"`
	ChatID   string         `json:"chatId"`
	ChatType string         `json:"chatType"`
	CallType string         `json:"callType"`
	ChatName string         `json:"chatName,omitempty"`
	From     proto.Identity `json:"from"`
	At       time.Time      `json:"at"`
}

// Snapshot is an immutable copy of the call state.
type Snapshot struct {
	CallID        string          `json:"callId,omitempty"`
	Kind          string          `json:"kind,omitempty"`
	ChatID        string          `json:"chatId,omitempty"`
	ChatType      string          `json:"chatType,omitempty"`
	ChatName      string          `json:"chatName,omitempty"`
	Status        Status          `json:"status"`
	Initiator     bool            `json:"initiator"`
	Self          Participant     `json:"self"`
	ScreenSharing bool            `json:"screenSharing"`
	Encrypted     bool            `json:"encrypted"`
	Recording     bool            `json:"recording"`
	StartedAt     time.Time       `json:"startedAt,omitempty"`
	ConnectedAt   time.Time       `json:"connectedAt,omitempty"`
	Participants  []Participant   `json:"participants"`
	Waiting       *WaitingCall    `json:"waiting,omitempty"`
	RemoteControl remotectl.State `json:"remoteControl"`
	Outcome       string          `json:"outcome,omitempty"`
	LastError     string          `json:"lastError,omitempty"`
}

// session is the mutable state of the current call. It is owned by the
// manager loop; nothing else touches it.
type session struct {
	id          string
	kind        string
	chatID      string
	chatType    string
	chatName    string
	status      Status
	initiator   bool
	initiatorID string
	rejoining   bool
	accepting   bool
	sharingBusy bool

	audioEnabled     bool
	videoEnabled     bool
	screenSharing    bool
	prevVideoEnabled bool

	startedAt   time.Time
	connectedAt time.Time

	participants map[string]*Participant
	seen         map[string]bool // everyone who ever joined, for history
	keySent      map[string]bool
	remoteVideo  map[string]uint32

	waiting      *WaitingCall
	waitingTimer *time.Timer

	local  *media.Stream
	screen *media.Stream
	gate   *media.Gate
	ring   *e2ee.KeyRing
	links  Links
	rc     *remotectl.Controller

	// sharing mirrors screenSharing for the remote-control controller,
	// which reads it off the loop.
	sharing atomic.Bool

	timer *time.Timer
	gen   uint64

	recMu sync.Mutex
	rec   Recorder
}

func (s *session) recorder() Recorder {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	return s.rec
}

func (s *session) setRecorder(r Recorder) {
	s.recMu.Lock()
	s.rec = r
	s.recMu.Unlock()
}

func (s *session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *session) clearWaiting() *WaitingCall {
	w := s.waiting
	s.waiting = nil
	if s.waitingTimer != nil {
		s.waitingTimer.Stop()
		s.waitingTimer = nil
	}
	return w
}

// participant returns userID's entry, adding it when unknown.
func (s *session) participant(id proto.Identity) (*Participant, bool) {
	p := s.participants[id.UserID]
	if p != nil {
		if id.Name != "" {
			p.Name = id.Name
		}
		if id.Avatar != "" {
			p.Avatar = id.Avatar
		}
		if id.Color != "" {
			p.Color = id.Color
		}
		return p, false
	}
	p = &Participant{
		UserID:   id.UserID,
		Name:     id.Name,
		Avatar:   id.Avatar,
		Color:    id.Color,
		Audio:    true,
		Video:    s.kind == KindVideo,
		JoinedAt: time.Now(),
	}
	s.participants[id.UserID] = p
	s.seen[id.UserID] = true
	return p, true
}

func (s *session) seenIDs() []string {
	out := make([]string, 0, len(s.seen))
	for id := range s.seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *session) snapshot(self proto.Identity) Snapshot {
	snap := Snapshot{
		CallID:   s.id,
		Kind:     s.kind,
		ChatID:   s.chatID,
		ChatType: s.chatType,
		ChatName: s.chatName,
		Status:   s.status,

		Initiator: s.initiator,
		Self: Participant{
			UserID:    self.UserID,
			Name:      self.Name,
			Avatar:    self.Avatar,
			Color:     self.Color,
			Audio:     s.audioEnabled,
			Video:     s.videoEnabled,
			Screen:    s.screenSharing,
			HasStream: s.local != nil,
			JoinedAt:  s.connectedAt,
		},
		ScreenSharing: s.screenSharing,
		Encrypted:     s.ring != nil && s.ring.Current() != nil,
		Recording:     s.recorder() != nil,
		StartedAt:     s.startedAt,
		ConnectedAt:   s.connectedAt,
		Participants:  make([]Participant, 0, len(s.participants)),
	}
	for _, p := range s.participants {
		snap.Participants = append(snap.Participants, *p)
	}
	sort.Slice(snap.Participants, func(i, j int) bool {
		return snap.Participants[i].UserID < snap.Participants[j].UserID
	})
	if s.waiting != nil {
		w := *s.waiting
		snap.Waiting = &w
	}
	if s.rc != nil {
		snap.RemoteControl = s.rc.State()
	}
	return snap
}
