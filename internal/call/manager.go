// Package call is the call orchestrator. It owns the state of the current
// call and drives signaling, local media, peer links, encryption keys,
// remote control and recording in response to user operations and relay
// events.
//
// Every state change happens on one goroutine (the manager loop). Public
// operations, relay events, peer callbacks and timers are all funnelled into
// it, so a Snapshot never observes a call in the middle of a transition.
package call

import (
	"context"
	"log"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petervdpas/callcore/internal/e2ee"
	"github.com/petervdpas/callcore/internal/media"
	"github.com/petervdpas/callcore/internal/metrics"
	"github.com/petervdpas/callcore/internal/proto"
	"github.com/petervdpas/callcore/internal/remotectl"
)

type Options struct {
	Self        proto.Identity
	Acquirer    media.Acquirer
	Constraints media.Constraints

	Encryption       bool
	Algorithm        e2ee.Algorithm
	AllowKeyFallback bool

	RingTimeout  time.Duration
	MaxGroupSize int

	NewLinks LinkFactory
	// NewRecorder is nil when recording is disabled.
	NewRecorder RecorderFactory
	// Agent is the remote-control companion. nil denies every request.
	Agent   remotectl.AgentClient
	History History
	Metrics *metrics.Collector
}

// Manager runs the call state machine.
type Manager struct {
	opts Options
	sig  Signaler

	ops  chan func()
	done chan struct{}
	wg   sync.WaitGroup

	// Loop-owned.
	s           *session
	pending     bool // media acquisition for a new call in flight
	constraints media.Constraints
	outcome     string
	lastErr     string
	gen         uint64

	current atomic.Pointer[Snapshot]
	// rc is the controller of the current call, for operations that must
	// not block the loop.
	rc atomic.Pointer[remotectl.Controller]

	subMu   sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int

	uploads sync.WaitGroup
}

func New(sig Signaler, opts Options) *Manager {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = 20 * time.Second
	}
	if opts.MaxGroupSize <= 0 {
		opts.MaxGroupSize = 8
	}
	if opts.Algorithm == "" {
		opts.Algorithm = e2ee.AESGCM
	}
	if opts.Agent == nil {
		opts.Agent = noAgent{}
	}
	m := &Manager{
		opts:        opts,
		sig:         sig,
		ops:         make(chan func(), 256),
		done:        make(chan struct{}),
		constraints: opts.Constraints,
		subs:        make(map[int]chan Snapshot),
	}
	m.current.Store(&Snapshot{Status: StatusIdle, Self: Participant{UserID: opts.Self.UserID, Name: opts.Self.Name}})

	ch, cancel := sig.Subscribe()
	m.wg.Add(1)
	go m.loop(ch, cancel)
	return m
}

func (m *Manager) loop(ch chan *proto.Envelope, cancel func()) {
	defer m.wg.Done()
	defer cancel()
	for {
		select {
		case <-m.done:
			if m.s != nil {
				m.hangup(OutcomeCompleted)
			}
			m.publish()
			return
		case fn := <-m.ops:
			fn()
		case env, ok := <-ch:
			if !ok {
				ch = nil
				continue
			}
			m.dispatch(env)
		}
		m.publish()
	}
}

// do queues fn on the loop. It reports false once the manager is closed.
func (m *Manager) do(fn func()) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.ops <- fn:
		return true
	case <-m.done:
		return false
	}
}

// call runs fn on the loop and waits for its result. The resulting state is
// published before call returns.
func (m *Manager) call(fn func() error) error {
	errc := make(chan error, 1)
	if !m.do(func() {
		err := fn()
		m.publish()
		errc <- err
	}) {
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-m.done:
		return ErrClosed
	}
}

// State returns the latest snapshot.
func (m *Manager) State() Snapshot {
	return *m.current.Load()
}

// Subscribe delivers every new snapshot, starting with the current one.
// Slow subscribers lose intermediate snapshots, never the latest.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 16)
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	ch <- *m.current.Load()
	m.subMu.Unlock()

	return ch, func() {
		m.subMu.Lock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
		m.subMu.Unlock()
	}
}

func (m *Manager) snapshot() Snapshot {
	if m.s == nil {
		return Snapshot{
			Status:  StatusIdle,
			Self:    Participant{UserID: m.opts.Self.UserID, Name: m.opts.Self.Name, Avatar: m.opts.Self.Avatar, Color: m.opts.Self.Color},
			Outcome: m.outcome,

			Participants: []Participant{},
			LastError:    m.lastErr,
		}
	}
	snap := m.s.snapshot(m.opts.Self)
	snap.LastError = m.lastErr
	return snap
}

// publish hands the current state to subscribers if it changed.
func (m *Manager) publish() {
	snap := m.snapshot()
	if prev := m.current.Load(); prev != nil && reflect.DeepEqual(*prev, snap) {
		return
	}
	m.current.Store(&snap)

	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// SetConstraints changes the devices used by the next acquisition.
func (m *Manager) SetConstraints(c media.Constraints) {
	m.do(func() {
		m.constraints = c
		log.Printf("CALL: media preferences updated (camera=%q mic=%q)", c.Camera, c.Microphone)
	})
}

// Close ends any call in progress and stops the loop. Pending recording
// uploads are waited for.
func (m *Manager) Close() {
	select {
	case <-m.done:
		return
	default:
		close(m.done)
	}
	m.wg.Wait()
	m.uploads.Wait()

	m.subMu.Lock()
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	m.subMu.Unlock()
}

// armTimer starts the no-answer guard of s. Expiry is ignored once the call
// moved on.
func (m *Manager) armTimer(s *session) {
	s.stopTimer()
	m.gen++
	s.gen = m.gen
	gen := s.gen
	s.timer = time.AfterFunc(m.opts.RingTimeout, func() {
		m.do(func() {
			if m.s != s || s.gen != gen {
				return
			}
			m.ringTimeout()
		})
	})
}

func (m *Manager) fail(err error) error {
	m.lastErr = err.Error()
	return err
}

type noAgent struct{}

func (noAgent) Connect(context.Context) error { return remotectl.ErrAgentUnavailable }
func (noAgent) ScreenInfo(context.Context) (int, int, error) {
	return 0, 0, remotectl.ErrAgentUnavailable
}
func (noAgent) StartControl() error              { return remotectl.ErrAgentUnavailable }
func (noAgent) StopControl() error               { return nil }
func (noAgent) SendInput(proto.InputEvent) error { return remotectl.ErrAgentUnavailable }
