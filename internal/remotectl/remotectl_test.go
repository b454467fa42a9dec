package remotectl

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/callcore/internal/proto"
)

// fakeAgentServer answers like the companion process.
type fakeAgentServer struct {
	srv      *httptest.Server
	dials    atomic.Int32
	silent   bool
	mu       sync.Mutex
	received []proto.AgentMessage
}

func newFakeAgentServer(t *testing.T, silent bool) *fakeAgentServer {
	t.Helper()
	f := &fakeAgentServer{silent: silent}
	up := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.dials.Add(1)
		defer conn.Close()
		for {
			var msg proto.AgentMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			f.mu.Lock()
			f.received = append(f.received, msg)
			f.mu.Unlock()
			if f.silent {
				continue
			}
			switch msg.Type {
			case proto.AgentPing:
				_ = conn.WriteJSON(proto.AgentMessage{Type: proto.AgentPong})
			case proto.AgentScreenInfo:
				_ = conn.WriteJSON(proto.AgentMessage{Type: proto.AgentScreenInfo, Width: 1920, Height: 1080})
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAgentServer) addr() string { return strings.TrimPrefix(f.srv.URL, "http://") }

func (f *fakeAgentServer) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.received {
		out = append(out, m.Type)
	}
	return out
}

func TestAgentConnectAndRequests(t *testing.T) {
	f := newFakeAgentServer(t, false)
	a := NewAgent(f.addr(), time.Second)
	defer a.Close()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, a.Connect(context.Background()))
		}()
	}
	wg.Wait()
	assert.True(t, a.Connected())
	assert.EqualValues(t, 1, f.dials.Load())

	w, h, err := a.ScreenInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)

	require.NoError(t, a.StartControl())
	require.NoError(t, a.SendInput(proto.InputEvent{Kind: "move", X: 0.5, Y: 0.5}))
	require.NoError(t, a.StopControl())
	assert.Eventually(t, func() bool { return len(f.types()) == 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ping", "screen-info", "start-control", "input", "stop-control"}, f.types())
}

func TestAgentUnavailable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	a := NewAgent(addr, 200*time.Millisecond)
	err = a.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAgentUnavailable)
	assert.False(t, a.Connected())
}

func TestAgentWithoutPongIsUnavailable(t *testing.T) {
	f := newFakeAgentServer(t, true)
	a := NewAgent(f.addr(), 150*time.Millisecond)
	err := a.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAgentUnavailable)
	assert.False(t, a.Connected())
}

func TestAgentConnectWaitsForPong(t *testing.T) {
	f := newFakeAgentServer(t, true)
	a := NewAgent(f.addr(), 300*time.Millisecond)
	defer a.Close()

	first := make(chan error, 1)
	go func() { first <- a.Connect(context.Background()) }()

	// The ping is out: the socket exists but has not proven itself yet.
	require.Eventually(t, func() bool { return len(f.types()) == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, a.Connected())
	assert.ErrorIs(t, a.Connect(context.Background()), ErrAgentUnavailable)
	assert.ErrorIs(t, <-first, ErrAgentUnavailable)
	assert.False(t, a.Connected())
}

type sentMsg struct {
	event, to string
	payload   any
}

type fakeSignaler struct {
	mu  sync.Mutex
	out []sentMsg
}

func (s *fakeSignaler) Send(event, to string, payload any) error {
	s.mu.Lock()
	s.out = append(s.out, sentMsg{event, to, payload})
	s.mu.Unlock()
	return nil
}

func (s *fakeSignaler) last() sentMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out[len(s.out)-1]
}

type fakeData struct {
	sent map[string][]proto.DataMessage
}

func (d *fakeData) SendData(to string, b []byte) error {
	var m proto.DataMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	if d.sent == nil {
		d.sent = map[string][]proto.DataMessage{}
	}
	d.sent[to] = append(d.sent[to], m)
	return nil
}

type fakeAgent struct {
	connectErr error
	started    int
	stopped    int
	inputs     []proto.InputEvent
}

func (a *fakeAgent) Connect(context.Context) error { return a.connectErr }
func (a *fakeAgent) ScreenInfo(context.Context) (int, int, error) {
	return 1280, 800, nil
}
func (a *fakeAgent) StartControl() error { a.started++; return nil }
func (a *fakeAgent) StopControl() error  { a.stopped++; return nil }
func (a *fakeAgent) SendInput(ev proto.InputEvent) error {
	a.inputs = append(a.inputs, ev)
	return nil
}

func dataMsg(t *testing.T, m proto.DataMessage) []byte {
	t.Helper()
	b, err := json.Marshal(m)
	require.NoError(t, err)
	return b
}

func TestTargetAcceptFlow(t *testing.T) {
	sig, data, agent := &fakeSignaler{}, &fakeData{}, &fakeAgent{}
	target := NewController("c1", "tina", sig, data, agent, func() bool { return true })

	target.HandleRequest("carl")
	assert.Equal(t, "carl", target.State().PendingFrom)

	require.NoError(t, target.Accept(context.Background()))
	st := target.State()
	assert.True(t, st.Active)
	assert.Equal(t, RoleTarget, st.Role)
	assert.Equal(t, "carl", st.PeerID)
	assert.Equal(t, 1280, st.Width)
	assert.Equal(t, 1, agent.started)
	assert.Equal(t, proto.EvRemoteControlAccept, sig.last().event)
	require.Len(t, data.sent["carl"], 1)
	assert.Equal(t, proto.RCAgentReady, data.sent["carl"][0].Type)
	assert.Equal(t, 800, data.sent["carl"][0].Height)

	// Input from the controller reaches the agent; input from others does not.
	ev := proto.InputEvent{Kind: "click", X: 0.1, Y: 0.2, Button: "left"}
	target.HandleData("carl", dataMsg(t, proto.DataMessage{Type: proto.RCInput, Input: &ev}))
	target.HandleData("mallory", dataMsg(t, proto.DataMessage{Type: proto.RCInput, Input: &ev}))
	assert.Equal(t, []proto.InputEvent{ev}, agent.inputs)

	// A second request while active is denied as busy.
	target.HandleRequest("dora")
	assert.Equal(t, proto.EvRemoteControlDeny, sig.last().event)
	assert.Equal(t, ReasonBusy, sig.last().payload.(proto.RemoteControl).Reason)

	target.Stop("screen share ended")
	target.Stop("again")
	assert.False(t, target.State().Active)
	assert.Equal(t, 1, agent.stopped)
	assert.Equal(t, proto.EvRemoteControlStop, sig.last().event)
	assert.Equal(t, proto.RCStopped, data.sent["carl"][1].Type)
}

func TestRequestDeniedWithoutScreenShare(t *testing.T) {
	sig := &fakeSignaler{}
	target := NewController("c1", "tina", sig, &fakeData{}, &fakeAgent{}, func() bool { return false })
	target.HandleRequest("carl")
	assert.Empty(t, target.State().PendingFrom)
	assert.Equal(t, ReasonNotSharing, sig.last().payload.(proto.RemoteControl).Reason)
}

func TestAcceptWithUnavailableAgentDenies(t *testing.T) {
	sig := &fakeSignaler{}
	agent := &fakeAgent{connectErr: errors.New("refused")}
	target := NewController("c1", "tina", sig, &fakeData{}, agent, func() bool { return true })
	target.HandleRequest("carl")

	err := target.Accept(context.Background())
	assert.ErrorIs(t, err, ErrAgentUnavailable)
	assert.False(t, target.State().Active)
	assert.Equal(t, proto.EvRemoteControlDeny, sig.last().event)
	assert.Equal(t, ReasonAgentUnavailable, sig.last().payload.(proto.RemoteControl).Reason)
	assert.ErrorIs(t, target.Accept(context.Background()), ErrNoRequest)
}

func TestControllerFlow(t *testing.T) {
	sig, data := &fakeSignaler{}, &fakeData{}
	ctl := NewController("c1", "carl", sig, data, &fakeAgent{}, nil)

	require.NoError(t, ctl.RequestControl("tina"))
	assert.ErrorIs(t, ctl.RequestControl("tina"), ErrBusy)
	assert.ErrorIs(t, ctl.SendInput(proto.InputEvent{Kind: "move"}), ErrNotActive)

	ctl.HandleAccept("someone-else")
	assert.False(t, ctl.State().Active)
	ctl.HandleAccept("tina")
	ctl.HandleData("tina", dataMsg(t, proto.DataMessage{Type: proto.RCAgentReady, Width: 1920, Height: 1080}))
	st := ctl.State()
	assert.True(t, st.Active)
	assert.Equal(t, RoleController, st.Role)
	assert.Equal(t, 1920, st.Width)
	assert.True(t, st.AgentConnected)

	require.NoError(t, ctl.SendInput(proto.InputEvent{Kind: "key", Key: "a"}))
	assert.Equal(t, "a", data.sent["tina"][0].Input.Key)

	// The target stops over the data channel: no echo back.
	before := len(sig.out)
	ctl.HandleData("tina", dataMsg(t, proto.DataMessage{Type: proto.RCStopped}))
	assert.False(t, ctl.State().Active)
	assert.Len(t, sig.out, before)
}

func TestControllerDenied(t *testing.T) {
	ctl := NewController("c1", "carl", &fakeSignaler{}, &fakeData{}, &fakeAgent{}, nil)
	require.NoError(t, ctl.RequestControl("tina"))
	ctl.HandleDeny("tina", ReasonAgentUnavailable)
	st := ctl.State()
	assert.Empty(t, st.RequestedTo)
	assert.Equal(t, ReasonAgentUnavailable, st.LastDenied)
	require.NoError(t, ctl.RequestControl("tina"))
}

func TestPeerLeftEndsSession(t *testing.T) {
	agent := &fakeAgent{}
	target := NewController("c1", "tina", &fakeSignaler{}, &fakeData{}, agent, func() bool { return true })
	target.HandleRequest("carl")
	require.NoError(t, target.Accept(context.Background()))
	target.HandlePeerLeft("carl")
	assert.False(t, target.State().Active)
	assert.Equal(t, 1, agent.stopped)
}

func TestStopWithdrawsPendingRequest(t *testing.T) {
	sig := &fakeSignaler{}
	ctl := NewController("c1", "carl", sig, &fakeData{}, &fakeAgent{}, nil)
	require.NoError(t, ctl.RequestControl("tina"))

	ctl.Stop("changed my mind")
	assert.Empty(t, ctl.State().RequestedTo)
	last := sig.last()
	assert.Equal(t, proto.EvRemoteControlStop, last.event)
	assert.Equal(t, "tina", last.to)
	p := last.payload.(proto.RemoteControl)
	assert.Equal(t, "carl", p.ControllerID)
	assert.Equal(t, "tina", p.TargetID)
	require.NoError(t, ctl.RequestControl("tina"))

	// On the target side the withdrawn request disappears.
	agent := &fakeAgent{}
	target := NewController("c1", "tina", &fakeSignaler{}, &fakeData{}, agent, func() bool { return true })
	target.HandleRequest("carl")
	require.Equal(t, "carl", target.State().PendingFrom)
	target.HandleStop("carl")
	assert.Empty(t, target.State().PendingFrom)
	assert.ErrorIs(t, target.Accept(context.Background()), ErrNoRequest)
	assert.Zero(t, agent.stopped)
}
