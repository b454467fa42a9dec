package routes

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/callcore/internal/call"
	"github.com/petervdpas/callcore/internal/proto"
	"github.com/petervdpas/callcore/internal/remotectl"
	"github.com/petervdpas/callcore/internal/storage"
)

type mockCalls struct {
	mock.Mock
	snaps chan call.Snapshot
}

func (m *mockCalls) State() call.Snapshot {
	return m.Called().Get(0).(call.Snapshot)
}

func (m *mockCalls) Subscribe() (<-chan call.Snapshot, func()) {
	return m.snaps, func() {}
}

func (m *mockCalls) InitiateCall(ctx context.Context, t call.Target, kind string) (string, error) {
	args := m.Called(t, kind)
	return args.String(0), args.Error(1)
}

func (m *mockCalls) AcceptCall(ctx context.Context, id string) error { return m.Called(id).Error(0) }
func (m *mockCalls) DeclineCall(id string) error                     { return m.Called(id).Error(0) }
func (m *mockCalls) EndCall() error                                  { return m.Called().Error(0) }
func (m *mockCalls) AcceptWaitingCall(ctx context.Context) error     { return m.Called().Error(0) }
func (m *mockCalls) DeclineWaitingCall() error                       { return m.Called().Error(0) }
func (m *mockCalls) StopScreenShare() error                          { return m.Called().Error(0) }
func (m *mockCalls) DenyRemoteControl() error                        { return m.Called().Error(0) }
func (m *mockCalls) StopRemoteControl() error                        { return m.Called().Error(0) }

func (m *mockCalls) Rejoin(ctx context.Context, id, kind string) error {
	return m.Called(id, kind).Error(0)
}

func (m *mockCalls) ToggleAudio() (bool, error) {
	args := m.Called()
	return args.Bool(0), args.Error(1)
}

func (m *mockCalls) ToggleVideo() (bool, error) {
	args := m.Called()
	return args.Bool(0), args.Error(1)
}

func (m *mockCalls) StartScreenShare(ctx context.Context) error { return m.Called().Error(0) }

func (m *mockCalls) RequestRemoteControl(target string) error { return m.Called(target).Error(0) }

func (m *mockCalls) AcceptRemoteControl(ctx context.Context) error { return m.Called().Error(0) }

func (m *mockCalls) SendRemoteInput(ev proto.InputEvent) error { return m.Called(ev).Error(0) }

type fakeHistory struct {
	calls []storage.CallRecord
}

func (f *fakeHistory) ListCalls(limit int) ([]storage.CallRecord, error) {
	if limit < len(f.calls) {
		return f.calls[:limit], nil
	}
	return f.calls, nil
}

func (f *fakeHistory) GetCall(id string) (storage.CallRecord, error) {
	for _, c := range f.calls {
		if c.CallID == id {
			return c, nil
		}
	}
	return storage.CallRecord{}, storage.ErrNotFound
}

func newMux(c Calls, h History) *http.ServeMux {
	mux := http.NewServeMux()
	Register(mux, Deps{Calls: c, History: h})
	return mux
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "127.0.0.1:40000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCallState(t *testing.T) {
	c := &mockCalls{}
	c.On("State").Return(call.Snapshot{CallID: "c1", Status: call.StatusConnected})
	mux := newMux(c, nil)

	rec := do(t, mux, http.MethodGet, "/api/call/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got call.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "c1", got.CallID)
	assert.Equal(t, call.StatusConnected, got.Status)

	rec = do(t, mux, http.MethodPost, "/api/call/state", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestInitiate(t *testing.T) {
	c := &mockCalls{}
	c.On("InitiateCall", call.Target{UserID: "bob"}, call.KindVideo).Return("c9", nil).Once()
	c.On("InitiateCall", call.Target{ChatID: "team", ChatType: "group"}, call.KindAudio).
		Return("", &call.Error{Kind: call.ErrCallInProgress}).Once()
	mux := newMux(c, nil)

	rec := do(t, mux, http.MethodPost, "/api/call/initiate", `{"userId":"bob"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"calling","callId":"c9"}`, rec.Body.String())

	rec = do(t, mux, http.MethodPost, "/api/call/initiate", `{"chatId":"team","chatType":"group","kind":"audio"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "already in progress")

	rec = do(t, mux, http.MethodPost, "/api/call/initiate", `{bad`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	c.AssertExpectations(t)
}

func TestErrorStatuses(t *testing.T) {
	c := &mockCalls{}
	c.On("AcceptCall", "c1").Return(&call.Error{Kind: call.ErrMediaAcquisition})
	c.On("DeclineWaitingCall").Return(&call.Error{Kind: call.ErrNoWaitingCall})
	c.On("EndCall").Return(nil)
	c.On("DenyRemoteControl").Return(remotectl.ErrNoRequest)
	mux := newMux(c, nil)

	assert.Equal(t, http.StatusServiceUnavailable, do(t, mux, http.MethodPost, "/api/call/accept", `{"callId":"c1"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, mux, http.MethodPost, "/api/call/accept", `{}`).Code)
	assert.Equal(t, http.StatusConflict, do(t, mux, http.MethodPost, "/api/call/waiting/decline", "").Code)
	assert.Equal(t, http.StatusOK, do(t, mux, http.MethodPost, "/api/call/end", "").Code)
	assert.Equal(t, http.StatusConflict, do(t, mux, http.MethodPost, "/api/call/remote-control", `{"action":"deny"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, mux, http.MethodPost, "/api/call/remote-control", `{"action":"dance"}`).Code)
}

func TestToggleAndScreen(t *testing.T) {
	c := &mockCalls{}
	c.On("ToggleAudio").Return(false, nil)
	c.On("StartScreenShare").Return(nil)
	c.On("StopScreenShare").Return(&call.Error{Kind: call.ErrInvalidState})
	mux := newMux(c, nil)

	rec := do(t, mux, http.MethodPost, "/api/call/toggle-audio", "")
	assert.JSONEq(t, `{"enabled":false}`, rec.Body.String())

	rec = do(t, mux, http.MethodPost, "/api/call/screen", `{"enabled":true}`)
	assert.JSONEq(t, `{"sharing":true}`, rec.Body.String())
	rec = do(t, mux, http.MethodPost, "/api/call/screen", `{"enabled":false}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRemoteInput(t *testing.T) {
	c := &mockCalls{}
	ev := proto.InputEvent{Kind: "move", X: 0.5, Y: 0.25}
	c.On("SendRemoteInput", ev).Return(nil)
	mux := newMux(c, nil)

	rec := do(t, mux, http.MethodPost, "/api/call/remote-control/input", `{"kind":"move","x":0.5,"y":0.25}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, mux, http.MethodPost, "/api/call/remote-control/input", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	c.AssertExpectations(t)
}

func TestHistory(t *testing.T) {
	h := &fakeHistory{calls: []storage.CallRecord{
		{CallID: "c2", Outcome: "missed"},
		{CallID: "c1", Outcome: "completed"},
	}}
	mux := newMux(nil, h)

	rec := do(t, mux, http.MethodGet, "/api/call/history?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []storage.CallRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "c2", list[0].CallID)

	rec = do(t, mux, http.MethodGet, "/api/call/history/c1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"completed"`)

	rec = do(t, mux, http.MethodGet, "/api/call/history/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsStream(t *testing.T) {
	c := &mockCalls{snaps: make(chan call.Snapshot, 2)}
	c.snaps <- call.Snapshot{Status: call.StatusIdle}
	c.snaps <- call.Snapshot{CallID: "c1", Status: call.StatusRinging}

	srv := httptest.NewServer(newMux(c, nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/call/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream; charset=utf-8", resp.Header.Get("Content-Type"))

	var events []string
	var last string
	sc := bufio.NewScanner(resp.Body)
	for len(events) < 3 && sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "event: ") {
			events = append(events, strings.TrimPrefix(line, "event: "))
		}
		if strings.HasPrefix(line, "data: ") {
			last = strings.TrimPrefix(line, "data: ")
		}
	}
	// The loop stops right after the third event line; read its data.
	require.True(t, sc.Scan())
	last = strings.TrimPrefix(sc.Text(), "data: ")
	assert.Equal(t, []string{"connected", "state", "state"}, events)
	var snap call.Snapshot
	require.NoError(t, json.Unmarshal([]byte(last), &snap))
	assert.Equal(t, call.StatusRinging, snap.Status)
}

func TestLocalOnly(t *testing.T) {
	h := LocalOnly(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	assert.Equal(t, http.StatusTeapot, do(t, h, http.MethodGet, "/", "").Code)
}
