// Package remotectl implements remote desktop control inside a call: the
// request/accept handshake over signaling, the rc-* protocol on the peer data
// channel, and the loopback link to the companion agent that injects input.
package remotectl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/callcore/internal/proto"
)

var (
	ErrAgentUnavailable = errors.New("remote control agent unavailable")
	ErrAgentClosed      = errors.New("remote control agent connection closed")
)

// Agent is the loopback client to the companion process. One connection is
// shared for the lifetime of the process; concurrent Connect calls share a
// single attempt.
type Agent struct {
	url     string
	timeout time.Duration
	dialer  *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	attempt *connectAttempt
	waiters map[string][]chan proto.AgentMessage

	wmu sync.Mutex
}

type connectAttempt struct {
	done chan struct{}
	err  error
}

// NewAgent targets the companion listening on addr (host:port). timeout
// bounds the dial and every request, including the liveness probe.
func NewAgent(addr string, timeout time.Duration) *Agent {
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	u := url.URL{Scheme: "ws", Host: addr, Path: "/"}
	return &Agent{
		url:     u.String(),
		timeout: timeout,
		dialer:  &websocket.Dialer{HandshakeTimeout: timeout},
		waiters: make(map[string][]chan proto.AgentMessage),
	}
}

// Connected reports whether a live connection exists. A connection still
// waiting for its pong does not count.
func (a *Agent) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil && a.attempt == nil
}

// Connect dials the agent if needed and confirms it answers a ping.
func (a *Agent) Connect(ctx context.Context) error {
	a.mu.Lock()
	// conn is set before the ping goes out, so an attempt in flight wins.
	if at := a.attempt; at != nil {
		a.mu.Unlock()
		select {
		case <-at.done:
			return at.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if a.conn != nil {
		a.mu.Unlock()
		return nil
	}
	at := &connectAttempt{done: make(chan struct{})}
	a.attempt = at
	a.mu.Unlock()

	at.err = a.dial(ctx)

	a.mu.Lock()
	a.attempt = nil
	a.mu.Unlock()
	close(at.done)
	return at.err
}

func (a *Agent) dial(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	conn, _, err := a.dialer.DialContext(dctx, a.url, nil)
	if err != nil {
		log.Printf("RC: agent dial %s: %v", a.url, err)
		return fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	go a.readLoop(conn)

	if _, err := a.request(ctx, proto.AgentMessage{Type: proto.AgentPing}, proto.AgentPong); err != nil {
		a.drop(conn)
		return fmt.Errorf("%w: no pong: %v", ErrAgentUnavailable, err)
	}
	log.Printf("RC: agent connected at %s", a.url)
	return nil
}

func (a *Agent) readLoop(conn *websocket.Conn) {
	defer a.drop(conn)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg proto.AgentMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("RC: bad agent message: %v", err)
			continue
		}
		a.deliver(msg)
	}
}

// deliver hands msg to the oldest waiter for its type. Agent errors go to
// every waiter.
func (a *Agent) deliver(msg proto.AgentMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if msg.Type == proto.AgentError {
		log.Printf("RC: agent error: %s", msg.Error)
		for t, ws := range a.waiters {
			for _, w := range ws {
				w <- msg
			}
			delete(a.waiters, t)
		}
		return
	}
	ws := a.waiters[msg.Type]
	if len(ws) == 0 {
		return
	}
	ws[0] <- msg
	a.waiters[msg.Type] = ws[1:]
}

func (a *Agent) drop(conn *websocket.Conn) {
	a.mu.Lock()
	if a.conn != conn {
		a.mu.Unlock()
		return
	}
	a.conn = nil
	waiters := a.waiters
	a.waiters = make(map[string][]chan proto.AgentMessage)
	a.mu.Unlock()

	_ = conn.Close()
	for _, ws := range waiters {
		for _, w := range ws {
			close(w)
		}
	}
	log.Printf("RC: agent connection dropped")
}

func (a *Agent) write(msg proto.AgentMessage) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return ErrAgentClosed
	}
	a.wmu.Lock()
	defer a.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(a.timeout))
	return conn.WriteJSON(msg)
}

func (a *Agent) request(ctx context.Context, msg proto.AgentMessage, reply string) (proto.AgentMessage, error) {
	ch := make(chan proto.AgentMessage, 1)
	a.mu.Lock()
	a.waiters[reply] = append(a.waiters[reply], ch)
	a.mu.Unlock()

	if err := a.write(msg); err != nil {
		a.forget(reply, ch)
		return proto.AgentMessage{}, err
	}

	t := time.NewTimer(a.timeout)
	defer t.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return proto.AgentMessage{}, ErrAgentClosed
		}
		if resp.Type == proto.AgentError {
			return resp, fmt.Errorf("agent: %s", resp.Error)
		}
		return resp, nil
	case <-t.C:
		a.forget(reply, ch)
		return proto.AgentMessage{}, fmt.Errorf("agent: %s timed out", msg.Type)
	case <-ctx.Done():
		a.forget(reply, ch)
		return proto.AgentMessage{}, ctx.Err()
	}
}

func (a *Agent) forget(reply string, ch chan proto.AgentMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ws := a.waiters[reply]
	for i, w := range ws {
		if w == ch {
			a.waiters[reply] = append(ws[:i], ws[i+1:]...)
			return
		}
	}
}

// ScreenInfo asks the agent for the size of the controlled screen.
func (a *Agent) ScreenInfo(ctx context.Context) (width, height int, err error) {
	resp, err := a.request(ctx, proto.AgentMessage{Type: proto.AgentScreenInfo}, proto.AgentScreenInfo)
	if err != nil {
		return 0, 0, err
	}
	return resp.Width, resp.Height, nil
}

func (a *Agent) StartControl() error {
	return a.write(proto.AgentMessage{Type: proto.AgentStartControl})
}

func (a *Agent) StopControl() error {
	return a.write(proto.AgentMessage{Type: proto.AgentStopControl})
}

func (a *Agent) SendInput(ev proto.InputEvent) error {
	return a.write(proto.AgentMessage{Type: proto.AgentInput, Input: &ev})
}

// Close drops the connection. A later Connect dials again.
func (a *Agent) Close() error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn != nil {
		a.drop(conn)
	}
	return nil
}
