// Package signaling is the websocket client for the call relay. The relay is a
// thin router: it forwards named events between call participants by user id.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/callcore/internal/proto"
)

var (
	ErrQueueFull = errors.New("signaling: outbound queue full")
	ErrClosed    = errors.New("signaling: client closed")
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
	outboundQueue  = 256
)

// Client keeps one relay connection alive and fans inbound envelopes out to
// subscribers. Send never blocks on the network: frames are queued and
// flushed by the writer of the current connection, surviving reconnects.
type Client struct {
	url    string
	token  string
	selfID string

	reconnect time.Duration
	pingEvery time.Duration
	dialer    *websocket.Dialer

	out       chan []byte
	connected atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once

	listenerMu sync.RWMutex
	listeners  map[*subscriber]struct{}
}

// New creates a relay client. Call Run to start connecting.
func New(url, token, selfID string, reconnect, ping time.Duration) *Client {
	if reconnect <= 0 {
		reconnect = 3 * time.Second
	}
	if ping <= 0 {
		ping = 20 * time.Second
	}
	return &Client{
		url:       url,
		token:     token,
		selfID:    selfID,
		reconnect: reconnect,
		pingEvery: ping,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		out:       make(chan []byte, outboundQueue),
		closed:    make(chan struct{}),
		listeners: make(map[*subscriber]struct{}),
	}
}

// SelfID is the user id this client registered with.
func (c *Client) SelfID() string { return c.selfID }

// Connected reports whether a relay connection is currently up.
func (c *Client) Connected() bool { return c.connected.Load() }

// Run dials the relay and reconnects until ctx is cancelled or Close is called.
func (c *Client) Run(ctx context.Context) {
	for {
		err := c.connectOnce(ctx)
		c.connected.Store(false)
		if err != nil && ctx.Err() == nil {
			log.Printf("SIGNAL: relay connection lost: %v (retry in %s)", err, c.reconnect)
		}
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-time.After(c.reconnect):
		}
	}
}

// Close stops Run and closes every subscriber channel.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.listenerMu.Lock()
		for sub := range c.listeners {
			sub.stop()
		}
		c.listeners = make(map[*subscriber]struct{})
		c.listenerMu.Unlock()
	})
}

func (c *Client) connectOnce(ctx context.Context) error {
	hdr := http.Header{}
	hdr.Set("X-User-Id", c.selfID)
	if c.token != "" {
		hdr.Set("Authorization", "Bearer "+c.token)
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, hdr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer conn.Close()

	c.connected.Store(true)
	log.Printf("SIGNAL: connected to %s as %s", c.url, c.selfID)

	pongWait := c.pingEvery * 2
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	writeErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	go func() { writeErr <- c.writePump(ctx, conn, stop) }()

	readErr := make(chan error, 1)
	go func() { readErr <- c.readPump(conn) }()

	select {
	case err := <-readErr:
		return err
	case err := <-writeErr:
		return err
	case <-ctx.Done():
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		return ctx.Err()
	case <-c.closed:
		return ErrClosed
	}
}

func (c *Client) readPump(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env proto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("SIGNAL: dropping malformed frame: %v", err)
			continue
		}
		if env.Event == "" {
			continue
		}
		c.broadcast(&env)
	}
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) error {
	ticker := time.NewTicker(c.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return nil
		case <-ctx.Done():
			return nil
		case msg := <-c.out:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				// Put it back so the next connection delivers it.
				select {
				case c.out <- msg:
				default:
				}
				return err
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

// Send queues a named event. to is the target user id, or empty to let the
// relay fan the event out to the whole call/chat.
func (c *Client) Send(event, to string, payload any) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	b, err := json.Marshal(proto.Envelope{
		Event:   event,
		From:    c.selfID,
		To:      to,
		Payload: raw,
		TS:      proto.NowMillis(),
	})
	if err != nil {
		return err
	}

	select {
	case c.out <- b:
		return nil
	default:
		return ErrQueueFull
	}
}

// Subscribe returns a channel that receives every inbound envelope in
// arrival order and a cancel function that must be called when done. A slow
// reader never loses envelopes: they queue up until it catches up.
func (c *Client) Subscribe() (chan *proto.Envelope, func()) {
	sub := newSubscriber()

	c.listenerMu.Lock()
	select {
	case <-c.closed:
		sub.stop()
	default:
		c.listeners[sub] = struct{}{}
	}
	c.listenerMu.Unlock()

	cancel := func() {
		c.listenerMu.Lock()
		delete(c.listeners, sub)
		c.listenerMu.Unlock()
		sub.stop()
	}
	return sub.ch, cancel
}

func (c *Client) broadcast(env *proto.Envelope) {
	c.listenerMu.RLock()
	defer c.listenerMu.RUnlock()
	for sub := range c.listeners {
		sub.push(env)
	}
}

// subscriber owns an unbounded FIFO drained into ch by its own goroutine,
// so broadcast never blocks the read pump and never drops.
type subscriber struct {
	ch chan *proto.Envelope

	mu      sync.Mutex
	queue   []*proto.Envelope
	wake    chan struct{}
	done    chan struct{}
	stopped sync.Once
}

func newSubscriber() *subscriber {
	sub := &subscriber{
		ch:   make(chan *proto.Envelope, 16),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go sub.run()
	return sub
}

func (s *subscriber) push(env *proto.Envelope) {
	s.mu.Lock()
	s.queue = append(s.queue, env)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.stopped.Do(func() { close(s.done) })
}

func (s *subscriber) run() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, env := range batch {
			select {
			case s.ch <- env:
			case <-s.done:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}
