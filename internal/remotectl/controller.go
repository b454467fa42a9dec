package remotectl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/petervdpas/callcore/internal/proto"
)

var (
	ErrBusy       = errors.New("remote control already active or pending")
	ErrNotSharing = errors.New("screen share required for remote control")
	ErrNoRequest  = errors.New("no pending remote control request")
	ErrNotActive  = errors.New("remote control not active")
)

// Deny reasons sent to the controller.
const (
	ReasonDeclined         = "declined"
	ReasonBusy             = "busy"
	ReasonNotSharing       = "not sharing screen"
	ReasonAgentUnavailable = "agent unavailable"
)

type Role string

const (
	RoleController Role = "controller"
	RoleTarget     Role = "target"
)

// State is a copy of one call's remote-control sub-state.
type State struct {
	Active         bool   `json:"active"`
	Role           Role   `json:"role,omitempty"`
	AgentConnected bool   `json:"agentConnected"`
	PendingFrom    string `json:"pendingFrom,omitempty"` // target side: who asked
	RequestedTo    string `json:"requestedTo,omitempty"` // controller side: who we asked
	PeerID         string `json:"peerId,omitempty"`
	Width          int    `json:"width,omitempty"`
	Height         int    `json:"height,omitempty"`
	LastDenied     string `json:"lastDenied,omitempty"`
}

type Signaler interface {
	Send(event, to string, payload any) error
}

// DataSender writes to a peer's remote-control data channel.
type DataSender interface {
	SendData(userID string, data []byte) error
}

// AgentClient is the companion connection as seen by a Controller.
type AgentClient interface {
	Connect(ctx context.Context) error
	ScreenInfo(ctx context.Context) (width, height int, err error)
	StartControl() error
	StopControl() error
	SendInput(ev proto.InputEvent) error
}

// Controller holds at most one remote-control relationship for one call.
type Controller struct {
	callID string
	selfID string
	sig    Signaler
	data   DataSender
	agent  AgentClient

	// sharing reports whether the local side is screen sharing.
	sharing func() bool

	mu sync.Mutex
	st State
}

func NewController(callID, selfID string, sig Signaler, data DataSender, agent AgentClient, sharing func() bool) *Controller {
	if sharing == nil {
		sharing = func() bool { return false }
	}
	return &Controller{callID: callID, selfID: selfID, sig: sig, data: data, agent: agent, sharing: sharing}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}

func (c *Controller) busyLocked() bool {
	return c.st.Active || c.st.PendingFrom != "" || c.st.RequestedTo != ""
}

// RequestControl asks targetID to let us control its shared screen.
func (c *Controller) RequestControl(targetID string) error {
	c.mu.Lock()
	if c.busyLocked() {
		c.mu.Unlock()
		return ErrBusy
	}
	c.st.RequestedTo = targetID
	c.st.LastDenied = ""
	c.mu.Unlock()

	log.Printf("RC [%s]: requesting control of %s", c.callID, targetID)
	return c.sig.Send(proto.EvRemoteControlRequest, targetID, proto.RemoteControl{
		CallID:       c.callID,
		ControllerID: c.selfID,
		TargetID:     targetID,
	})
}

// HandleRequest records an incoming request. Requests that cannot be served
// are denied immediately.
func (c *Controller) HandleRequest(from string) {
	c.mu.Lock()
	reason := ""
	switch {
	case !c.sharing():
		reason = ReasonNotSharing
	case c.busyLocked():
		reason = ReasonBusy
	default:
		c.st.PendingFrom = from
	}
	c.mu.Unlock()

	if reason != "" {
		log.Printf("RC [%s]: auto-denying request from %s: %s", c.callID, from, reason)
		c.sendDeny(from, reason)
		return
	}
	log.Printf("RC [%s]: control requested by %s", c.callID, from)
}

// Accept grants the pending request. The agent must be reachable; if it is
// not, the request is denied with ReasonAgentUnavailable.
func (c *Controller) Accept(ctx context.Context) error {
	c.mu.Lock()
	from := c.st.PendingFrom
	c.mu.Unlock()
	if from == "" {
		return ErrNoRequest
	}
	if !c.sharing() {
		c.clearPending(from)
		c.sendDeny(from, ReasonNotSharing)
		return ErrNotSharing
	}

	if err := c.agent.Connect(ctx); err != nil {
		c.clearPending(from)
		c.sendDeny(from, ReasonAgentUnavailable)
		return fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
	}
	w, h, err := c.agent.ScreenInfo(ctx)
	if err == nil {
		err = c.agent.StartControl()
	}
	if err != nil {
		c.clearPending(from)
		c.sendDeny(from, ReasonAgentUnavailable)
		return fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
	}

	c.mu.Lock()
	if c.st.PendingFrom != from {
		// Stopped while we were talking to the agent.
		c.mu.Unlock()
		_ = c.agent.StopControl()
		return ErrNoRequest
	}
	c.st = State{Active: true, Role: RoleTarget, AgentConnected: true, PeerID: from, Width: w, Height: h}
	c.mu.Unlock()

	log.Printf("RC [%s]: %s now controls this screen (%dx%d)", c.callID, from, w, h)
	_ = c.sig.Send(proto.EvRemoteControlAccept, from, proto.RemoteControl{
		CallID: c.callID, ControllerID: from, TargetID: c.selfID,
	})
	c.sendData(from, proto.DataMessage{Type: proto.RCAgentReady, Width: w, Height: h})
	return nil
}

// Deny rejects the pending request.
func (c *Controller) Deny(reason string) error {
	c.mu.Lock()
	from := c.st.PendingFrom
	c.st.PendingFrom = ""
	c.mu.Unlock()
	if from == "" {
		return ErrNoRequest
	}
	if reason == "" {
		reason = ReasonDeclined
	}
	c.sendDeny(from, reason)
	return nil
}

// HandleAccept activates the controller side once the target agrees.
func (c *Controller) HandleAccept(from string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st.RequestedTo != from {
		return
	}
	c.st = State{Active: true, Role: RoleController, PeerID: from}
	log.Printf("RC [%s]: %s accepted control", c.callID, from)
}

func (c *Controller) HandleDeny(from, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st.RequestedTo != from {
		return
	}
	c.st.RequestedTo = ""
	c.st.LastDenied = reason
	log.Printf("RC [%s]: %s denied control: %s", c.callID, from, reason)
}

// HandleStop ends the session when the peer stopped it over signaling. A
// controller may also withdraw a request we have not answered yet.
func (c *Controller) HandleStop(from string) {
	c.mu.Lock()
	withdrawn := c.st.PendingFrom == from
	if withdrawn {
		c.st.PendingFrom = ""
	}
	c.mu.Unlock()
	if withdrawn {
		log.Printf("RC [%s]: %s withdrew its request", c.callID, from)
		return
	}
	c.teardown(from)
}

// HandlePeerLeft ends the session when its peer leaves the call.
func (c *Controller) HandlePeerLeft(userID string) {
	c.mu.Lock()
	if c.st.PendingFrom == userID {
		c.st.PendingFrom = ""
	}
	if c.st.RequestedTo == userID {
		c.st.RequestedTo = ""
	}
	c.mu.Unlock()
	c.teardown(userID)
}

// HandleData processes one data channel message from userID.
func (c *Controller) HandleData(from string, raw []byte) {
	var msg proto.DataMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("RC [%s]: bad data message from %s: %v", c.callID, from, err)
		return
	}

	switch msg.Type {
	case proto.RCAgentReady:
		c.mu.Lock()
		if c.st.Active && c.st.Role == RoleController && c.st.PeerID == from {
			c.st.Width, c.st.Height = msg.Width, msg.Height
			c.st.AgentConnected = true
		}
		c.mu.Unlock()

	case proto.RCInput:
		c.mu.Lock()
		ok := c.st.Active && c.st.Role == RoleTarget && c.st.PeerID == from
		c.mu.Unlock()
		if !ok || msg.Input == nil {
			return
		}
		if err := c.agent.SendInput(*msg.Input); err != nil {
			log.Printf("RC [%s]: inject input: %v", c.callID, err)
			c.Stop(ReasonAgentUnavailable)
		}

	case proto.RCStopped:
		c.teardown(from)
	}
}

// SendInput forwards one input event to the controlled peer.
func (c *Controller) SendInput(ev proto.InputEvent) error {
	c.mu.Lock()
	ok := c.st.Active && c.st.Role == RoleController
	peer := c.st.PeerID
	c.mu.Unlock()
	if !ok {
		return ErrNotActive
	}
	b, err := json.Marshal(proto.DataMessage{Type: proto.RCInput, Input: &ev})
	if err != nil {
		return err
	}
	return c.data.SendData(peer, b)
}

// Stop ends any active or pending relationship and tells the peer.
// Idempotent.
func (c *Controller) Stop(reason string) {
	c.mu.Lock()
	st := c.st
	c.st = State{}
	c.mu.Unlock()

	if st.PendingFrom != "" {
		c.sendDeny(st.PendingFrom, ReasonDeclined)
	}
	if st.RequestedTo != "" {
		log.Printf("RC [%s]: withdrawing request to %s (%s)", c.callID, st.RequestedTo, reason)
		_ = c.sig.Send(proto.EvRemoteControlStop, st.RequestedTo, proto.RemoteControl{
			CallID: c.callID, ControllerID: c.selfID, TargetID: st.RequestedTo, Reason: reason,
		})
	}
	if !st.Active {
		return
	}
	log.Printf("RC [%s]: stopping control with %s (%s)", c.callID, st.PeerID, reason)
	c.sendData(st.PeerID, proto.DataMessage{Type: proto.RCStopped, Reason: reason})
	_ = c.sig.Send(proto.EvRemoteControlStop, st.PeerID, c.payload(st, reason))
	if st.Role == RoleTarget {
		if err := c.agent.StopControl(); err != nil {
			log.Printf("RC [%s]: agent stop-control: %v", c.callID, err)
		}
	}
}

// teardown ends the session with from without notifying it back.
func (c *Controller) teardown(from string) {
	c.mu.Lock()
	if !c.st.Active || c.st.PeerID != from {
		c.mu.Unlock()
		return
	}
	role := c.st.Role
	c.st = State{}
	c.mu.Unlock()

	log.Printf("RC [%s]: %s stopped control", c.callID, from)
	if role == RoleTarget {
		if err := c.agent.StopControl(); err != nil {
			log.Printf("RC [%s]: agent stop-control: %v", c.callID, err)
		}
	}
}

func (c *Controller) payload(st State, reason string) proto.RemoteControl {
	p := proto.RemoteControl{CallID: c.callID, Reason: reason}
	if st.Role == RoleTarget {
		p.ControllerID, p.TargetID = st.PeerID, c.selfID
	} else {
		p.ControllerID, p.TargetID = c.selfID, st.PeerID
	}
	return p
}

func (c *Controller) clearPending(from string) {
	c.mu.Lock()
	if c.st.PendingFrom == from {
		c.st.PendingFrom = ""
	}
	c.mu.Unlock()
}

func (c *Controller) sendDeny(to, reason string) {
	_ = c.sig.Send(proto.EvRemoteControlDeny, to, proto.RemoteControl{
		CallID: c.callID, ControllerID: to, TargetID: c.selfID, Reason: reason,
	})
}

func (c *Controller) sendData(to string, msg proto.DataMessage) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := c.data.SendData(to, b); err != nil {
		log.Printf("RC [%s]: data channel to %s: %v", c.callID, to, err)
	}
}
