// Package proto holds the wire types exchanged with the signaling relay, the
// local companion agent and remote peers over the remote-control data channel.
package proto

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
)

// Relay event names.
const (
	EvInitiateCall         = "Initiate_Call"
	EvAcceptCall           = "Accept_Call"
	EvDeclineCall          = "Decline_Call"
	EvEndCall              = "End_Call"
	EvOffer                = "Webrtc_Offer"
	EvAnswer               = "Webrtc_Answer"
	EvICECandidate         = "Ice_Candidate"
	EvToggleVideo          = "Toggle_Video"
	EvToggleAudio          = "Toggle_Audio"
	EvSyncParticipant      = "Sync_Participant_State"
	EvExchangeKey          = "Exchange_Encryption_Key"
	EvRemoteControlRequest = "Remote_Control_Request"
	EvRemoteControlAccept  = "Remote_Control_Accept"
	EvRemoteControlDeny    = "Remote_Control_Deny"
	EvRemoteControlStop    = "Remote_Control_Stop"
	EvRejoinCall           = "Rejoin_Call"
	EvCallParticipants     = "Call_Participants"
	EvParticipantJoined    = "Participant_Joined"
	EvParticipantLeft      = "Participant_Left"
)

// Envelope is one relay frame. To is empty for messages the relay fans out
// to every participant of the call or chat.
type Envelope struct {
	Event   string          `json:"event"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TS      int64           `json:"ts,omitempty"`
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(e.Payload, v)
}

// Identity is the display identity of a call participant.
type Identity struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
	Color  string `json:"color,omitempty"`
}

type InitiateCall struct {
	CallID    string   `json:"callId"`
	ChatID    string   `json:"chatId"`
	ChatType  string   `json:"chatType"`
	CallType  string   `json:"callType"`
	ChatName  string   `json:"chatName,omitempty"`
	Initiator Identity `json:"initiator"`
}

type AcceptCall struct {
	CallID string   `json:"callId"`
	User   Identity `json:"user"`
}

type DeclineCall struct {
	CallID string `json:"callId"`
	UserID string `json:"userId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type EndCall struct {
	CallID      string `json:"callId"`
	IsInitiator bool   `json:"isInitiator"`
	ChatType    string `json:"chatType"`
}

type SessionDescription struct {
	CallID       string                    `json:"callId"`
	TargetUserID string                    `json:"targetUserId"`
	SDP          webrtc.SessionDescription `json:"sdp"`
}

type ICECandidate struct {
	CallID       string                  `json:"callId"`
	TargetUserID string                  `json:"targetUserId"`
	Candidate    webrtc.ICECandidateInit `json:"candidate"`
}

type ToggleMedia struct {
	CallID  string `json:"callId"`
	Enabled bool   `json:"enabled"`
}

type SyncParticipantState struct {
	CallID       string `json:"callId"`
	TargetUserID string `json:"targetUserId,omitempty"`
	AudioState   bool   `json:"audioState"`
	VideoState   bool   `json:"videoState"`
	ScreenState  bool   `json:"screenState"`
}

type ExchangeKey struct {
	CallID       string `json:"callId"`
	KeyID        string `json:"keyId"`
	Key          string `json:"key"` // base64
	Algorithm    string `json:"algorithm,omitempty"`
	TargetUserID string `json:"targetUserId,omitempty"`
}

type RemoteControl struct {
	CallID       string `json:"callId"`
	ControllerID string `json:"controllerId"`
	TargetID     string `json:"targetId"`
	Reason       string `json:"reason,omitempty"`
}

type RejoinCall struct {
	CallID string   `json:"callId"`
	User   Identity `json:"user"`
}

type CallParticipants struct {
	CallID       string     `json:"callId"`
	ChatID       string     `json:"chatId"`
	ChatType     string     `json:"chatType"`
	CallType     string     `json:"callType"`
	ChatName     string     `json:"chatName,omitempty"`
	InitiatorID  string     `json:"initiatorId"`
	Participants []Identity `json:"participants"`
}

type ParticipantEvent struct {
	CallID string   `json:"callId"`
	User   Identity `json:"user"`
}

// Data channel message types (peer to peer, label DataChannelLabel).
const (
	DataChannelLabel = "remote-control"

	RCAgentReady = "rc-agent-ready"
	RCInput      = "rc-input"
	RCStopped    = "rc-stopped"
)

// InputEvent is one injected input action. X and Y are normalized to 0..1
// of the target screen so controller and target resolutions may differ.
type InputEvent struct {
	Kind   string  `json:"kind"` // move|click|down|up|key|scroll
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	Button string  `json:"button,omitempty"`
	Key    string  `json:"key,omitempty"`
	DeltaY float64 `json:"deltaY,omitempty"`
}

type DataMessage struct {
	Type   string      `json:"type"`
	Width  int         `json:"width,omitempty"`
	Height int         `json:"height,omitempty"`
	Input  *InputEvent `json:"input,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// Companion agent message types (loopback websocket).
const (
	AgentPing         = "ping"
	AgentPong         = "pong"
	AgentScreenInfo   = "screen-info"
	AgentStartControl = "start-control"
	AgentStopControl  = "stop-control"
	AgentInput        = "input"
	AgentError        = "error"
)

type AgentMessage struct {
	Type   string      `json:"type"`
	Width  int         `json:"width,omitempty"`
	Height int         `json:"height,omitempty"`
	Input  *InputEvent `json:"input,omitempty"`
	Error  string      `json:"error,omitempty"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
