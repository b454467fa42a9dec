package peer

import (
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// peerConn is the slice of *webrtc.PeerConnection the manager drives.
type peerConn interface {
	SignalingState() webrtc.SignalingState
	CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	AddTrack(webrtc.TrackLocal) (trackSender, error)
	AddTransceiverFromKind(webrtc.RTPCodecType, webrtc.RTPTransceiverInit) error
	CreateDataChannel(label string, init *webrtc.DataChannelInit) (dataChannel, error)
	OnICECandidate(func(*webrtc.ICECandidate))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	WriteRTCP([]rtcp.Packet) error
	Close() error
}

type trackSender interface {
	ReplaceTrack(webrtc.TrackLocal) error
}

type dataChannel interface {
	Send([]byte) error
	OnMessage(func(webrtc.DataChannelMessage))
	ReadyState() webrtc.DataChannelState
	Close() error
}

// pionConn adapts a real peer connection.
type pionConn struct {
	*webrtc.PeerConnection
}

func (c pionConn) AddTrack(t webrtc.TrackLocal) (trackSender, error) {
	s, err := c.PeerConnection.AddTrack(t)
	if err != nil {
		return nil, err
	}
	// Interceptors only see RTCP that is read off the sender.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := s.Read(buf); err != nil {
				return
			}
		}
	}()
	return s, nil
}

func (c pionConn) AddTransceiverFromKind(kind webrtc.RTPCodecType, init webrtc.RTPTransceiverInit) error {
	_, err := c.PeerConnection.AddTransceiverFromKind(kind, init)
	return err
}

func (c pionConn) CreateDataChannel(label string, init *webrtc.DataChannelInit) (dataChannel, error) {
	return c.PeerConnection.CreateDataChannel(label, init)
}
