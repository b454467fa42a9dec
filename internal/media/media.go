// Package media acquires local capture streams (camera, microphone, screen)
// and owns the outgoing mute gate. Capture uses pion/mediadevices on Linux;
// other platforms report ErrUnsupported and the call proceeds receive-only.
package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrAcquisition wraps every capture failure.
	ErrAcquisition = errors.New("media acquisition failed")
	ErrUnsupported = errors.New("media capture not supported on this platform")
)

// FrameSource yields decoded frames of a local video source.
type FrameSource interface {
	ReadFrame() (image.Image, func(), error)
	Close() error
}

// PCMSource yields mono 48 kHz signed 16-bit samples of a local audio source.
type PCMSource interface {
	ReadPCM() ([]int16, func(), error)
	Close() error
}

// Constraints select what UserMedia opens.
type Constraints struct {
	Video      bool
	Audio      bool
	Camera     string // device id or label fragment; empty = first available
	Microphone string
	MaxWidth   int
	MaxHeight  int
}

// Acquirer opens capture devices. Implementations must be safe for
// concurrent use.
type Acquirer interface {
	UserMedia(ctx context.Context, c Constraints) (*Stream, error)
	DisplayMedia(ctx context.Context) (*Stream, error)
}

// Stream is a set of local tracks from one acquisition. The orchestrator owns
// it exclusively and must Close it when the call or screen share ends.
type Stream struct {
	Label  string
	Screen bool
	Audio  webrtc.TrackLocal
	Video  webrtc.TrackLocal

	// Raw readers for the recording compositor; nil when the track is absent
	// or the platform cannot expose decoded frames.
	NewVideoReader func() FrameSource
	NewAudioReader func() PCMSource

	closeFn func()

	mu      sync.Mutex
	closed  bool
	onEnded []func()
}

// NewStream builds a Stream from already-opened tracks. closeFn releases the
// underlying devices and may be nil.
func NewStream(label string, audio, video webrtc.TrackLocal, closeFn func()) *Stream {
	return &Stream{Label: label, Audio: audio, Video: video, closeFn: closeFn}
}

func (s *Stream) HasAudio() bool { return s != nil && s.Audio != nil }
func (s *Stream) HasVideo() bool { return s != nil && s.Video != nil }

// OnEnded registers fn to run once when the stream ends without Close being
// called, e.g. the OS-level screen picker was dismissed.
func (s *Stream) OnEnded(fn func()) {
	s.mu.Lock()
	s.onEnded = append(s.onEnded, fn)
	s.mu.Unlock()
}

// End fires the OnEnded callbacks once. Called by capture drivers.
func (s *Stream) End() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	fns := s.onEnded
	s.onEnded = nil
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Close releases the devices. Idempotent.
func (s *Stream) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.onEnded = nil
	fn := s.closeFn
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	log.Printf("MEDIA: released %s", s.Label)
}

// AcquireWithFallback opens camera and microphone, degrading to audio-only
// when the camera cannot be opened. It fails only when audio also fails.
// degraded is true when video was requested but not obtained.
func AcquireWithFallback(ctx context.Context, a Acquirer, c Constraints) (s *Stream, degraded bool, err error) {
	c.Audio = true
	if c.Video {
		s, err = a.UserMedia(ctx, c)
		if err == nil {
			return s, false, nil
		}
		log.Printf("MEDIA: video+audio capture failed, falling back to audio-only: %v", err)
	}

	audioOnly := c
	audioOnly.Video = false
	s, aerr := a.UserMedia(ctx, audioOnly)
	if aerr != nil {
		if err != nil {
			return nil, false, fmt.Errorf("%w: video: %v; audio: %v", ErrAcquisition, err, aerr)
		}
		return nil, false, fmt.Errorf("%w: audio: %v", ErrAcquisition, aerr)
	}
	return s, c.Video, nil
}
