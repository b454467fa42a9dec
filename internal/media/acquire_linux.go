//go:build linux

package media

import (
	"context"
	"fmt"
	"image"
	"log"
	"strings"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceAcquirer captures from V4L2 cameras, malgo microphones and the X11
// screen through pion/mediadevices, encoding VP8 + Opus.
type DeviceAcquirer struct {
	selector *mediadevices.CodecSelector

	// GetUserMedia is not safe to run twice against the same device.
	mu sync.Mutex
}

// NewDeviceAcquirer builds the codec selector shared by capture and the
// WebRTC media engines.
func NewDeviceAcquirer(videoBitrate int) (*DeviceAcquirer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = videoBitrate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &DeviceAcquirer{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// RegisterCodecs populates a media engine with exactly the codecs the local
// encoders produce.
func (a *DeviceAcquirer) RegisterCodecs(me *webrtc.MediaEngine) error {
	a.selector.Populate(me)
	return nil
}

func (a *DeviceAcquirer) UserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	constraints := mediadevices.MediaStreamConstraints{Codec: a.selector}
	if c.Video {
		camID := resolveDevice(c.Camera, mediadevices.VideoInput)
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			if camID != "" {
				mc.DeviceID = prop.String(camID)
			}
			// Raw formats only: some cameras expose an MJPEG node that emits
			// malformed frames and poisons the VP8 encoder.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: c.MaxWidth}
			mc.Height = prop.IntRanged{Max: c.MaxHeight}
		}
	}
	if c.Audio {
		micID := resolveDevice(c.Microphone, mediadevices.AudioInput)
		constraints.Audio = func(mc *mediadevices.MediaTrackConstraints) {
			if micID != "" {
				mc.DeviceID = prop.String(micID)
			}
			mc.SampleRate = prop.Int(SampleRate)
			mc.ChannelCount = prop.Int(1)
		}
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("GetUserMedia: %w", err)
	}

	label := "camera+mic"
	if !c.Video {
		label = "mic"
	}
	s := wrapStream(label, ms)
	if c.Video && s.Video == nil {
		s.Close()
		return nil, fmt.Errorf("GetUserMedia: no video track")
	}
	log.Printf("MEDIA: captured %s (%d tracks)", label, len(ms.GetTracks()))
	return s, nil
}

func (a *DeviceAcquirer) DisplayMedia(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	ms, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: a.selector,
		Video: func(*mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, fmt.Errorf("GetDisplayMedia: %w", err)
	}
	s := wrapStream("screen", ms)
	if s.Video == nil {
		s.Close()
		return nil, fmt.Errorf("GetDisplayMedia: no video track")
	}
	s.Screen = true
	log.Printf("MEDIA: captured screen")
	return s, nil
}

func wrapStream(label string, ms mediadevices.MediaStream) *Stream {
	tracks := ms.GetTracks()
	s := NewStream(label, nil, nil, func() {
		for _, t := range tracks {
			t.Close()
		}
	})

	for _, t := range tracks {
		t.OnEnded(func(err error) {
			if err != nil {
				log.Printf("MEDIA: %s track ended: %v", label, err)
			}
			s.End()
		})
		switch tr := t.(type) {
		case *mediadevices.VideoTrack:
			s.Video = tr
			s.NewVideoReader = func() FrameSource { return &frameReader{r: tr.NewReader(false)} }
		case *mediadevices.AudioTrack:
			s.Audio = tr
			s.NewAudioReader = func() PCMSource { return &pcmReader{r: tr.NewReader(false)} }
		}
	}
	return s
}

// resolveDevice maps a configured id or label fragment to a device id.
func resolveDevice(pref string, kind mediadevices.MediaDeviceType) string {
	pref = strings.TrimSpace(pref)
	if pref == "" {
		return ""
	}
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind != kind {
			continue
		}
		if d.DeviceID == pref || strings.Contains(strings.ToLower(d.Label), strings.ToLower(pref)) {
			return d.DeviceID
		}
	}
	log.Printf("MEDIA: preferred device %q not found, using default", pref)
	return ""
}

type frameReader struct {
	r video.Reader
}

func (f *frameReader) ReadFrame() (image.Image, func(), error) {
	return f.r.Read()
}

func (f *frameReader) Close() error { return nil }

type pcmReader struct {
	r audio.Reader
}

func (p *pcmReader) ReadPCM() ([]int16, func(), error) {
	chunk, release, err := p.r.Read()
	if err != nil {
		return nil, nil, err
	}
	pcm := ToMono48k(chunk)
	if release != nil {
		release()
	}
	return pcm, func() {}, nil
}

func (p *pcmReader) Close() error { return nil }
