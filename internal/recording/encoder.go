package recording

import (
	"errors"
	"image"
)

// ErrNoEncoder is returned when neither a video nor an audio encoder can be
// built on this platform.
var ErrNoEncoder = errors.New("no recording encoder available")

// Params size the composite video.
type Params struct {
	Width        int
	Height       int
	FPS          int
	VideoBitrate int
}

// FrameFunc blocks for the next composite frame; io.EOF ends the stream.
type FrameFunc func() (image.Image, error)

// PCMFunc blocks for the next 20 ms of mixed mono 48 kHz audio; io.EOF ends
// the stream.
type PCMFunc func() ([]int16, error)

// packetReader yields one encoded frame per Read. mediadevices'
// codec.ReadCloser satisfies it.
type packetReader interface {
	Read() ([]byte, func(), error)
	Close() error
}

// Encoded holds the encoders picked for a recording. Either may be nil.
type Encoded struct {
	Video packetReader
	Audio packetReader
}

// MimeType names the container and codec combination.
func (e Encoded) MimeType() string {
	switch {
	case e.Video != nil && e.Audio != nil:
		return "video/webm;codecs=vp8,opus"
	case e.Video != nil:
		return "video/webm;codecs=vp8"
	case e.Audio != nil:
		return "audio/webm;codecs=opus"
	}
	return ""
}

// EncoderFunc builds encoders that pull from frames and pcm, preferring
// VP8+Opus, then VP8 alone, then Opus alone.
type EncoderFunc func(frames FrameFunc, pcm PCMFunc, p Params) (Encoded, error)
