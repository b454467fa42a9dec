//go:build linux

package recording

import (
	"image"
	"log"
	"time"

	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"

	"github.com/petervdpas/callcore/internal/media"
)

// NewEncoder builds libvpx and libopus encoders through mediadevices.
func NewEncoder(frames FrameFunc, pcm PCMFunc, p Params) (Encoded, error) {
	var enc Encoded

	vr := video.ReaderFunc(func() (image.Image, func(), error) {
		img, err := frames()
		return img, func() {}, err
	})
	vp, err := vpx.NewVP8Params()
	if err == nil {
		if p.VideoBitrate > 0 {
			vp.BitRate = p.VideoBitrate
		}
		enc.Video, err = vp.BuildVideoEncoder(video.ToI420(vr), prop.Media{
			Video: prop.Video{
				Width:       p.Width,
				Height:      p.Height,
				FrameRate:   float32(p.FPS),
				FrameFormat: frame.FormatI420,
			},
		})
	}
	if err != nil {
		log.Printf("REC: VP8 encoder unavailable: %v", err)
		enc.Video = nil
	}

	ar := audio.ReaderFunc(func() (wave.Audio, func(), error) {
		samples, err := pcm()
		if err != nil {
			return nil, func() {}, err
		}
		chunk := wave.NewInt16Interleaved(wave.ChunkInfo{
			Len:          len(samples),
			Channels:     1,
			SamplingRate: media.SampleRate,
		})
		copy(chunk.Data, samples)
		return chunk, func() {}, nil
	})
	op, err := opus.NewParams()
	if err == nil {
		enc.Audio, err = op.BuildAudioEncoder(ar, prop.Media{
			Audio: prop.Audio{
				ChannelCount:  1,
				SampleRate:    media.SampleRate,
				SampleSize:    16,
				Latency:       20 * time.Millisecond,
				IsInterleaved: true,
			},
		})
	}
	if err != nil {
		log.Printf("REC: Opus encoder unavailable: %v", err)
		enc.Audio = nil
	}

	if enc.Video == nil && enc.Audio == nil {
		return enc, ErrNoEncoder
	}
	return enc, nil
}
