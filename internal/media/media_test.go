package media

import (
	"context"
	"errors"
	"testing"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedAcquirer struct {
	videoErr, audioErr error
	calls              []Constraints
}

func (s *scriptedAcquirer) UserMedia(_ context.Context, c Constraints) (*Stream, error) {
	s.calls = append(s.calls, c)
	if c.Video && s.videoErr != nil {
		return nil, s.videoErr
	}
	if s.audioErr != nil {
		return nil, s.audioErr
	}
	return NewStream("test", nil, nil, nil), nil
}

func (s *scriptedAcquirer) DisplayMedia(context.Context) (*Stream, error) {
	return nil, ErrUnsupported
}

func TestAcquireWithFallback(t *testing.T) {
	t.Run("video ok", func(t *testing.T) {
		a := &scriptedAcquirer{}
		s, degraded, err := AcquireWithFallback(context.Background(), a, Constraints{Video: true})
		require.NoError(t, err)
		require.NotNil(t, s)
		assert.False(t, degraded)
		assert.Len(t, a.calls, 1)
		assert.True(t, a.calls[0].Audio)
	})

	t.Run("camera fails degrades to audio", func(t *testing.T) {
		a := &scriptedAcquirer{videoErr: errors.New("busy")}
		s, degraded, err := AcquireWithFallback(context.Background(), a, Constraints{Video: true})
		require.NoError(t, err)
		require.NotNil(t, s)
		assert.True(t, degraded)
		require.Len(t, a.calls, 2)
		assert.False(t, a.calls[1].Video)
	})

	t.Run("audio fails aborts", func(t *testing.T) {
		a := &scriptedAcquirer{videoErr: errors.New("busy"), audioErr: errors.New("denied")}
		_, _, err := AcquireWithFallback(context.Background(), a, Constraints{Video: true})
		assert.ErrorIs(t, err, ErrAcquisition)
	})

	t.Run("audio call never asks for video", func(t *testing.T) {
		a := &scriptedAcquirer{}
		_, degraded, err := AcquireWithFallback(context.Background(), a, Constraints{})
		require.NoError(t, err)
		assert.False(t, degraded)
		require.Len(t, a.calls, 1)
		assert.False(t, a.calls[0].Video)
	})
}

func TestStreamCloseIsIdempotentAndSilencesEnded(t *testing.T) {
	closes, ended := 0, 0
	s := NewStream("x", nil, nil, func() { closes++ })
	s.OnEnded(func() { ended++ })
	s.Close()
	s.Close()
	s.End()
	assert.Equal(t, 1, closes)
	assert.Equal(t, 0, ended)
}

func TestGateSwallowsMutedKind(t *testing.T) {
	g := NewGate()
	ic, err := g.NewInterceptor("")
	require.NoError(t, err)

	var written []string
	sink := func(kind string) interceptor.RTPWriter {
		return interceptor.RTPWriterFunc(func(*rtp.Header, []byte, interceptor.Attributes) (int, error) {
			written = append(written, kind)
			return 0, nil
		})
	}
	audio := ic.BindLocalStream(&interceptor.StreamInfo{MimeType: "audio/opus"}, sink("audio"))
	video := ic.BindLocalStream(&interceptor.StreamInfo{MimeType: "video/VP8"}, sink("video"))

	g.SetAudio(false)
	_, _ = audio.Write(&rtp.Header{}, []byte{1}, nil)
	_, _ = video.Write(&rtp.Header{}, []byte{1}, nil)
	g.SetAudio(true)
	g.SetVideo(false)
	_, _ = audio.Write(&rtp.Header{}, []byte{1}, nil)
	_, _ = video.Write(&rtp.Header{}, []byte{1}, nil)

	assert.Equal(t, []string{"video", "audio"}, written)
	assert.True(t, g.AudioEnabled())
	assert.False(t, g.VideoEnabled())
}

func TestToMono48k(t *testing.T) {
	chunk := wave.NewInt16Interleaved(wave.ChunkInfo{Len: 2, Channels: 2, SamplingRate: 48000})
	copy(chunk.Data, []int16{100, 300, -200, -400})
	assert.Equal(t, []int16{200, -300}, ToMono48k(chunk))

	f := wave.NewFloat32Interleaved(wave.ChunkInfo{Len: 1, Channels: 1, SamplingRate: 48000})
	f.Data[0] = 2.0
	assert.Equal(t, []int16{32767}, ToMono48k(f))
}

func TestResample(t *testing.T) {
	out := Resample([]int16{1, 2, 3, 4}, 24000, 48000)
	assert.Equal(t, []int16{1, 1, 2, 2, 3, 3, 4, 4}, out)
	assert.Len(t, Resample(make([]int16, 480), 48000, 16000), 160)
}
