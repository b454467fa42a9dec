package recording

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockUploader struct {
	mock.Mock
}

func (m *mockUploader) Upload(ctx context.Context, u Upload) (string, error) {
	args := m.Called(ctx, u)
	return args.String(0), args.Error(1)
}

// fakeReader "encodes" by pulling from the session and emitting a fixed
// packet per input.
type fakeReader struct {
	next   func() error
	packet []byte
}

func (f *fakeReader) Read() ([]byte, func(), error) {
	if err := f.next(); err != nil {
		return nil, nil, err
	}
	return f.packet, func() {}, nil
}

func (f *fakeReader) Close() error { return nil }

func fakeEncoder(video, audio bool) EncoderFunc {
	return func(frames FrameFunc, pcm PCMFunc, p Params) (Encoded, error) {
		var enc Encoded
		if video {
			enc.Video = &fakeReader{
				next:   func() error { _, err := frames(); return err },
				packet: make([]byte, 200), // first byte 0: keyframe
			}
		}
		if audio {
			enc.Audio = &fakeReader{
				next:   func() error { _, err := pcm(); return err },
				packet: make([]byte, 40),
			}
		}
		return enc, nil
	}
}

type fakeFrames struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeFrames) ReadFrame() (image.Image, func(), error) {
	time.Sleep(5 * time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, nil, io.EOF
	}
	return solid(32, 18, color.RGBA{0, 0xff, 0, 0xff}), func() {}, nil
}

func (f *fakeFrames) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type fakePCM struct{}

func (fakePCM) ReadPCM() ([]int16, func(), error) {
	time.Sleep(20 * time.Millisecond)
	return make([]int16, 960), func() {}, nil
}

func (fakePCM) Close() error { return nil }

func testConfig(enc EncoderFunc) Config {
	return Config{
		Params:     Params{Width: 64, Height: 36, FPS: 25},
		FFmpegPath: "definitely-not-ffmpeg",
		Encoder:    enc,
	}
}

func TestSessionUploadsRecording(t *testing.T) {
	up := &mockUploader{}
	var body []byte
	up.On("Upload", mock.Anything, mock.MatchedBy(func(u Upload) bool {
		return u.CallID == "call-1" && u.MimeType == "video/webm;codecs=vp8,opus"
	})).Run(func(args mock.Arguments) {
		u := args.Get(1).(Upload)
		body, _ = io.ReadAll(u.Body)
		assert.Equal(t, []string{"alice", "bob"}, u.Participants)
		assert.Equal(t, int64(len(body)), u.Size)
	}).Return("rec-1", nil).Once()

	cfg := testConfig(fakeEncoder(true, true))
	cfg.MinBytes = 1
	s := NewSession(cfg, Meta{CallID: "call-1", CallType: "video"}, up)
	require.NoError(t, s.Start())

	frames := &fakeFrames{}
	s.AddVideoSource("local", "Me", false, frames)
	s.AddAudioSource("local", fakePCM{})
	s.SetParticipants([]string{"alice", "bob"})

	require.Eventually(t, func() bool { return s.out.Size() > 2000 }, 5*time.Second, 10*time.Millisecond)

	res, err := s.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rec-1", res.RecordingID)
	assert.False(t, res.Discarded)
	assert.Equal(t, len(body), res.Size)
	assert.Equal(t, []byte{0x1A, 0x45, 0xDF, 0xA3}, body[:4])
	up.AssertExpectations(t)

	_, err = s.Stop(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestSessionDiscardsShortRecording(t *testing.T) {
	up := &mockUploader{}
	cfg := testConfig(fakeEncoder(false, true))
	cfg.MinBytes = 1 << 20
	s := NewSession(cfg, Meta{CallID: "short"}, up)
	require.NoError(t, s.Start())

	res, err := s.Stop(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Discarded)
	assert.Equal(t, "audio/webm;codecs=opus", res.MimeType)
	up.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything)
}

func TestSessionUploadFailure(t *testing.T) {
	up := &mockUploader{}
	up.On("Upload", mock.Anything, mock.Anything).Return("", ErrUpload)

	s := NewSession(testConfig(fakeEncoder(true, false)), Meta{CallID: "fail"}, up)
	require.NoError(t, s.Start())
	time.Sleep(100 * time.Millisecond)

	res, err := s.Stop(context.Background())
	assert.ErrorIs(t, err, ErrUpload)
	assert.Empty(t, res.RecordingID)
}

func TestSessionWithoutEncoder(t *testing.T) {
	s := NewSession(testConfig(func(FrameFunc, PCMFunc, Params) (Encoded, error) {
		return Encoded{}, ErrNoEncoder
	}), Meta{CallID: "x"}, nil)
	assert.True(t, errors.Is(s.Start(), ErrNoEncoder))

	_, err := s.Stop(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestSessionRemoteSourceWithoutDecoder(t *testing.T) {
	var mu sync.Mutex
	var asked []string
	cfg := testConfig(fakeEncoder(true, false))
	cfg.RequestKeyframe = func(src string) {
		mu.Lock()
		asked = append(asked, src)
		mu.Unlock()
	}
	s := NewSession(cfg, Meta{CallID: "remote"}, nil)
	require.NoError(t, s.Start())

	s.WriteRTP("bob", webrtc.RTPCodecTypeVideo, nil)
	assert.Equal(t, 1, s.comp.Len(), "placeholder tile for bob")
	mu.Lock()
	assert.Equal(t, []string{"bob"}, asked)
	mu.Unlock()

	s.MarkScreen("bob", true)
	s.RemoveSource("bob")
	assert.Equal(t, 0, s.comp.Len())

	res, err := s.Stop(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Discarded, "no uploader")
}

func TestSessionReplacingSourceKeepsTile(t *testing.T) {
	s := NewSession(testConfig(fakeEncoder(true, false)), Meta{CallID: "swap"}, nil)
	require.NoError(t, s.Start())

	first := &fakeFrames{}
	s.AddVideoSource("local", "Me", false, first)
	second := &fakeFrames{}
	s.AddVideoSource("local", "Me", true, second)

	// The first feeder sees EOF and exits without removing the new tile.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, s.comp.Len())

	_, err := s.Stop(context.Background())
	require.NoError(t, err)
}
