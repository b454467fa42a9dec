package recording

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/draw"
)

func TestMixerSumsAndClips(t *testing.T) {
	m := NewMixer()
	m.Push("a", []int16{100, 200, 30000, -30000})
	m.Push("b", []int16{1, 2, 10000, -10000})
	m.Push("short", []int16{5})

	assert.Equal(t, []string{"a", "b", "short"}, m.Sources())
	assert.Equal(t, []int16{106, 202, 32767, -32768}, m.Mix(4))

	// Everything was drained; the next mix is silence.
	assert.Equal(t, []int16{0, 0}, m.Mix(2))

	m.Remove("a")
	assert.Equal(t, []string{"b", "short"}, m.Sources())
}

func TestLayout(t *testing.T) {
	assert.Nil(t, Layout(1280, 720, nil))

	t.Run("grid", func(t *testing.T) {
		tiles := Layout(1280, 720, []SourceInfo{{Name: "a"}, {Name: "b"}, {Name: "c"}})
		require.Len(t, tiles, 3)
		assert.Equal(t, image.Rect(0, 0, 640, 360), tiles[0].Rect)
		assert.Equal(t, image.Rect(640, 0, 1280, 360), tiles[1].Rect)
		assert.Equal(t, image.Rect(0, 360, 640, 720), tiles[2].Rect)
	})

	t.Run("single source fills canvas", func(t *testing.T) {
		tiles := Layout(1280, 720, []SourceInfo{{Name: "a"}})
		require.Len(t, tiles, 1)
		assert.Equal(t, image.Rect(0, 0, 1280, 720), tiles[0].Rect)
	})

	t.Run("screen share with camera column", func(t *testing.T) {
		tiles := Layout(1280, 720, []SourceInfo{
			{Name: "cam-a"},
			{Name: "screen", Screen: true},
			{Name: "cam-b"},
		})
		require.Len(t, tiles, 3)
		assert.Equal(t, Tile{Source: "screen", Rect: image.Rect(0, 0, 960, 720)}, tiles[0])
		assert.Equal(t, Tile{Source: "cam-a", Rect: image.Rect(960, 0, 1280, 240)}, tiles[1])
		assert.Equal(t, Tile{Source: "cam-b", Rect: image.Rect(960, 240, 1280, 480)}, tiles[2])
	})
}

func TestFitKeepsAspect(t *testing.T) {
	got := fit(image.Rect(0, 0, 400, 400), image.Rect(0, 0, 200, 100))
	assert.Equal(t, image.Rect(0, 100, 400, 300), got)
}

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return img
}

func TestCompositorDraw(t *testing.T) {
	c := NewCompositor(160, 90)

	empty := c.Draw()
	assert.Equal(t, image.Rect(0, 0, 160, 90), empty.Bounds())
	assert.True(t, hasColor(empty, labelColor.C), "placeholder text drawn")

	red := color.RGBA{0xff, 0, 0, 0xff}
	c.SetSource("alice", "Alice", false)
	c.Update("alice", solid(16, 9, red))
	frame := c.Draw()
	assert.Equal(t, red, frame.RGBAAt(80, 45))

	// A source without frames shows its label on an empty tile.
	c.SetSource("bob", "Bob", false)
	frame = c.Draw()
	assert.True(t, hasColor(frame, tileEmpty.C))
	assert.Equal(t, 2, c.Len())

	c.Remove("alice")
	c.Remove("bob")
	assert.Equal(t, 0, c.Len())
}

func hasColor(img *image.RGBA, want color.Color) bool {
	r, g, b, a := want.RGBA()
	wc := color.RGBA{uint8(r >> 8), uint8(g >> 8), uint8(b >> 8), uint8(a >> 8)}
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if img.RGBAAt(x, y) == wc {
				return true
			}
		}
	}
	return false
}

func TestWebmClusters(t *testing.T) {
	w := newWebmWriter(64, 48, true, true)
	header := w.Size()
	require.Positive(t, header)

	w.WriteVideo(0, true, []byte{0x10, 1, 2})
	w.WriteAudio(10, []byte{9, 9})
	w.WriteVideo(100, false, []byte{0x11, 1})
	assert.Equal(t, 0, w.Clusters(), "cluster still open")

	// A keyframe starts a new cluster.
	w.WriteVideo(200, true, []byte{0x10, 3})
	assert.Equal(t, 1, w.Clusters())

	// So does crossing the cluster length.
	w.WriteAudio(1300, []byte{8})
	assert.Equal(t, 2, w.Clusters())

	w.Close()
	assert.Equal(t, 3, w.Clusters())

	raw, err := io.ReadAll(w.Reader())
	require.NoError(t, err)
	assert.Len(t, raw, w.Size())
	assert.Equal(t, []byte{0x1A, 0x45, 0xDF, 0xA3}, raw[:4])
	assert.True(t, bytes.Contains(raw, []byte("callcore")))
}

func TestWebmIgnoresAbsentTrack(t *testing.T) {
	w := newWebmWriter(64, 48, false, true)
	w.WriteVideo(0, true, []byte{0x10})
	w.Close()
	assert.Equal(t, 0, w.Clusters())
}

func TestVP8Keyframe(t *testing.T) {
	assert.True(t, vp8Keyframe([]byte{0x10}))
	assert.False(t, vp8Keyframe([]byte{0x11}))
	assert.False(t, vp8Keyframe(nil))
}

func TestHTTPUploader(t *testing.T) {
	var got map[string]string
	var file []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		got = map[string]string{}
		for k, v := range r.MultipartForm.Value {
			got[k] = v[0]
		}
		f, hdr, err := r.FormFile("recording")
		require.NoError(t, err)
		assert.Equal(t, "c1.webm", hdr.Filename)
		file, _ = io.ReadAll(f)
		_ = json.NewEncoder(w).Encode(map[string]string{"recordingId": "rec-9"})
	}))
	defer srv.Close()

	up := &HTTPUploader{URL: srv.URL, Token: "tok"}
	id, err := up.Upload(context.Background(), Upload{
		Meta:     Meta{CallID: "c1", CallType: "video", ChatID: "chat", ChatType: "group", ChatName: "Team", Participants: []string{"a", "b"}},
		Duration: 90 * time.Second,
		MimeType: "video/webm;codecs=vp8,opus",
		Body:     strings.NewReader("webm-bytes"),
	})
	require.NoError(t, err)
	assert.Equal(t, "rec-9", id)
	assert.Equal(t, "webm-bytes", string(file))
	assert.Equal(t, "c1", got["callId"])
	assert.Equal(t, "video", got["callType"])
	assert.Equal(t, "Team", got["chatName"])
	assert.Equal(t, "90", got["duration"])
	assert.Equal(t, `["a","b"]`, got["participants"])
}

func TestHTTPUploaderFailures(t *testing.T) {
	status := http.StatusInternalServerError
	body := "boom"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	defer srv.Close()
	up := &HTTPUploader{URL: srv.URL}

	_, err := up.Upload(context.Background(), Upload{Meta: Meta{CallID: "c"}, Body: strings.NewReader("x")})
	assert.ErrorIs(t, err, ErrUpload)

	status, body = http.StatusOK, `{}`
	_, err = up.Upload(context.Background(), Upload{Meta: Meta{CallID: "c"}, Body: strings.NewReader("x")})
	assert.ErrorIs(t, err, ErrUpload)

	body = `{"id":"legacy"}`
	id, err := up.Upload(context.Background(), Upload{Meta: Meta{CallID: "c"}, Body: strings.NewReader("x")})
	require.NoError(t, err)
	assert.Equal(t, "legacy", id)
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "recordings/c1-1700000000.webm", objectKey("c1", time.Unix(1700000000, 0)))
}
