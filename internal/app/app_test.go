package app

import (
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/callcore/internal/config"
	"github.com/petervdpas/callcore/internal/recording"
)

func TestNormalizeLocalViewer(t *testing.T) {
	tests := []struct {
		in, listen, url string
	}{
		{":7780", "127.0.0.1:7780", "http://127.0.0.1:7780"},
		{"0.0.0.0:9000", "127.0.0.1:9000", "http://127.0.0.1:9000"},
		{" 127.0.0.1:7780 ", "127.0.0.1:7780", "http://127.0.0.1:7780"},
	}
	for _, tt := range tests {
		listen, url, tcp := NormalizeLocalViewer(tt.in)
		assert.Equal(t, tt.listen, listen)
		assert.Equal(t, tt.url, url)
		assert.Equal(t, tt.listen, tcp)
	}
}

func TestWaitTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	assert.NoError(t, WaitTCP(addr, time.Second))

	ln.Close()
	assert.Error(t, WaitTCP(addr, 300*time.Millisecond))
}

func promptBase() config.Config {
	cfg := config.Default()
	cfg.Identity.UserID = "anon"
	return cfg
}

func TestPromptInteractive(t *testing.T) {
	answers := strings.Join([]string{
		"alice", // user id
		"Alice", // name
		"",      // relay
		"",      // control API
		"30",    // ring timeout
		"n",     // encryption
		"",      // remote control
		"",      // record
	}, "\n") + "\n"

	cfg := PromptInteractive(strings.NewReader(answers), io.Discard, "/tmp/p", "/tmp/p/callcore.json", promptBase())
	assert.Equal(t, "alice", cfg.Identity.UserID)
	assert.Equal(t, "Alice", cfg.Identity.Name)
	assert.Equal(t, 30, cfg.Call.RingTimeoutSec)
	assert.False(t, cfg.Encryption.Enabled)
	assert.True(t, cfg.RemoteControl.Enabled)
	assert.False(t, cfg.Recording.Enabled)
}

func TestPromptInteractiveRejectsInvalid(t *testing.T) {
	answers := "bob\n\n\n\n0\n\n\n\n"
	base := promptBase()
	cfg := PromptInteractive(strings.NewReader(answers), io.Discard, "/tmp/p", "/tmp/p/callcore.json", base)
	assert.Equal(t, base, cfg)
}

func TestRecorderFactory(t *testing.T) {
	f, err := recorderFactory(config.Recording{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, f)

	rc := config.Default().Recording
	rc.Enabled = true
	rc.UploadURL = "http://127.0.0.1:1/upload"
	f, err = recorderFactory(rc)
	require.NoError(t, err)
	require.NotNil(t, f)
	rec := f(recording.Meta{CallID: "c1"}, func(string) {})
	assert.IsType(t, &recording.Session{}, rec)
}

func TestConstraintsFromConfig(t *testing.T) {
	c := constraints(config.Media{PreferredCam: "usb", MaxWidth: 320, MaxHeight: 240})
	assert.True(t, c.Video)
	assert.True(t, c.Audio)
	assert.Equal(t, "usb", c.Camera)
	assert.Equal(t, 320, c.MaxWidth)
}
