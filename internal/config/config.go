package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/callcore/internal/util"
)

type Config struct {
	Identity      Identity      `json:"identity"`
	Relay         Relay         `json:"relay"`
	ICE           ICE           `json:"ice"`
	Media         Media         `json:"media"`
	Encryption    Encryption    `json:"encryption"`
	Call          Call          `json:"call"`
	Recording     Recording     `json:"recording"`
	RemoteControl RemoteControl `json:"remote_control"`
	Viewer        Viewer        `json:"viewer"`
	Storage       Storage       `json:"storage"`
}

type Identity struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
	Color  string `json:"color"`
}

type Relay struct {
	// WebSocket URL of the signaling relay, e.g. wss://relay.example.org/ws
	URL          string `json:"url"`
	Token        string `json:"token"`
	ReconnectSec int    `json:"reconnect_seconds"`
	PingSec      int    `json:"ping_seconds"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type ICE struct {
	Servers []ICEServer `json:"servers"`

	// Generous timeouts so a short relay/NAT outage does not end the call.
	DisconnectedSec int `json:"disconnected_seconds"`
	FailedSec       int `json:"failed_seconds"`
	KeepAliveSec    int `json:"keepalive_seconds"`
}

type Media struct {
	PreferredCam string `json:"preferred_cam"`
	PreferredMic string `json:"preferred_mic"`
	MaxWidth     int    `json:"max_width"`
	MaxHeight    int    `json:"max_height"`
	VideoBitrate int    `json:"video_bitrate"`
}

type Encryption struct {
	Enabled   bool   `json:"enabled"`
	Algorithm string `json:"algorithm"` // aes-gcm | chacha20-poly1305

	// Decrypt frames that name an unknown key id with the current key.
	// Compatibility behaviour; disable for strict key matching.
	AllowCurrentKeyFallback bool `json:"allow_current_key_fallback"`
}

type Call struct {
	RingTimeoutSec int `json:"ring_timeout_seconds"`
	MaxGroupSize   int `json:"max_group_size"`
}

type Recording struct {
	Enabled        bool   `json:"enabled"`
	Backend        string `json:"backend"` // http | minio
	UploadURL      string `json:"upload_url"`
	UploadToken    string `json:"upload_token"`
	MinUploadBytes int    `json:"min_upload_bytes"`
	FPS            int    `json:"fps"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	FFmpegPath     string `json:"ffmpeg_path"`
	Minio          Minio  `json:"minio"`
}

type Minio struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	Secure    bool   `json:"secure"`
}

type RemoteControl struct {
	Enabled       bool   `json:"enabled"`
	AgentAddr     string `json:"agent_addr"`
	PingTimeoutMs int    `json:"ping_timeout_ms"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
	Debug    bool   `json:"debug"`
}

type Storage struct {
	// Directory holding calls.db, relative to the peer directory.
	Dir string `json:"dir"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			Name:  "anonymous",
			Color: "#4f8cc9",
		},
		Relay: Relay{
			URL:          "ws://127.0.0.1:8787/ws",
			ReconnectSec: 3,
			PingSec:      20,
		},
		ICE: ICE{
			Servers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
			DisconnectedSec: 30,
			FailedSec:       120,
			KeepAliveSec:    2,
		},
		Media: Media{
			MaxWidth:     640,
			MaxHeight:    480,
			VideoBitrate: 1_500_000,
		},
		Encryption: Encryption{
			Enabled:                 true,
			Algorithm:               "aes-gcm",
			AllowCurrentKeyFallback: true,
		},
		Call: Call{
			RingTimeoutSec: 20,
			MaxGroupSize:   8,
		},
		Recording: Recording{
			Enabled:        false,
			Backend:        "http",
			MinUploadBytes: 16 * 1024,
			FPS:            10,
			Width:          1280,
			Height:         720,
			FFmpegPath:     "ffmpeg",
			Minio: Minio{
				Bucket: "recordings",
				Secure: true,
			},
		},
		RemoteControl: RemoteControl{
			Enabled:       true,
			AgentAddr:     "127.0.0.1:7719",
			PingTimeoutMs: 1500,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:7780",
		},
		Storage: Storage{
			Dir: "data",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if _, err := util.ValidateUserID(c.Identity.UserID); err != nil {
		return fmt.Errorf("identity.user_id: %w", err)
	}

	// Relay
	if err := validateRelayURL(c.Relay.URL); err != nil {
		return fmt.Errorf("relay.url: %w", err)
	}
	if c.Relay.ReconnectSec <= 0 {
		return errors.New("relay.reconnect_seconds must be > 0")
	}
	if c.Relay.PingSec <= 0 {
		return errors.New("relay.ping_seconds must be > 0")
	}

	// ICE
	for i, s := range c.ICE.Servers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("ice.servers[%d].urls is empty", i)
		}
	}
	if c.ICE.DisconnectedSec <= 0 || c.ICE.FailedSec <= 0 || c.ICE.KeepAliveSec <= 0 {
		return errors.New("ice timeouts must be > 0")
	}
	if c.ICE.DisconnectedSec >= c.ICE.FailedSec {
		return errors.New("ice.disconnected_seconds must be < ice.failed_seconds")
	}

	// Media
	if c.Media.MaxWidth < 160 || c.Media.MaxHeight < 120 {
		return errors.New("media.max_width/max_height must be at least 160x120")
	}
	if c.Media.VideoBitrate < 100_000 {
		return errors.New("media.video_bitrate must be >= 100000")
	}

	// Encryption
	switch c.Encryption.Algorithm {
	case "aes-gcm", "chacha20-poly1305":
	default:
		return fmt.Errorf("encryption.algorithm %q is not supported", c.Encryption.Algorithm)
	}

	// Call
	if c.Call.RingTimeoutSec < 1 || c.Call.RingTimeoutSec > 300 {
		return errors.New("call.ring_timeout_seconds must be 1..300")
	}
	if c.Call.MaxGroupSize < 2 {
		return errors.New("call.max_group_size must be >= 2")
	}

	// Recording
	if c.Recording.Enabled {
		switch c.Recording.Backend {
		case "http":
			if strings.TrimSpace(c.Recording.UploadURL) == "" {
				return errors.New("recording.upload_url is required for the http backend")
			}
			if _, err := url.Parse(c.Recording.UploadURL); err != nil {
				return fmt.Errorf("recording.upload_url: %w", err)
			}
		case "minio":
			if c.Recording.Minio.Endpoint == "" || c.Recording.Minio.Bucket == "" {
				return errors.New("recording.minio.endpoint and bucket are required for the minio backend")
			}
		default:
			return fmt.Errorf("recording.backend %q must be http or minio", c.Recording.Backend)
		}
		if c.Recording.FPS < 1 || c.Recording.FPS > 30 {
			return errors.New("recording.fps must be 1..30")
		}
		if c.Recording.Width < 320 || c.Recording.Height < 240 {
			return errors.New("recording.width/height must be at least 320x240")
		}
		if c.Recording.MinUploadBytes < 0 {
			return errors.New("recording.min_upload_bytes must be >= 0")
		}
	}

	// Remote control
	if c.RemoteControl.Enabled {
		if _, _, err := net.SplitHostPort(c.RemoteControl.AgentAddr); err != nil {
			return fmt.Errorf("remote_control.agent_addr: %w", err)
		}
		if c.RemoteControl.PingTimeoutMs < 100 {
			return errors.New("remote_control.ping_timeout_ms must be >= 100")
		}
	}

	if strings.TrimSpace(c.Storage.Dir) == "" {
		return errors.New("storage.dir is required")
	}

	return nil
}

func validateRelayURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// RingTimeout is the no-answer guard for calling and ringing.
func (c *Config) RingTimeout() time.Duration {
	return time.Duration(c.Call.RingTimeoutSec) * time.Second
}

func (c *Config) AgentPingTimeout() time.Duration {
	return time.Duration(c.RemoteControl.PingTimeoutMs) * time.Millisecond
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation. Used by `init` to
// report what an existing file is missing.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file
// for userID. Returns (cfg, createdNew, err).
func Ensure(path, userID string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.UserID = userID
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
