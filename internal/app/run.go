package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callcore/internal/call"
	"github.com/petervdpas/callcore/internal/config"
	"github.com/petervdpas/callcore/internal/e2ee"
	"github.com/petervdpas/callcore/internal/media"
	"github.com/petervdpas/callcore/internal/metrics"
	"github.com/petervdpas/callcore/internal/peer"
	"github.com/petervdpas/callcore/internal/proto"
	"github.com/petervdpas/callcore/internal/recording"
	"github.com/petervdpas/callcore/internal/remotectl"
	"github.com/petervdpas/callcore/internal/signaling"
	"github.com/petervdpas/callcore/internal/storage"
	"github.com/petervdpas/callcore/internal/util"
	"github.com/petervdpas/callcore/internal/viewer"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

// Run starts one call endpoint and blocks until ctx is cancelled.
func Run(ctx context.Context, opt Options) error {
	logBuf := viewer.NewLogBuffer(800)
	log.SetOutput(io.MultiWriter(os.Stderr, logBuf))

	logBanner(opt.PeerDir, opt.CfgPath)

	cfg := opt.Cfg

	// ── Storage
	db, err := storage.Open(util.ResolvePath(opt.PeerDir, cfg.Storage.Dir))
	if err != nil {
		return err
	}
	defer db.Close()
	log.Printf("STORAGE: %s", db.Path())

	mc := metrics.New()

	// ── Relay
	sig := signaling.New(cfg.Relay.URL, cfg.Relay.Token, cfg.Identity.UserID,
		time.Duration(cfg.Relay.ReconnectSec)*time.Second,
		time.Duration(cfg.Relay.PingSec)*time.Second)
	defer sig.Close()

	// ── Media
	acq, err := media.NewDeviceAcquirer(cfg.Media.VideoBitrate)
	if err != nil {
		return fmt.Errorf("media: %w", err)
	}

	peerCfg := peer.Config{
		SelfID:              cfg.Identity.UserID,
		ICEServers:          iceServers(cfg.ICE.Servers),
		DisconnectedTimeout: time.Duration(cfg.ICE.DisconnectedSec) * time.Second,
		FailedTimeout:       time.Duration(cfg.ICE.FailedSec) * time.Second,
		KeepAlive:           time.Duration(cfg.ICE.KeepAliveSec) * time.Second,
		RegisterCodecs:      acq.RegisterCodecs,
		Observer:            mc,
	}

	newRecorder, err := recorderFactory(cfg.Recording)
	if err != nil {
		return err
	}

	var agent remotectl.AgentClient
	if cfg.RemoteControl.Enabled {
		a := remotectl.NewAgent(cfg.RemoteControl.AgentAddr, cfg.AgentPingTimeout())
		defer a.Close()
		agent = a
	}

	calls := call.New(sig, call.Options{
		Self: proto.Identity{
			UserID: cfg.Identity.UserID,
			Name:   cfg.Identity.Name,
			Avatar: cfg.Identity.Avatar,
			Color:  cfg.Identity.Color,
		},
		Acquirer:         acq,
		Constraints:      constraints(cfg.Media),
		Encryption:       cfg.Encryption.Enabled,
		Algorithm:        e2ee.Algorithm(cfg.Encryption.Algorithm),
		AllowKeyFallback: cfg.Encryption.AllowCurrentKeyFallback,
		RingTimeout:      cfg.RingTimeout(),
		MaxGroupSize:     cfg.Call.MaxGroupSize,
		NewLinks:         call.PeerLinks(peerCfg, mc.Frame),
		NewRecorder:      newRecorder,
		Agent:            agent,
		History:          db,
		Metrics:          mc,
	})
	defer calls.Close()

	// Media preferences apply to the next acquisition. Everything else in the
	// file needs a restart.
	if err := config.Watch(ctx, opt.CfgPath, func(next config.Config) {
		calls.SetConstraints(constraints(next.Media))
	}); err != nil {
		log.Printf("CONFIG: live reload disabled: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sig.Run(ctx)
	}()

	if cfg.Viewer.HTTPAddr != "" {
		addr, url, _ := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := viewer.Start(ctx, addr, viewer.Viewer{
				Calls:   calls,
				History: db,
				Logs:    logBuf,
				Metrics: mc.Handler(),
				Debug:   cfg.Viewer.Debug,
			})
			if err != nil {
				log.Printf("VIEWER: %v", err)
			}
		}()
		log.Printf("VIEWER: %s/api/call/state", url)
	}

	<-ctx.Done()
	log.Println("CALL: shutting down")
	calls.Close()
	sig.Close()
	wg.Wait()
	return nil
}

func constraints(m config.Media) media.Constraints {
	return media.Constraints{
		Video:      true,
		Audio:      true,
		Camera:     m.PreferredCam,
		Microphone: m.PreferredMic,
		MaxWidth:   m.MaxWidth,
		MaxHeight:  m.MaxHeight,
	}
}

func iceServers(in []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(in))
	for _, s := range in {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

// recorderFactory returns nil when recording is disabled.
func recorderFactory(rc config.Recording) (call.RecorderFactory, error) {
	if !rc.Enabled {
		return nil, nil
	}

	var up recording.Uploader
	switch rc.Backend {
	case "minio":
		m, err := recording.NewMinioUploader(rc.Minio.Endpoint, rc.Minio.AccessKey, rc.Minio.SecretKey, rc.Minio.Bucket, rc.Minio.Secure)
		if err != nil {
			return nil, err
		}
		up = m
	default:
		up = &recording.HTTPUploader{
			URL:    rc.UploadURL,
			Token:  rc.UploadToken,
			Client: &http.Client{Timeout: util.UploadTimeout},
		}
	}
	log.Printf("REC: recording enabled (%s backend, %dx%d@%d)", rc.Backend, rc.Width, rc.Height, rc.FPS)

	return func(meta recording.Meta, requestKeyframe func(userID string)) call.Recorder {
		return recording.NewSession(recording.Config{
			Params: recording.Params{
				Width:  rc.Width,
				Height: rc.Height,
				FPS:    rc.FPS,
			},
			MinBytes:        rc.MinUploadBytes,
			FFmpegPath:      rc.FFmpegPath,
			RequestKeyframe: requestKeyframe,
		}, meta, up)
	}, nil
}
