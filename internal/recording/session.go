// Package recording composites every audio and video source of a call into
// one WebM file and uploads it when the call ends.
package recording

import (
	"context"
	"errors"
	"image"
	"io"
	"log"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callcore/internal/media"
)

var (
	ErrStopped    = errors.New("recording already stopped")
	ErrNotStarted = errors.New("recording not started")
)

const (
	mixFrame = 960 // 20 ms at 48 kHz

	decodeWidth  = 640
	decodeHeight = 360
)

type Config struct {
	Params

	// MinBytes is the smallest recording worth uploading.
	MinBytes   int
	FFmpegPath string

	// RequestKeyframe asks the sender of a remote video source for a
	// keyframe so its decoder can start. Called every KeyframeEvery.
	RequestKeyframe func(source string)
	KeyframeEvery   time.Duration

	// Encoder defaults to NewEncoder.
	Encoder EncoderFunc
}

// Result describes how a recording ended.
type Result struct {
	RecordingID string
	Discarded   bool
	Size        int
	Duration    time.Duration
	MimeType    string
}

// Session records one call.
type Session struct {
	cfg Config
	up  Uploader

	comp *Compositor
	mix  *Mixer

	out    *webmWriter
	enc    Encoded
	ffmpeg string
	start  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // frame and sample producers
	encWG  sync.WaitGroup // encoder drains
	frames chan image.Image
	pcm    chan []int16

	mu       sync.Mutex
	meta     Meta
	started  bool
	stopped  bool
	locals   map[string]*localSource
	decoders map[string]*remoteDecoder
}

func NewSession(cfg Config, meta Meta, up Uploader) *Session {
	if cfg.FPS <= 0 {
		cfg.FPS = 10
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 1280, 720
	}
	if cfg.KeyframeEvery <= 0 {
		cfg.KeyframeEvery = 3 * time.Second
	}
	if cfg.Encoder == nil {
		cfg.Encoder = NewEncoder
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:      cfg,
		up:       up,
		meta:     meta,
		comp:     NewCompositor(cfg.Width, cfg.Height),
		mix:      NewMixer(),
		ctx:      ctx,
		cancel:   cancel,
		frames:   make(chan image.Image, 2),
		pcm:      make(chan []int16, 50),
		locals:   make(map[string]*localSource),
		decoders: make(map[string]*remoteDecoder),
	}
}

// Start picks encoders and begins drawing and mixing.
func (s *Session) Start() error {
	enc, err := s.cfg.Encoder(s.nextFrame, s.nextPCM, s.cfg.Params)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.enc = enc
	s.out = newWebmWriter(s.cfg.Width, s.cfg.Height, enc.Video != nil, enc.Audio != nil)
	s.start = time.Now()
	s.started = true
	s.mu.Unlock()

	if p, err := ffmpegAvailable(s.cfg.FFmpegPath); err != nil {
		log.Printf("REC [%s]: remote media will show as placeholders: %v", s.meta.CallID, err)
	} else {
		s.ffmpeg = p
	}

	if enc.Video != nil {
		s.encWG.Add(1)
		go s.drain(enc.Video, func(ts int64, b []byte) { s.out.WriteVideo(ts, vp8Keyframe(b), b) })
		s.wg.Add(1)
		go s.drawLoop()
	}
	if enc.Audio != nil {
		s.encWG.Add(1)
		go s.drain(enc.Audio, func(ts int64, b []byte) { s.out.WriteAudio(ts, b) })
		s.wg.Add(1)
		go s.mixLoop()
	}
	if s.cfg.RequestKeyframe != nil {
		s.wg.Add(1)
		go s.keyframeLoop()
	}

	log.Printf("REC [%s]: recording started (%s)", s.meta.CallID, enc.MimeType())
	return nil
}

func (s *Session) nextFrame() (image.Image, error) {
	f, ok := <-s.frames
	if !ok {
		return nil, io.EOF
	}
	return f, nil
}

func (s *Session) nextPCM() ([]int16, error) {
	p, ok := <-s.pcm
	if !ok {
		return nil, io.EOF
	}
	return p, nil
}

func (s *Session) drain(r packetReader, write func(ts int64, b []byte)) {
	defer s.encWG.Done()
	for {
		b, release, err := r.Read()
		if err != nil {
			return
		}
		ts := time.Since(s.start).Milliseconds()
		cp := append([]byte(nil), b...)
		if release != nil {
			release()
		}
		write(ts, cp)
	}
}

func (s *Session) drawLoop() {
	defer s.wg.Done()
	t := time.NewTicker(time.Second / time.Duration(s.cfg.FPS))
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			select {
			case s.frames <- s.comp.Draw():
			default:
				// Encoder is behind; skip this frame.
			}
		}
	}
}

func (s *Session) mixLoop() {
	defer s.wg.Done()
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			select {
			case s.pcm <- s.mix.Mix(mixFrame):
			case <-s.ctx.Done():
				return
			}
		}
	}
}

func (s *Session) keyframeLoop() {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.KeyframeEvery)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			for _, src := range s.remoteVideoSources() {
				s.cfg.RequestKeyframe(src)
			}
		}
	}
}

func (s *Session) remoteVideoSources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for key := range s.decoders {
		if src, kind := splitKey(key); kind == webrtc.RTPCodecTypeVideo {
			out = append(out, src)
		}
	}
	return out
}

// SetParticipants replaces the participant list sent with the upload.
func (s *Session) SetParticipants(ids []string) {
	s.mu.Lock()
	s.meta.Participants = append([]string(nil), ids...)
	s.mu.Unlock()
}

type localSource struct {
	close func()
}

// AddVideoSource samples src into the compositor at the recording frame
// rate until src fails or the session stops.
func (s *Session) AddVideoSource(name, label string, screen bool, src media.FrameSource) {
	ls := &localSource{close: func() { _ = src.Close() }}
	if !s.track(name, ls) {
		ls.close()
		return
	}
	s.comp.SetSource(name, label, screen)

	// Device reads cannot be interrupted, so feeders are not waited on at
	// Stop. They exit on their next frame or when the track closes.
	go func() {
		defer func() {
			if s.untrack(name, ls) {
				s.comp.Remove(name)
			}
		}()
		every := time.Second / time.Duration(s.cfg.FPS)
		var last time.Time
		for {
			img, release, err := src.ReadFrame()
			if err != nil {
				log.Printf("REC [%s]: video source %s ended: %v", s.meta.CallID, name, err)
				return
			}
			if now := time.Now(); now.Sub(last) >= every {
				s.comp.Update(name, img)
				last = now
			}
			if release != nil {
				release()
			}
			if s.ctx.Err() != nil {
				return
			}
		}
	}()
}

// AddAudioSource feeds src into the mixer until it fails or the session
// stops.
func (s *Session) AddAudioSource(name string, src media.PCMSource) {
	ls := &localSource{close: func() { _ = src.Close() }}
	if !s.track(name+"#audio", ls) {
		ls.close()
		return
	}
	go func() {
		defer func() {
			if s.untrack(name+"#audio", ls) {
				s.mix.Remove(name)
			}
		}()
		for {
			pcm, release, err := src.ReadPCM()
			if err != nil {
				log.Printf("REC [%s]: audio source %s ended: %v", s.meta.CallID, name, err)
				return
			}
			s.mix.Push(name, pcm)
			if release != nil {
				release()
			}
			if s.ctx.Err() != nil {
				return
			}
		}
	}()
}

// track registers ls under name, closing whatever it replaces.
func (s *Session) track(name string, ls *localSource) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if prev := s.locals[name]; prev != nil {
		prev.close()
	}
	s.locals[name] = ls
	return true
}

// untrack reports whether ls was still the source registered under name.
func (s *Session) untrack(name string, ls *localSource) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locals[name] != ls {
		return false
	}
	delete(s.locals, name)
	return true
}

// MarkScreen changes how source is laid out.
func (s *Session) MarkScreen(source string, screen bool) {
	s.comp.MarkScreen(source, screen)
}

// WriteRTP feeds one remote packet. The first packet of a source and kind
// starts its decoder.
func (s *Session) WriteRTP(source string, kind webrtc.RTPCodecType, pkt *rtp.Packet) {
	key := source + "/" + kind.String()

	s.mu.Lock()
	if s.stopped || !s.started {
		s.mu.Unlock()
		return
	}
	d, seen := s.decoders[key]
	if !seen {
		d = s.startDecoderLocked(source, kind)
		s.decoders[key] = d
	}
	s.mu.Unlock()

	if !seen && kind == webrtc.RTPCodecTypeVideo && s.cfg.RequestKeyframe != nil {
		s.cfg.RequestKeyframe(source)
	}
	if d != nil {
		if err := d.WriteRTP(pkt); err != nil {
			log.Printf("REC [%s]: feed %s: %v", s.meta.CallID, key, err)
		}
	}
}

// startDecoderLocked returns nil when the source can only be shown as a
// placeholder.
func (s *Session) startDecoderLocked(source string, kind webrtc.RTPCodecType) *remoteDecoder {
	if kind == webrtc.RTPCodecTypeVideo {
		s.comp.SetSource(source, source, false)
	}
	if s.ffmpeg == "" {
		return nil
	}

	var (
		d   *remoteDecoder
		err error
	)
	switch kind {
	case webrtc.RTPCodecTypeVideo:
		d, err = startVideoDecoder(s.ffmpeg, source, decodeWidth, decodeHeight, func(img *image.RGBA) {
			s.comp.Update(source, img)
		})
	case webrtc.RTPCodecTypeAudio:
		d, err = startAudioDecoder(s.ffmpeg, source, func(pcm []int16) {
			s.mix.Push(source, pcm)
		})
	}
	if err != nil {
		log.Printf("REC [%s]: decoder for %s/%s: %v", s.meta.CallID, source, kind, err)
		return nil
	}
	return d
}

// RemoveSource drops every local or remote source named name.
func (s *Session) RemoveSource(name string) {
	s.mu.Lock()
	var closers []*localSource
	for _, key := range []string{name, name + "#audio"} {
		if ls := s.locals[key]; ls != nil {
			closers = append(closers, ls)
			delete(s.locals, key)
		}
	}
	var decs []*remoteDecoder
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		key := name + "/" + kind.String()
		if d := s.decoders[key]; d != nil {
			decs = append(decs, d)
		}
		delete(s.decoders, key)
	}
	s.mu.Unlock()

	for _, ls := range closers {
		ls.close()
	}
	for _, d := range decs {
		d.Close()
	}
	s.comp.Remove(name)
	s.mix.Remove(name)
}

// Stop finishes the file and uploads it, or discards it when it is smaller
// than MinBytes. Upload errors are returned but the recording is gone either
// way.
func (s *Session) Stop(ctx context.Context) (Result, error) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return Result{}, ErrNotStarted
	}
	if s.stopped {
		s.mu.Unlock()
		return Result{}, ErrStopped
	}
	s.stopped = true
	closers := make([]*localSource, 0, len(s.locals))
	for _, ls := range s.locals {
		closers = append(closers, ls)
	}
	decs := make([]*remoteDecoder, 0, len(s.decoders))
	for _, d := range s.decoders {
		if d != nil {
			decs = append(decs, d)
		}
	}
	meta := s.meta
	s.mu.Unlock()

	s.cancel()
	for _, ls := range closers {
		ls.close()
	}
	for _, d := range decs {
		d.Close()
	}
	s.wg.Wait()

	close(s.frames)
	close(s.pcm)
	s.encWG.Wait()
	if s.enc.Video != nil {
		_ = s.enc.Video.Close()
	}
	if s.enc.Audio != nil {
		_ = s.enc.Audio.Close()
	}
	s.out.Close()

	res := Result{
		Size:     s.out.Size(),
		Duration: time.Since(s.start),
		MimeType: s.enc.MimeType(),
	}
	if res.Size < s.cfg.MinBytes || s.up == nil {
		res.Discarded = true
		log.Printf("REC [%s]: discarding %d byte recording", meta.CallID, res.Size)
		return res, nil
	}

	id, err := s.up.Upload(ctx, Upload{
		Meta:     meta,
		Duration: res.Duration,
		MimeType: res.MimeType,
		Size:     int64(res.Size),
		Body:     s.out.Reader(),
	})
	if err != nil {
		log.Printf("REC [%s]: upload failed, recording discarded: %v", meta.CallID, err)
		return res, err
	}
	res.RecordingID = id
	log.Printf("REC [%s]: uploaded %d bytes as %s", meta.CallID, res.Size, id)
	return res, nil
}

func splitKey(key string) (string, webrtc.RTPCodecType) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return key[:i], webrtc.NewRTPCodecType(key[i+1:])
		}
	}
	return key, 0
}
