package recording

import (
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"log"
	"os/exec"
	"strconv"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// Remote media arrives as RTP. An ffmpeg child per remote track turns it
// back into raw frames or PCM: the packets are framed as IVF (VP8) or Ogg
// (Opus) on ffmpeg's stdin, and raw output is read from its stdout.

type rtpSink interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

type remoteDecoder struct {
	name  string
	cmd   *exec.Cmd
	stdin io.WriteCloser
	sink  rtpSink

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// ffmpegAvailable resolves the ffmpeg binary.
func ffmpegAvailable(path string) (string, error) {
	if path == "" {
		path = "ffmpeg"
	}
	p, err := exec.LookPath(path)
	if err != nil {
		return "", fmt.Errorf("ffmpeg not found: %w", err)
	}
	return p, nil
}

func startVideoDecoder(ffmpeg, name string, w, h int, onFrame func(*image.RGBA)) (*remoteDecoder, error) {
	scale := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2", w, h, w, h)
	cmd := exec.Command(ffmpeg,
		"-loglevel", "error",
		"-f", "ivf",
		"-i", "pipe:0",
		"-vf", scale,
		"-pix_fmt", "rgba",
		"-f", "rawvideo",
		"pipe:1",
	)
	d, stdout, err := startDecoder(name, cmd)
	if err != nil {
		return nil, err
	}
	sink, err := ivfwriter.NewWith(d.stdin)
	if err != nil {
		d.abort()
		return nil, err
	}
	d.sink = sink

	go func() {
		defer close(d.done)
		size := w * h * 4
		for {
			buf := make([]byte, size)
			if _, err := io.ReadFull(stdout, buf); err != nil {
				return
			}
			onFrame(&image.RGBA{Pix: buf, Stride: w * 4, Rect: image.Rect(0, 0, w, h)})
		}
	}()
	return d, nil
}

func startAudioDecoder(ffmpeg, name string, onPCM func([]int16)) (*remoteDecoder, error) {
	cmd := exec.Command(ffmpeg,
		"-loglevel", "error",
		"-f", "ogg",
		"-i", "pipe:0",
		"-f", "s16le",
		"-ac", "1",
		"-ar", strconv.Itoa(48000),
		"pipe:1",
	)
	d, stdout, err := startDecoder(name, cmd)
	if err != nil {
		return nil, err
	}
	sink, err := oggwriter.NewWith(d.stdin, 48000, 2)
	if err != nil {
		d.abort()
		return nil, err
	}
	d.sink = sink

	go func() {
		defer close(d.done)
		buf := make([]byte, 960*2)
		for {
			n, err := io.ReadFull(stdout, buf)
			if n >= 2 {
				samples := make([]int16, n/2)
				for i := range samples {
					samples[i] = int16(binary.LittleEndian.Uint16(buf[2*i:]))
				}
				onPCM(samples)
			}
			if err != nil {
				return
			}
		}
	}()
	return d, nil
}

func startDecoder(name string, cmd *exec.Cmd) (*remoteDecoder, io.Reader, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start ffmpeg for %s: %w", name, err)
	}
	return &remoteDecoder{name: name, cmd: cmd, stdin: stdin, done: make(chan struct{})}, stdout, nil
}

// WriteRTP feeds one packet. Errors after Close are swallowed.
func (d *remoteDecoder) WriteRTP(p *rtp.Packet) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.sink == nil {
		return nil
	}
	return d.sink.WriteRTP(p)
}

// Close ends ffmpeg's input and waits for it to exit.
func (d *remoteDecoder) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	if d.sink != nil {
		_ = d.sink.Close()
	}
	_ = d.stdin.Close()
	d.mu.Unlock()

	// stdout must be drained before Wait closes it.
	<-d.done
	if err := d.cmd.Wait(); err != nil {
		log.Printf("REC: decoder %s exited: %v", d.name, err)
	}
}

// abort kills a decoder whose reader never started.
func (d *remoteDecoder) abort() {
	_ = d.stdin.Close()
	_ = d.cmd.Process.Kill()
	_ = d.cmd.Wait()
}
