package recording

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"sync"
)

// EBML element helpers for the recording container. Sizes are written with
// at most four bytes, which bounds a single element to 256 MiB.

func ebmlVint(v uint64) []byte {
	switch {
	case v < 0x7F:
		return []byte{byte(0x80 | v)}
	case v < 0x3FFF:
		return []byte{byte(0x40 | (v >> 8)), byte(v)}
	case v < 0x1FFFFF:
		return []byte{byte(0x20 | (v >> 16)), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(0x10 | (v >> 24)), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

var ebmlUnknownSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func ebmlElem(id, data []byte) []byte {
	b := make([]byte, 0, len(id)+4+len(data))
	b = append(b, id...)
	b = append(b, ebmlVint(uint64(len(data)))...)
	return append(b, data...)
}

func ebmlUint(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	n := 0
	for x := v; x > 0; x >>= 8 {
		n++
	}
	b := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func ebmlFloat(f float32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, math.Float32bits(f))
	return b
}

func ebmlConcat(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

var (
	idEBML         = []byte{0x1A, 0x45, 0xDF, 0xA3}
	idEBMLVersion  = []byte{0x42, 0x86}
	idEBMLReadVer  = []byte{0x42, 0xF7}
	idEBMLMaxIDLen = []byte{0x42, 0xF2}
	idEBMLMaxSzLen = []byte{0x42, 0xF3}
	idDocType      = []byte{0x42, 0x82}
	idDocTypeVer   = []byte{0x42, 0x87}
	idDocTypeRdVer = []byte{0x42, 0x85}
	idSegment      = []byte{0x18, 0x53, 0x80, 0x67}
	idInfo         = []byte{0x15, 0x49, 0xA9, 0x66}
	idTcScale      = []byte{0x2A, 0xD7, 0xB1}
	idMuxApp       = []byte{0x4D, 0x80}
	idWrtApp       = []byte{0x57, 0x41}
	idTracks       = []byte{0x16, 0x54, 0xAE, 0x6B}
	idTrackEntry   = []byte{0xAE}
	idTrackNum     = []byte{0xD7}
	idTrackUID     = []byte{0x73, 0xC5}
	idTrackType    = []byte{0x83}
	idCodecID      = []byte{0x86}
	idCodecPrv     = []byte{0x63, 0xA2}
	idVideo        = []byte{0xE0}
	idPixelW       = []byte{0xB0}
	idPixelH       = []byte{0xBA}
	idAudio        = []byte{0xE1}
	idSampFreq     = []byte{0xB5}
	idChannels     = []byte{0x9F}
	idCluster      = []byte{0x1F, 0x43, 0xB6, 0x75}
	idTimecode     = []byte{0xE7}
	idSimpleBlock  = []byte{0xA3}
)

// OpusHead for mono 48 kHz.
var opusHead = []byte{
	'O', 'p', 'u', 's', 'H', 'e', 'a', 'd',
	0x01,
	0x01,
	0x38, 0x01,
	0x80, 0xBB, 0x00, 0x00,
	0x00, 0x00,
	0x00,
}

// maxClusterMs keeps SimpleBlock offsets well inside int16 and gives
// players a seek point at least once a second.
const maxClusterMs = 1000

// webmWriter muxes VP8 and/or Opus frames into an in-memory WebM file made
// of chunks: the header, then one chunk per cluster.
type webmWriter struct {
	mu     sync.Mutex
	chunks [][]byte
	size   int

	videoTrack int // 0 when absent
	audioTrack int

	clusterOpen  bool
	clusterStart int64
	blocks       bytes.Buffer
}

func newWebmWriter(width, height int, withVideo, withAudio bool) *webmWriter {
	w := &webmWriter{}
	n := 0
	if withVideo {
		n++
		w.videoTrack = n
	}
	if withAudio {
		n++
		w.audioTrack = n
	}
	w.appendChunk(w.header(width, height))
	return w
}

func (w *webmWriter) header(width, height int) []byte {
	var buf bytes.Buffer
	buf.Write(ebmlElem(idEBML, ebmlConcat(
		ebmlElem(idEBMLVersion, ebmlUint(1)),
		ebmlElem(idEBMLReadVer, ebmlUint(1)),
		ebmlElem(idEBMLMaxIDLen, ebmlUint(4)),
		ebmlElem(idEBMLMaxSzLen, ebmlUint(8)),
		ebmlElem(idDocType, []byte("webm")),
		ebmlElem(idDocTypeVer, ebmlUint(2)),
		ebmlElem(idDocTypeRdVer, ebmlUint(2)),
	)))

	buf.Write(idSegment)
	buf.Write(ebmlUnknownSize)

	buf.Write(ebmlElem(idInfo, ebmlConcat(
		ebmlElem(idTcScale, ebmlUint(1000000)),
		ebmlElem(idMuxApp, []byte("callcore")),
		ebmlElem(idWrtApp, []byte("callcore")),
	)))

	var tracks []byte
	if w.videoTrack > 0 {
		tracks = append(tracks, ebmlElem(idTrackEntry, ebmlConcat(
			ebmlElem(idTrackNum, ebmlUint(uint64(w.videoTrack))),
			ebmlElem(idTrackUID, ebmlUint(uint64(w.videoTrack))),
			ebmlElem(idTrackType, ebmlUint(1)),
			ebmlElem(idCodecID, []byte("V_VP8")),
			ebmlElem(idVideo, ebmlConcat(
				ebmlElem(idPixelW, ebmlUint(uint64(width))),
				ebmlElem(idPixelH, ebmlUint(uint64(height))),
			)),
		))...)
	}
	if w.audioTrack > 0 {
		tracks = append(tracks, ebmlElem(idTrackEntry, ebmlConcat(
			ebmlElem(idTrackNum, ebmlUint(uint64(w.audioTrack))),
			ebmlElem(idTrackUID, ebmlUint(uint64(w.audioTrack))),
			ebmlElem(idTrackType, ebmlUint(2)),
			ebmlElem(idCodecID, []byte("A_OPUS")),
			ebmlElem(idCodecPrv, opusHead),
			ebmlElem(idAudio, ebmlConcat(
				ebmlElem(idSampFreq, ebmlFloat(48000)),
				ebmlElem(idChannels, ebmlUint(1)),
			)),
		))...)
	}
	buf.Write(ebmlElem(idTracks, tracks))
	return buf.Bytes()
}

func simpleBlock(track int, relMs int16, keyframe bool, data []byte) []byte {
	tv := ebmlVint(uint64(track))
	content := make([]byte, len(tv)+3+len(data))
	copy(content, tv)
	binary.BigEndian.PutUint16(content[len(tv):], uint16(relMs))
	if keyframe {
		content[len(tv)+2] = 0x80
	}
	copy(content[len(tv)+3:], data)
	return ebmlElem(idSimpleBlock, content)
}

// WriteVideo adds one encoded VP8 frame at tsMs since recording start.
// Keyframes open a new cluster.
func (w *webmWriter) WriteVideo(tsMs int64, keyframe bool, data []byte) {
	if w.videoTrack == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if keyframe {
		w.flushLocked()
	}
	w.writeLocked(w.videoTrack, tsMs, keyframe, data)
}

// WriteAudio adds one Opus packet at tsMs since recording start.
func (w *webmWriter) WriteAudio(tsMs int64, data []byte) {
	if w.audioTrack == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	// Audio-only files mark every block as a keyframe so players can seek.
	w.writeLocked(w.audioTrack, tsMs, w.videoTrack == 0, data)
}

func (w *webmWriter) writeLocked(track int, tsMs int64, keyframe bool, data []byte) {
	if w.clusterOpen && tsMs-w.clusterStart >= maxClusterMs {
		w.flushLocked()
	}
	if !w.clusterOpen {
		w.clusterOpen = true
		w.clusterStart = tsMs
		w.blocks.Reset()
	}
	rel := tsMs - w.clusterStart
	if rel < math.MinInt16 {
		return
	}
	w.blocks.Write(simpleBlock(track, int16(rel), keyframe, data))
}

func (w *webmWriter) flushLocked() {
	if !w.clusterOpen || w.blocks.Len() == 0 {
		w.clusterOpen = false
		return
	}
	start := w.clusterStart
	if start < 0 {
		start = 0
	}
	w.appendChunk(ebmlElem(idCluster, ebmlConcat(
		ebmlElem(idTimecode, ebmlUint(uint64(start))),
		w.blocks.Bytes(),
	)))
	w.clusterOpen = false
	w.blocks.Reset()
}

func (w *webmWriter) appendChunk(b []byte) {
	w.chunks = append(w.chunks, b)
	w.size += len(b)
}

// Close flushes the open cluster.
func (w *webmWriter) Close() {
	w.mu.Lock()
	w.flushLocked()
	w.mu.Unlock()
}

// Size is the number of bytes written so far, header included.
func (w *webmWriter) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Clusters reports how many clusters have been flushed.
func (w *webmWriter) Clusters() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.chunks) - 1
}

// Reader returns the finished file. Call after Close.
func (w *webmWriter) Reader() io.Reader {
	w.mu.Lock()
	defer w.mu.Unlock()
	readers := make([]io.Reader, len(w.chunks))
	for i, c := range w.chunks {
		readers[i] = bytes.NewReader(c)
	}
	return io.MultiReader(readers...)
}

// vp8Keyframe reports whether an encoded VP8 frame is a keyframe: bit 0 of
// the frame tag is clear.
func vp8Keyframe(frame []byte) bool {
	return len(frame) > 0 && frame[0]&0x01 == 0
}
