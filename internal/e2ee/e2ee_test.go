package e2ee

import (
	"bytes"
	"testing"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustKey(t *testing.T, callID string, alg Algorithm) *Key {
	t.Helper()
	k, err := GenerateKey(callID, alg)
	require.NoError(t, err)
	return k
}

func TestImportIsDeterministicPerCall(t *testing.T) {
	material := bytes.Repeat([]byte{7}, MaterialSize)

	a, err := ImportKey("call-1", material, AESGCM)
	require.NoError(t, err)
	b, err := ImportEncoded("call-1", a.Export(), AESGCM)
	require.NoError(t, err)
	c, err := ImportKey("call-2", material, AESGCM)
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, c.ID)

	_, err = ImportKey("call-1", []byte{1, 2}, AESGCM)
	assert.ErrorIs(t, err, ErrBadMaterial)
	_, err = ImportKey("call-1", material, "rot13")
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)
	_, err = ImportEncoded("call-1", "%%%", AESGCM)
	assert.Error(t, err)
}

func TestSealOpenRoundTrip(t *testing.T) {
	for _, alg := range []Algorithm{AESGCM, ChaCha20Poly1305} {
		t.Run(string(alg), func(t *testing.T) {
			k := mustKey(t, "call", alg)
			sender := NewKeyRing(false)
			sender.SetCurrent(k)

			receiver := NewKeyRing(false)
			imported, err := ImportEncoded("call", k.Export(), alg)
			require.NoError(t, err)
			receiver.Add(imported)

			frame := []byte("an encoded frame")
			sealed, res, err := sender.Seal(frame)
			require.NoError(t, err)
			assert.Equal(t, ResultEncrypted, res)
			assert.Len(t, sealed, len(frame)+Overhead)
			assert.NotContains(t, string(sealed), string(frame))

			plain, res := receiver.Open(sealed)
			assert.Equal(t, ResultDecrypted, res)
			assert.Equal(t, frame, plain)
		})
	}
}

func TestSealWithoutKeyPassesThrough(t *testing.T) {
	r := NewKeyRing(false)
	frame := []byte{1, 2, 3}
	out, res, err := r.Seal(frame)
	require.NoError(t, err)
	assert.Equal(t, ResultPlain, res)
	assert.Equal(t, frame, out)
}

func TestOpenPassesThroughBeforeAnyKey(t *testing.T) {
	sender := NewKeyRing(false)
	sender.SetCurrent(mustKey(t, "call", AESGCM))
	sealed, _, err := sender.Seal([]byte("early"))
	require.NoError(t, err)

	empty := NewKeyRing(true)
	out, res := empty.Open(sealed)
	assert.Equal(t, ResultPlain, res)
	assert.Equal(t, sealed, out)

	out, res = empty.Open([]byte("no header"))
	assert.Equal(t, ResultPlain, res)
	assert.Equal(t, []byte("no header"), out)
}

func TestOpenWithUnrelatedKeyDrops(t *testing.T) {
	sender := NewKeyRing(false)
	sender.SetCurrent(mustKey(t, "call", AESGCM))
	sealed, _, err := sender.Seal([]byte("secret"))
	require.NoError(t, err)

	receiver := NewKeyRing(true)
	receiver.SetCurrent(mustKey(t, "call", AESGCM))

	out, res := receiver.Open(sealed)
	assert.Equal(t, ResultDropped, res)
	assert.Nil(t, out)
}

func TestOpenFallsBackToCurrentKey(t *testing.T) {
	k := mustKey(t, "call", ChaCha20Poly1305)
	sender := NewKeyRing(false)
	sender.SetCurrent(k)
	sealed, _, err := sender.Seal([]byte("payload"))
	require.NoError(t, err)

	// Corrupt the key id so lookup misses.
	sealed[1] ^= 0xff

	withFallback := NewKeyRing(true)
	withFallback.SetCurrent(k)
	plain, res := withFallback.Open(sealed)
	assert.Equal(t, ResultFallback, res)
	assert.Equal(t, []byte("payload"), plain)

	strict := NewKeyRing(false)
	strict.SetCurrent(k)
	_, res = strict.Open(sealed)
	assert.Equal(t, ResultDropped, res)
}

func TestTamperedFrameDrops(t *testing.T) {
	k := mustKey(t, "call", AESGCM)
	r := NewKeyRing(true)
	r.SetCurrent(k)
	sealed, _, err := r.Seal([]byte("payload"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 1

	_, res := r.Open(sealed)
	assert.Equal(t, ResultDropped, res)
}

func TestAdoptIfNone(t *testing.T) {
	r := NewKeyRing(false)
	first := mustKey(t, "call", AESGCM)
	second := mustKey(t, "call", AESGCM)

	assert.True(t, r.AdoptIfNone(first))
	assert.False(t, r.AdoptIfNone(second))
	assert.Equal(t, first.ID, r.Current().ID)
	assert.Equal(t, 2, r.Len())

	r.Clear()
	assert.Nil(t, r.Current())
	assert.Zero(t, r.Len())
}

func TestInterceptorRoundTrip(t *testing.T) {
	k := mustKey(t, "call", AESGCM)
	sendRing := NewKeyRing(false)
	sendRing.SetCurrent(k)
	recvRing := NewKeyRing(false)
	recvRing.Add(k)

	var results []Result
	send, err := NewFactory(sendRing, nil).NewInterceptor("a")
	require.NoError(t, err)
	recv, err := NewFactory(recvRing, func(r Result) { results = append(results, r) }).NewInterceptor("b")
	require.NoError(t, err)

	var wire [][]byte
	writer := send.BindLocalStream(&interceptor.StreamInfo{SSRC: 1, MimeType: "video/VP8"},
		interceptor.RTPWriterFunc(func(h *rtp.Header, payload []byte, _ interceptor.Attributes) (int, error) {
			pkt := rtp.Packet{Header: *h, Payload: payload}
			raw, err := pkt.Marshal()
			if err != nil {
				return 0, err
			}
			wire = append(wire, raw)
			return len(raw), nil
		}))

	hdr := &rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: 10, SSRC: 1}
	_, err = writer.Write(hdr, []byte("frame-1"), nil)
	require.NoError(t, err)

	// A forged packet the receiver cannot open, then a real one.
	forged := rtp.Packet{Header: *hdr, Payload: append([]byte{frameMagic}, bytes.Repeat([]byte{9}, Overhead)...)}
	forgedRaw, err := forged.Marshal()
	require.NoError(t, err)
	queue := [][]byte{forgedRaw, wire[0]}

	reader := recv.BindRemoteStream(&interceptor.StreamInfo{SSRC: 1},
		interceptor.RTPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
			next := queue[0]
			queue = queue[1:]
			return copy(b, next), a, nil
		}))

	buf := make([]byte, 1500)
	n, _, err := reader.Read(buf, nil)
	require.NoError(t, err)

	var got rtp.Packet
	require.NoError(t, got.Unmarshal(buf[:n]))
	assert.Equal(t, []byte("frame-1"), got.Payload)
	assert.Equal(t, uint16(10), got.SequenceNumber)
	assert.Equal(t, []Result{ResultDropped, ResultDecrypted}, results)

	fi := recv.(*frameInterceptor)
	assert.Equal(t, 1, fi.Bound())
	recv.UnbindRemoteStream(&interceptor.StreamInfo{SSRC: 1})
	assert.Zero(t, fi.Bound())
	require.NoError(t, send.Close())
	assert.Zero(t, send.(*frameInterceptor).Bound())
}

func TestLateKeyActivatesBoundStream(t *testing.T) {
	sendRing := NewKeyRing(false)
	recvRing := NewKeyRing(false)

	var sent, received []Result
	send, err := NewFactory(sendRing, func(r Result) { sent = append(sent, r) }).NewInterceptor("a")
	require.NoError(t, err)
	recv, err := NewFactory(recvRing, func(r Result) { received = append(received, r) }).NewInterceptor("b")
	require.NoError(t, err)

	// Both streams are bound while neither side holds a key.
	var wire [][]byte
	writer := send.BindLocalStream(&interceptor.StreamInfo{SSRC: 7, MimeType: "video/VP8"},
		interceptor.RTPWriterFunc(func(h *rtp.Header, payload []byte, _ interceptor.Attributes) (int, error) {
			raw, err := (&rtp.Packet{Header: *h, Payload: payload}).Marshal()
			if err != nil {
				return 0, err
			}
			wire = append(wire, raw)
			return len(raw), nil
		}))
	reader := recv.BindRemoteStream(&interceptor.StreamInfo{SSRC: 7},
		interceptor.RTPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
			next := wire[0]
			wire = wire[1:]
			return copy(b, next), a, nil
		}))

	hdr := &rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: 1, SSRC: 7}
	_, err = writer.Write(hdr, []byte("early"), nil)
	require.NoError(t, err)
	require.Len(t, wire, 1)
	assert.Equal(t, []Result{ResultPlain}, sent)

	buf := make([]byte, 1500)
	n, _, err := reader.Read(buf, nil)
	require.NoError(t, err)
	var got rtp.Packet
	require.NoError(t, got.Unmarshal(buf[:n]))
	assert.Equal(t, []byte("early"), got.Payload)

	// The key arrives after binding; the same writer and reader pick it up.
	k := mustKey(t, "call", AESGCM)
	sendRing.SetCurrent(k)
	require.True(t, recvRing.AdoptIfNone(k))

	hdr.SequenceNumber = 2
	_, err = writer.Write(hdr, []byte("late"), nil)
	require.NoError(t, err)
	require.Len(t, wire, 1)
	assert.Equal(t, []Result{ResultPlain, ResultEncrypted}, sent)

	var onWire rtp.Packet
	require.NoError(t, onWire.Unmarshal(wire[0]))
	assert.NotContains(t, string(onWire.Payload), "late")

	n, _, err = reader.Read(buf, nil)
	require.NoError(t, err)
	require.NoError(t, got.Unmarshal(buf[:n]))
	assert.Equal(t, []byte("late"), got.Payload)
	assert.Equal(t, uint16(2), got.SequenceNumber)
	assert.Equal(t, []Result{ResultPlain, ResultDecrypted}, received)
}
