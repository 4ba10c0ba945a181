package e2ee

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/dkeye/dmeet/internal/core"
	"github.com/dkeye/dmeet/internal/domain"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

type fakeEndpoint struct {
	kind domain.MediaKind
	in   chan core.EncodedFrame
	out  chan core.EncodedFrame
	tr   core.FrameTransformer
}

func newEndpoint(kind domain.MediaKind) *fakeEndpoint {
	return &fakeEndpoint{kind: kind, in: make(chan core.EncodedFrame, 4), out: make(chan core.EncodedFrame, 4)}
}

func (e *fakeEndpoint) Kind() domain.MediaKind { return e.kind }

func (e *fakeEndpoint) EncodedStreams() (core.EncodedStreams, error) {
	return core.EncodedStreams{Readable: e.in, Writable: e.out}, nil
}

func (e *fakeEndpoint) SetTransform(t core.FrameTransformer) error {
	e.tr = t
	return nil
}

// push sends one frame through whatever the pipeline attached.
func (e *fakeEndpoint) push(f core.EncodedFrame, wait time.Duration) (core.EncodedFrame, bool) {
	if e.tr != nil {
		return e.tr.Transform(f)
	}
	e.in <- f
	select {
	case out, ok := <-e.out:
		return out, ok
	case <-time.After(wait):
		return core.EncodedFrame{}, false
	}
}

func frame(kind domain.MediaKind, payload []byte) core.EncodedFrame {
	return core.EncodedFrame{Kind: kind, Header: rtp.Header{SSRC: 42, SequenceNumber: 7}, Payload: payload}
}

func TestImportKeyLengths(t *testing.T) {
	for _, n := range []int{16, 24, 32} {
		_, err := ImportKey(bytes.Repeat([]byte{1}, n))
		require.NoError(t, err, n)
	}
	_, err := ImportKey([]byte("short"))
	require.ErrorIs(t, err, domain.ErrE2EEKey)
}

func TestFrameCipherRoundTrip(t *testing.T) {
	aead, err := ImportKey(testKey)
	require.NoError(t, err)
	fc := newFrameCipher(aead)

	payload := bytes.Repeat([]byte{0xAB}, 100)
	payload[0] = 0x10
	enc, err := fc.encrypt(domain.KindVideo, payload)
	require.NoError(t, err)
	require.Len(t, enc, len(payload)+aead.Overhead()+ivSize)
	require.Equal(t, payload[:10], enc[:10])
	require.NotEqual(t, payload[10:20], enc[10:20])

	dec, err := fc.decrypt(domain.KindVideo, enc)
	require.NoError(t, err)
	require.Equal(t, payload, dec)

	short := []byte{0x01}
	enc, err = fc.encrypt(domain.KindVideo, short)
	require.NoError(t, err)
	dec, err = fc.decrypt(domain.KindVideo, enc)
	require.NoError(t, err)
	require.Equal(t, short, dec)
}

func TestFrameCipherRejectsTampering(t *testing.T) {
	aead, err := ImportKey(testKey)
	require.NoError(t, err)
	fc := newFrameCipher(aead)

	enc, err := fc.encrypt(domain.KindAudio, []byte("opus frame payload"))
	require.NoError(t, err)

	body := append([]byte(nil), enc...)
	body[3] ^= 0xFF
	_, err = fc.decrypt(domain.KindAudio, body)
	require.Error(t, err)

	prefix := append([]byte(nil), enc...)
	prefix[0] ^= 0xFF
	_, err = fc.decrypt(domain.KindAudio, prefix)
	require.Error(t, err)

	_, err = fc.decrypt(domain.KindAudio, []byte{1, 2, 3})
	require.ErrorIs(t, err, errShortFrame)
}

func TestWorkerDropsWithoutKey(t *testing.T) {
	w := NewWorker()
	defer w.Close()

	_, ok := w.Transformer(OpEncode, domain.KindAudio).Transform(frame(domain.KindAudio, []byte("abc")))
	require.False(t, ok)

	require.ErrorIs(t, w.SetKey(context.Background(), []byte("bad")), domain.ErrE2EEKey)
	_, ok = w.Transformer(OpDecode, domain.KindAudio).Transform(frame(domain.KindAudio, []byte("abc")))
	require.False(t, ok)
}

func TestStreamsAttachBeforeKeyDrops(t *testing.T) {
	p := NewPipeline(StrategyStreams, false)
	defer p.Close()

	ep := newEndpoint(domain.KindAudio)
	require.NoError(t, p.AttachSender(context.Background(), ep))

	_, ok := ep.push(frame(domain.KindAudio, []byte("early")), 50*time.Millisecond)
	require.False(t, ok)

	require.NoError(t, p.SetKey(context.Background(), testKey))
	out, ok := ep.push(frame(domain.KindAudio, []byte("late")), time.Second)
	require.True(t, ok)
	require.NotEqual(t, []byte("late"), out.Payload)
	require.Equal(t, uint32(42), out.Header.SSRC)
}

func TestStrategiesProduceSameStream(t *testing.T) {
	ctx := context.Background()
	streams := NewPipeline(StrategyStreams, true)
	defer streams.Close()
	script := NewPipeline(StrategyScript, true)
	defer script.Close()
	require.Equal(t, StrategyStreams, streams.Strategy())
	require.Equal(t, StrategyScript, script.Strategy())

	require.NoError(t, streams.SetKey(ctx, testKey))
	require.NoError(t, script.SetKey(ctx, testKey))

	sendA, recvA := newEndpoint(domain.KindVideo), newEndpoint(domain.KindVideo)
	sendB, recvB := newEndpoint(domain.KindVideo), newEndpoint(domain.KindVideo)
	require.NoError(t, streams.AttachSender(ctx, sendA))
	require.NoError(t, script.AttachReceiver(ctx, recvA))
	require.NoError(t, script.AttachSender(ctx, sendB))
	require.NoError(t, streams.AttachReceiver(ctx, recvB))
	require.NotNil(t, recvA.tr)
	require.Nil(t, recvB.tr)

	payload := bytes.Repeat([]byte("vp8-frame-"), 20)

	encA, ok := sendA.push(frame(domain.KindVideo, payload), time.Second)
	require.True(t, ok)
	encB, ok := sendB.push(frame(domain.KindVideo, payload), time.Second)
	require.True(t, ok)
	require.Len(t, encB.Payload, len(encA.Payload))
	require.Equal(t, encA.Payload[:10], encB.Payload[:10])

	decA, ok := recvA.push(encA, time.Second)
	require.True(t, ok)
	decB, ok := recvB.push(encB, time.Second)
	require.True(t, ok)
	require.Equal(t, payload, decA.Payload)
	require.Equal(t, payload, decB.Payload)
}

func TestPumpClosesWritableWhenReadableEnds(t *testing.T) {
	p := NewPipeline(StrategyStreams, false)
	defer p.Close()

	ep := newEndpoint(domain.KindAudio)
	require.NoError(t, p.AttachReceiver(context.Background(), ep))
	close(ep.in)

	select {
	case _, ok := <-ep.out:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("writable not closed")
	}
}

func TestKeyReady(t *testing.T) {
	p := NewPipeline(StrategyAuto, false)
	defer p.Close()

	select {
	case <-p.KeyReady():
		t.Fatal("ready before key")
	default:
	}
	require.Error(t, p.SetKey(context.Background(), []byte("nope")))
	require.NoError(t, p.SetKey(context.Background(), testKey))
	select {
	case <-p.KeyReady():
	default:
		t.Fatal("not ready after key")
	}
}

func TestResolveStrategy(t *testing.T) {
	require.Equal(t, StrategyScript, ResolveStrategy(StrategyAuto, true))
	require.Equal(t, StrategyStreams, ResolveStrategy(StrategyAuto, false))
	require.Equal(t, StrategyStreams, ResolveStrategy(StrategyScript, false))
	require.Equal(t, StrategyStreams, ResolveStrategy(StrategyStreams, true))
}
