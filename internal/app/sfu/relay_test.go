package sfu

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/dmeet/internal/core"
	"github.com/dkeye/dmeet/internal/domain"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

type chanTrack struct {
	id, stream string
	kind       domain.MediaKind
	packets    chan *rtp.Packet
}

func newChanTrack(id, stream string, kind domain.MediaKind) *chanTrack {
	return &chanTrack{id: id, stream: stream, kind: kind, packets: make(chan *rtp.Packet, 16)}
}

func (t *chanTrack) ID() string             { return t.id }
func (t *chanTrack) StreamID() string       { return t.stream }
func (t *chanTrack) Kind() domain.MediaKind { return t.kind }

func (t *chanTrack) ReadRTP() (*rtp.Packet, error) {
	p, ok := <-t.packets
	if !ok {
		return nil, io.EOF
	}
	return p, nil
}

type collector struct {
	mu   sync.Mutex
	seqs []uint16
	fail bool
}

func (c *collector) WriteRTP(p *rtp.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("sink closed")
	}
	c.seqs = append(c.seqs, p.SequenceNumber)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seqs)
}

func packet(seq uint16, n int) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{SequenceNumber: seq}, Payload: make([]byte, n)}
}

func TestSinkDetachesOnce(t *testing.T) {
	s := NewSink("out", &collector{})
	require.False(t, s.Detached())
	require.True(t, s.detach())
	require.False(t, s.detach())
	require.True(t, s.Detached())
}

func TestRelayFansOutAndCounts(t *testing.T) {
	track := newChanTrack("t1", "s1", domain.KindAudio)
	c := &collector{}
	m := NewRelayManager(func(_ core.RemoteTrack) (string, PacketWriter) { return "out", c })
	relay := m.StartRelay(context.Background(), track)
	require.True(t, m.HasRelay("t1"))
	require.Equal(t, 2, relay.SinkCount())

	track.packets <- packet(1, 10)
	track.packets <- packet(2, 20)
	require.Eventually(t, func() bool { return c.count() == 2 }, time.Second, 5*time.Millisecond)

	stats := m.Stats()
	require.Len(t, stats, 1)
	require.EqualValues(t, 2, stats[0].Packets)
	require.EqualValues(t, 30, stats[0].Bytes)
	require.Equal(t, "s1", stats[0].StreamID)
	require.False(t, stats[0].LastSeen.IsZero())

	close(track.packets)
	<-relay.Done()
	require.True(t, m.HasRelay("t1"))
}

func TestRelayDropsFailingSink(t *testing.T) {
	track := newChanTrack("t1", "s1", domain.KindVideo)
	bad := &collector{fail: true}
	m := NewRelayManager(func(core.RemoteTrack) (string, PacketWriter) { return "bad", bad })
	relay := m.StartRelay(context.Background(), track)

	track.packets <- packet(1, 1)
	require.Eventually(t, func() bool { return relay.SinkCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return m.Stats()[0].Packets == 1 }, time.Second, 5*time.Millisecond)
	close(track.packets)
}

func TestMutedStreamSkipsSinks(t *testing.T) {
	audio := newChanTrack("a", "s1", domain.KindAudio)
	video := newChanTrack("v", "s1", domain.KindVideo)
	m := NewRelayManager()
	m.SetMuted("s1", domain.KindVideo, true)
	m.StartRelay(context.Background(), audio)
	m.StartRelay(context.Background(), video)

	video.packets <- packet(1, 5)
	audio.packets <- packet(1, 5)
	require.Eventually(t, func() bool {
		stats := m.Stats()
		return stats[0].Packets == 1 && stats[1].Skipped == 1
	}, time.Second, 5*time.Millisecond)

	stats := m.Stats()
	require.Equal(t, domain.KindAudio, stats[0].Kind)
	require.False(t, stats[0].Muted)
	require.Equal(t, domain.KindVideo, stats[1].Kind)
	require.True(t, stats[1].Muted)
	require.Zero(t, stats[1].Packets)

	m.SetMuted("s1", domain.KindVideo, false)
	video.packets <- packet(2, 5)
	require.Eventually(t, func() bool { return m.Stats()[1].Packets == 1 }, time.Second, 5*time.Millisecond)
	close(audio.packets)
	close(video.packets)
}

func TestStopStreamRemovesRelays(t *testing.T) {
	a := newChanTrack("a", "s1", domain.KindAudio)
	b := newChanTrack("b", "s2", domain.KindAudio)
	m := NewRelayManager()
	m.StartRelay(context.Background(), b)

	relay := m.StartRelay(context.Background(), a)
	require.Equal(t, 1, relay.SinkCount())

	m.StopStream("s1")
	require.Zero(t, relay.SinkCount())
	require.False(t, m.HasRelay("a"))
	require.True(t, m.HasRelay("b"))

	m.StopAll()
	require.Empty(t, m.Stats())
	close(a.packets)
	close(b.packets)
}
