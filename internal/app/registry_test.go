package app

import (
	"testing"
	"time"

	"github.com/dkeye/dmeet/internal/core"
	"github.com/dkeye/dmeet/internal/domain"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeClock struct{ timers []*fakeTimer }

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Stopper {
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) fire(i int) {
	if t := c.timers[i]; !t.stopped {
		t.f()
	}
}

type fakeRemote struct {
	id, stream string
	kind       domain.MediaKind
}

func (f fakeRemote) ID() string                    { return f.id }
func (f fakeRemote) StreamID() string              { return f.stream }
func (f fakeRemote) Kind() domain.MediaKind        { return f.kind }
func (f fakeRemote) ReadRTP() (*rtp.Packet, error) { return nil, nil }

type harness struct {
	reg    *Registry
	clock  *fakeClock
	posted []core.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{clock: &fakeClock{}}
	h.reg = NewRegistry("me", RegistryOptions{
		MessageTTL: 5 * time.Second,
		AfterFunc:  h.clock.AfterFunc,
		Post:       func(ev core.Event) { h.posted = append(h.posted, ev) },
	})
	return h
}

// drain applies events posted by timers, like the session loop would.
func (h *harness) drain() {
	evs := h.posted
	h.posted = nil
	for _, ev := range evs {
		h.reg.Apply(ev)
	}
}

func boolp(b bool) *bool { return &b }

func member(uid string) core.ParticipantInfo {
	return core.ParticipantInfo{
		Participant: domain.Participant{UID: uid, Name: "user-" + uid},
		AudioMuted:  boolp(false),
		VideoMuted:  boolp(true),
	}
}

func withStream(p core.ParticipantInfo, streamID string) core.ParticipantInfo {
	p.StreamID = streamID
	return p
}

func TestJoinIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.reg.Apply(core.JoinEvent{Participant: member("a")})
	h.reg.Apply(core.StreamEvent{Participant: withStream(member("a"), "s-a")})
	h.reg.Apply(core.JoinEvent{Participant: member("a")})

	snap := h.reg.Snapshot()
	require.Len(t, snap.Participants, 1)
	require.Equal(t, "s-a", snap.Participants[0].StreamID)
}

func TestJoinIgnoresLocalUID(t *testing.T) {
	h := newHarness(t)
	h.reg.Apply(core.JoinEvent{Participant: member("me")})

	snap := h.reg.Snapshot()
	require.Empty(t, snap.Participants)
	require.NotContains(t, snap.Media, "me")
	require.Zero(t, snap.Version)
}

func TestJoinSeedsMediaFromMuteFlags(t *testing.T) {
	h := newHarness(t)
	h.reg.Apply(core.JoinEvent{Participant: member("a")})
	require.Equal(t, domain.MediaState{Audio: true, Video: false}, h.reg.Snapshot().Media["a"])
}

func TestLeaveIsTotal(t *testing.T) {
	h := newHarness(t)
	h.reg.Apply(core.JoinEvent{Participant: member("a")})
	h.reg.Apply(core.StreamEvent{Participant: withStream(member("a"), "s-a")})
	h.reg.Apply(core.TrackEvent{Track: fakeRemote{id: "t1", stream: "s-a", kind: domain.KindAudio}})
	h.reg.Apply(core.MessageEvent{UID: "a", Text: "hello"})
	require.Contains(t, h.reg.Snapshot().Streams, "s-a")

	h.reg.Apply(core.LeaveEvent{Participant: member("a")})

	snap := h.reg.Snapshot()
	require.Empty(t, snap.Participants)
	require.NotContains(t, snap.Streams, "s-a")
	require.NotContains(t, snap.Media, "a")
	require.NotContains(t, snap.Messages, "a")
	require.True(t, h.clock.timers[0].stopped)
}

func TestParticipantsMergesMediaState(t *testing.T) {
	h := newHarness(t)
	h.reg.Apply(core.MuteEvent{UID: "a", Kind: domain.KindAudio, Muted: false})

	noFlags := core.ParticipantInfo{Participant: domain.Participant{UID: "a"}}
	h.reg.Apply(core.ParticipantsEvent{Participants: []core.ParticipantInfo{noFlags}})

	st, ok := h.reg.Snapshot().Media["a"]
	require.True(t, ok)
	require.True(t, st.Audio)
	require.False(t, st.Video)
}

func TestParticipantsReplacesSet(t *testing.T) {
	h := newHarness(t)
	h.reg.Apply(core.JoinEvent{Participant: member("b")})
	h.reg.Apply(core.StreamEvent{Participant: withStream(member("b"), "s-b")})
	h.reg.Apply(core.TrackEvent{Track: fakeRemote{id: "t1", stream: "s-b", kind: domain.KindVideo}})

	h.reg.Apply(core.ParticipantsEvent{Participants: []core.ParticipantInfo{member("a"), member("c")}})

	snap := h.reg.Snapshot()
	uids := []string{}
	for _, p := range snap.Participants {
		uids = append(uids, p.UID)
	}
	require.Equal(t, []string{"a", "c"}, uids)
	require.NotContains(t, snap.Media, "b")
	require.NotContains(t, snap.Streams, "s-b")
	require.Equal(t, domain.MediaState{Audio: true}, snap.Media["c"])
}

func TestParticipantsKeepsKnownStreamID(t *testing.T) {
	h := newHarness(t)
	h.reg.Apply(core.StreamEvent{Participant: withStream(member("a"), "s-a")})
	h.reg.Apply(core.ParticipantsEvent{Participants: []core.ParticipantInfo{member("a")}})

	p, ok := h.reg.Snapshot().Participant("a")
	require.True(t, ok)
	require.Equal(t, "s-a", p.StreamID)
}

func TestMuteTogglesBothWays(t *testing.T) {
	h := newHarness(t)
	h.reg.Apply(core.MuteEvent{UID: "x", Kind: domain.KindAudio, Muted: true})
	require.Equal(t, domain.MediaState{}, h.reg.Snapshot().Media["x"])

	h.reg.Apply(core.MuteEvent{UID: "x", Kind: domain.KindAudio, Muted: false})
	require.True(t, h.reg.Snapshot().Media["x"].Audio)
	require.False(t, h.reg.Snapshot().Media["x"].Video)
}

func TestStreamInsertsOrUpdatesStreamIDOnly(t *testing.T) {
	h := newHarness(t)
	h.reg.Apply(core.JoinEvent{Participant: member("a")})

	renamed := withStream(member("a"), "s-a")
	renamed.Name = "other"
	h.reg.Apply(core.StreamEvent{Participant: renamed})

	p, _ := h.reg.Snapshot().Participant("a")
	require.Equal(t, "user-a", p.Name)
	require.Equal(t, "s-a", p.StreamID)

	h.reg.Apply(core.StreamEvent{Participant: withStream(member("z"), "s-z")})
	p, ok := h.reg.Snapshot().Participant("z")
	require.True(t, ok)
	require.Equal(t, "s-z", p.StreamID)
	require.Contains(t, h.reg.Snapshot().Media, "z")
}

func TestTrackBindsToParticipant(t *testing.T) {
	h := newHarness(t)
	h.reg.Apply(core.StreamEvent{Participant: withStream(member("a"), "s-a")})
	h.reg.Apply(core.TrackEvent{Track: fakeRemote{id: "t1", stream: "s-a", kind: domain.KindAudio}})
	h.reg.Apply(core.TrackEvent{Track: fakeRemote{id: "t2", stream: "s-a", kind: domain.KindVideo}})

	b, ok := h.reg.Snapshot().StreamOf("a")
	require.True(t, ok)
	require.Equal(t, "a", b.UID)
	require.Len(t, b.Remote, 2)
	require.ElementsMatch(t, []domain.MediaKind{domain.KindAudio, domain.KindVideo}, b.Kinds)
}

func TestCountIsIndependentOfRoster(t *testing.T) {
	h := newHarness(t)
	h.reg.Apply(core.JoinEvent{Participant: member("a")})
	h.reg.Apply(core.CountEvent{Participants: 2, Viewers: 3})

	snap := h.reg.Snapshot()
	require.Equal(t, 5, snap.Count)
	require.Len(t, snap.Participants, 1)
}

func TestPublishersHidesViewers(t *testing.T) {
	h := newHarness(t)
	viewer := member("v")
	viewer.NoPublish = true
	h.reg.Apply(core.ParticipantsEvent{Participants: []core.ParticipantInfo{member("a"), viewer}})

	pubs := h.reg.Snapshot().Publishers()
	require.Len(t, pubs, 1)
	require.Equal(t, "a", pubs[0].UID)
}

func TestMessageExpires(t *testing.T) {
	h := newHarness(t)
	h.reg.Apply(core.MessageEvent{UID: "a", Text: "hi"})
	require.Equal(t, "hi", h.reg.Snapshot().Messages["a"].Text)
	require.Len(t, h.clock.timers, 1)
	require.Equal(t, 5*time.Second, h.clock.timers[0].d)

	h.clock.fire(0)
	h.drain()
	require.NotContains(t, h.reg.Snapshot().Messages, "a")
}

func TestSecondMessageResetsExpiry(t *testing.T) {
	h := newHarness(t)
	h.reg.Apply(core.MessageEvent{UID: "a", Text: "one"})
	h.reg.Apply(core.MessageEvent{UID: "a", Text: "two"})
	require.True(t, h.clock.timers[0].stopped)
	require.Len(t, h.clock.timers, 2)

	// A stale expiry that raced the second message must not clear it.
	h.clock.timers[0].f()
	h.drain()
	require.Equal(t, "two", h.reg.Snapshot().Messages["a"].Text)

	h.clock.fire(1)
	h.drain()
	require.NotContains(t, h.reg.Snapshot().Messages, "a")
}

func TestSnapshotIsImmutable(t *testing.T) {
	h := newHarness(t)
	h.reg.Apply(core.JoinEvent{Participant: member("a")})
	before := h.reg.Snapshot()

	h.reg.Apply(core.MuteEvent{UID: "a", Kind: domain.KindVideo, Muted: false})
	h.reg.Apply(core.JoinEvent{Participant: member("b")})

	require.Len(t, before.Participants, 1)
	require.False(t, before.Media["a"].Video)
	require.Greater(t, h.reg.Snapshot().Version, before.Version)
}

func TestSubscribeAndClose(t *testing.T) {
	h := newHarness(t)
	ch, cancel := h.reg.Subscribe()
	defer cancel()

	first := <-ch
	require.Zero(t, first.Version)

	h.reg.Apply(core.JoinEvent{Participant: member("a")})
	h.reg.Apply(core.JoinEvent{Participant: member("b")})
	latest := <-ch
	require.Equal(t, uint64(2), latest.Version)

	h.reg.Apply(core.MessageEvent{UID: "a", Text: "bye"})
	<-ch
	h.reg.Close()
	require.True(t, h.clock.timers[0].stopped)

	_, open := <-ch
	require.False(t, open)

	h.reg.Apply(core.JoinEvent{Participant: member("c")})
	require.Len(t, h.reg.Snapshot().Participants, 2)
}

func TestLocalStreamBinding(t *testing.T) {
	h := newHarness(t)
	stream := &fakeStream{id: "local", tracks: []core.LocalTrack{fakeLocal{kind: domain.KindAudio}}}
	h.reg.Apply(core.LocalStreamEvent{UID: "me", Stream: stream, Media: domain.MediaState{Audio: true}})

	b, ok := h.reg.Snapshot().StreamOf("me")
	require.True(t, ok)
	require.True(t, b.Local)
	require.Equal(t, []domain.MediaKind{domain.KindAudio}, b.Kinds)

	h.reg.Apply(core.LocalStreamStopped{StreamID: "local"})
	_, ok = h.reg.Snapshot().StreamOf("me")
	require.False(t, ok)
}

type fakeStream struct {
	id     string
	tracks []core.LocalTrack
}

func (s *fakeStream) ID() string                { return s.id }
func (s *fakeStream) Tracks() []core.LocalTrack { return s.tracks }

type fakeLocal struct{ kind domain.MediaKind }

func (f fakeLocal) ID() string             { return string(f.kind) }
func (f fakeLocal) Kind() domain.MediaKind { return f.kind }
func (f fakeLocal) DeviceID() string       { return "" }
func (f fakeLocal) Close() error           { return nil }
