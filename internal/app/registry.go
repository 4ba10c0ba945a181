package app

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/dmeet/internal/core"
	"github.com/dkeye/dmeet/internal/domain"
	"github.com/rs/zerolog/log"
)

type Stopper interface{ Stop() bool }

type AfterFunc func(d time.Duration, f func()) Stopper

func SystemAfterFunc(d time.Duration, f func()) Stopper { return time.AfterFunc(d, f) }

type RegistryOptions struct {
	MessageTTL time.Duration
	AfterFunc  AfterFunc
	Now        func() time.Time
	// Post re-enters the ordered event path. Message expiry timers use it
	// instead of touching the registry from the timer goroutine.
	Post func(core.Event)
}

// Registry is the reconciled participant roster of one session.
//
// Apply and Close must only be called from the session's single event path.
// Snapshot and Subscribe are safe from any goroutine.
type Registry struct {
	localUID string
	opts     RegistryOptions

	order        []string
	participants map[string]domain.Participant
	media        map[string]domain.MediaState
	streams      map[string]StreamBinding
	messages     map[string]domain.TransientMessage
	msgSeq       map[string]uint64
	timers       map[string]Stopper
	seq          uint64
	count        int
	version      uint64
	closed       bool

	snap atomic.Pointer[Snapshot]

	subMu      sync.Mutex
	subs       map[uint64]chan *Snapshot
	nextSub    uint64
	subsClosed bool
}

func NewRegistry(localUID string, opts RegistryOptions) *Registry {
	if opts.MessageTTL <= 0 {
		opts.MessageTTL = 5 * time.Second
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = SystemAfterFunc
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Registry{
		localUID:     localUID,
		opts:         opts,
		participants: make(map[string]domain.Participant),
		media:        make(map[string]domain.MediaState),
		streams:      make(map[string]StreamBinding),
		messages:     make(map[string]domain.TransientMessage),
		msgSeq:       make(map[string]uint64),
		timers:       make(map[string]Stopper),
		subs:         make(map[uint64]chan *Snapshot),
	}
	r.snap.Store(emptySnapshot(localUID))
	return r
}

func (r *Registry) LocalUID() string { return r.localUID }

func (r *Registry) Snapshot() *Snapshot { return r.snap.Load() }

// Subscribe returns a channel that always holds the latest snapshot; slow
// readers skip intermediate versions. The first value is the current one.
func (r *Registry) Subscribe() (<-chan *Snapshot, func()) {
	ch := make(chan *Snapshot, 1)
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if r.subsClosed {
		close(ch)
		return ch, func() {}
	}
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	ch <- r.snap.Load()

	return ch, func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		if c, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(c)
		}
	}
}

// Apply merges one event into the roster and publishes a new snapshot when
// anything changed.
func (r *Registry) Apply(ev core.Event) {
	if r.closed {
		return
	}
	var changed bool
	switch e := ev.(type) {
	case core.JoinEvent:
		changed = r.onJoin(e.Participant)
	case core.ParticipantsEvent:
		changed = r.onParticipants(e.Participants)
	case core.StreamEvent:
		changed = r.onStream(e.Participant)
	case core.MuteEvent:
		changed = r.onMute(e)
	case core.LeaveEvent:
		changed = r.onLeave(e.Participant)
	case core.CountEvent:
		changed = r.onCount(e)
	case core.MessageEvent:
		changed = r.onMessage(e)
	case core.MessageExpiredEvent:
		changed = r.onMessageExpired(e)
	case core.TrackEvent:
		changed = r.onTrack(e.Track)
	case core.LocalStreamEvent:
		changed = r.onLocalStream(e)
	case core.LocalStreamStopped:
		_, changed = r.streams[e.StreamID]
		delete(r.streams, e.StreamID)
	case core.LocalMediaEvent:
		cur, ok := r.media[e.UID]
		changed = !ok || cur != e.Media
		r.media[e.UID] = e.Media
	}
	if !changed {
		return
	}
	r.publish()
	log.Debug().Str("module", "app.registry").Str("event", core.EventName(ev)).Uint64("version", r.version).Msg("applied")
}

func (r *Registry) onJoin(p core.ParticipantInfo) bool {
	if p.UID == "" || p.UID == r.localUID {
		return false
	}
	if _, ok := r.participants[p.UID]; !ok {
		r.insert(p.Participant)
	}
	r.mergeMedia(p)
	return true
}

func (r *Registry) onParticipants(list []core.ParticipantInfo) bool {
	next := make(map[string]domain.Participant, len(list))
	for _, p := range list {
		if p.UID == "" {
			continue
		}
		if prev, ok := r.participants[p.UID]; ok && p.StreamID == "" {
			p.StreamID = prev.StreamID
		}
		next[p.UID] = p.Participant
	}

	order := make([]string, 0, len(next))
	for _, uid := range r.order {
		if _, ok := next[uid]; ok {
			order = append(order, uid)
			continue
		}
		if uid != r.localUID {
			r.dropMedia(uid)
		}
	}
	for _, p := range list {
		if _, ok := next[p.UID]; ok && !slices.Contains(order, p.UID) {
			order = append(order, p.UID)
		}
	}
	r.order = order
	r.participants = next

	for _, p := range list {
		if p.UID != "" && p.UID != r.localUID {
			r.mergeMedia(p)
		}
	}
	return true
}

func (r *Registry) onStream(p core.ParticipantInfo) bool {
	if p.UID == "" {
		return false
	}
	cur, ok := r.participants[p.UID]
	if !ok {
		r.insert(p.Participant)
		if p.UID != r.localUID {
			r.mergeMedia(p)
		}
	} else if p.StreamID != "" {
		cur.StreamID = p.StreamID
		r.participants[p.UID] = cur
	}
	r.ensureMedia(p.UID)
	if b, ok := r.streams[p.StreamID]; ok && p.StreamID != "" {
		b.UID = p.UID
		r.streams[p.StreamID] = b
	}
	return true
}

func (r *Registry) onMute(e core.MuteEvent) bool {
	if e.UID == "" {
		return false
	}
	r.media[e.UID] = r.media[e.UID].With(e.Kind, !e.Muted)
	return true
}

func (r *Registry) onLeave(p core.ParticipantInfo) bool {
	if p.UID == "" || p.UID == r.localUID {
		return false
	}
	_, known := r.participants[p.UID]
	_, hasMedia := r.media[p.UID]
	if p.StreamID != "" {
		delete(r.streams, p.StreamID)
	}
	r.dropMedia(p.UID)
	delete(r.participants, p.UID)
	r.order = slices.DeleteFunc(r.order, func(uid string) bool { return uid == p.UID })
	return known || hasMedia || p.StreamID != ""
}

// dropMedia removes everything keyed by uid except the Participant itself.
func (r *Registry) dropMedia(uid string) {
	if cur, ok := r.participants[uid]; ok && cur.StreamID != "" {
		delete(r.streams, cur.StreamID)
	}
	for id, b := range r.streams {
		if b.UID == uid {
			delete(r.streams, id)
		}
	}
	delete(r.media, uid)
	delete(r.messages, uid)
	delete(r.msgSeq, uid)
	if t, ok := r.timers[uid]; ok {
		t.Stop()
		delete(r.timers, uid)
	}
}

func (r *Registry) onCount(e core.CountEvent) bool {
	total := e.Participants + e.Viewers
	if total == r.count {
		return false
	}
	r.count = total
	return true
}

func (r *Registry) onMessage(e core.MessageEvent) bool {
	if e.UID == "" {
		return false
	}
	r.ensureMedia(e.UID)
	r.seq++
	seq := r.seq
	r.messages[e.UID] = domain.TransientMessage{
		UID:       e.UID,
		Text:      e.Text,
		ExpiresAt: r.opts.Now().Add(r.opts.MessageTTL),
	}
	r.msgSeq[e.UID] = seq
	if t, ok := r.timers[e.UID]; ok {
		t.Stop()
	}
	uid := e.UID
	post := r.opts.Post
	r.timers[uid] = r.opts.AfterFunc(r.opts.MessageTTL, func() {
		if post != nil {
			post(core.MessageExpiredEvent{UID: uid, Seq: seq})
		}
	})
	return true
}

func (r *Registry) onMessageExpired(e core.MessageExpiredEvent) bool {
	if r.msgSeq[e.UID] != e.Seq {
		return false
	}
	delete(r.messages, e.UID)
	delete(r.msgSeq, e.UID)
	delete(r.timers, e.UID)
	return true
}

func (r *Registry) onTrack(t core.RemoteTrack) bool {
	id := t.StreamID()
	b, ok := r.streams[id]
	if !ok {
		b = StreamBinding{StreamID: id}
	}
	for _, p := range r.participants {
		if p.StreamID == id {
			b.UID = p.UID
		}
	}
	b.Remote = append(slices.Clone(b.Remote), t)
	if !slices.Contains(b.Kinds, t.Kind()) {
		b.Kinds = append(slices.Clone(b.Kinds), t.Kind())
	}
	r.streams[id] = b
	return true
}

func (r *Registry) onLocalStream(e core.LocalStreamEvent) bool {
	b := StreamBinding{StreamID: e.Stream.ID(), UID: e.UID, Local: true, Stream: e.Stream}
	for _, t := range e.Stream.Tracks() {
		if !slices.Contains(b.Kinds, t.Kind()) {
			b.Kinds = append(b.Kinds, t.Kind())
		}
	}
	r.streams[b.StreamID] = b
	r.media[e.UID] = e.Media
	if p, ok := r.participants[e.UID]; ok {
		p.StreamID = b.StreamID
		r.participants[e.UID] = p
	}
	return true
}

func (r *Registry) insert(p domain.Participant) {
	r.participants[p.UID] = p
	if !slices.Contains(r.order, p.UID) {
		r.order = append(r.order, p.UID)
	}
}

func (r *Registry) ensureMedia(uid string) {
	if _, ok := r.media[uid]; !ok {
		r.media[uid] = domain.MediaState{}
	}
}

// mergeMedia applies the mute flags a payload carries and keeps the known
// value of any kind it leaves out.
func (r *Registry) mergeMedia(p core.ParticipantInfo) {
	st := r.media[p.UID]
	if p.AudioMuted != nil {
		st.Audio = !*p.AudioMuted
	}
	if p.VideoMuted != nil {
		st.Video = !*p.VideoMuted
	}
	r.media[p.UID] = st
}

func (r *Registry) publish() {
	r.version++
	s := &Snapshot{
		Version:      r.version,
		LocalUID:     r.localUID,
		Participants: make([]domain.Participant, 0, len(r.order)),
		Media:        maps.Clone(r.media),
		Streams:      maps.Clone(r.streams),
		Messages:     maps.Clone(r.messages),
		Count:        r.count,
	}
	for _, uid := range r.order {
		s.Participants = append(s.Participants, r.participants[uid])
	}
	r.snap.Store(s)

	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}

// Close stops every pending timer and ends all subscriptions. Later events
// are ignored.
func (r *Registry) Close() {
	if r.closed {
		return
	}
	r.closed = true
	for uid, t := range r.timers {
		t.Stop()
		delete(r.timers, uid)
	}

	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.subsClosed = true
	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
	log.Info().Str("module", "app.registry").Str("uid", r.localUID).Msg("registry closed")
}
