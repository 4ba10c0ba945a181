package sfu

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/dkeye/dmeet/internal/core"
	"github.com/dkeye/dmeet/internal/domain"
	"github.com/rs/zerolog/log"
)

const statsSink = "stats"

// SinkFactory builds an extra named sink for each new remote track.
type SinkFactory func(track core.RemoteTrack) (name string, w PacketWriter)

type relayEntry struct {
	relay *Relay
	stats *StatsSink
}

type RelayManager struct {
	factories []SinkFactory

	mu     sync.RWMutex
	relays map[string]*relayEntry               // by track id
	muted  map[string]map[domain.MediaKind]bool // by stream id
}

func NewRelayManager(factories ...SinkFactory) *RelayManager {
	return &RelayManager{
		factories: factories,
		relays:    make(map[string]*relayEntry),
		muted:     make(map[string]map[domain.MediaKind]bool),
	}
}

// StartRelay creates a relay for track with a stats sink plus one sink per
// factory and starts its loop. A relay already running for the same track
// id is replaced.
func (m *RelayManager) StartRelay(ctx context.Context, track core.RemoteTrack) *Relay {
	logger := log.With().
		Str("module", "relay").
		Str("stream_id", track.StreamID()).
		Str("track_id", track.ID()).
		Str("kind", string(track.Kind())).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(track, cancel)
	stats := NewStatsSink(track.StreamID(), track.ID(), track.Kind())
	relay.AddSink(NewSink(statsSink, stats))
	for _, f := range m.factories {
		relay.AddSink(NewSink(f(track)))
	}

	m.mu.Lock()
	if old, ok := m.relays[track.ID()]; ok {
		logger.Info().Msg("replacing existing relay for track")
		old.relay.stop()
	}
	m.relays[track.ID()] = &relayEntry{relay: relay, stats: stats}
	relay.SetMuted(m.muted[track.StreamID()][track.Kind()])
	m.mu.Unlock()

	logger.Info().Msg("starting relay loop")
	go relay.run(relayCtx, &logger)
	return relay
}

// SetMuted pauses or resumes delivery for the kind tracks of streamID. It
// also applies to tracks of that stream that arrive later.
func (m *RelayManager) SetMuted(streamID string, kind domain.MediaKind, muted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.muted[streamID] == nil {
		m.muted[streamID] = make(map[domain.MediaKind]bool)
	}
	m.muted[streamID][kind] = muted
	for _, e := range m.relays {
		if e.relay.Src.StreamID() == streamID && e.relay.Src.Kind() == kind {
			e.relay.SetMuted(muted)
		}
	}
}

// StopStream stops every relay of streamID.
func (m *RelayManager) StopStream(streamID string) {
	m.mu.Lock()
	var stopped []*Relay
	for id, e := range m.relays {
		if e.relay.Src.StreamID() == streamID {
			stopped = append(stopped, e.relay)
			delete(m.relays, id)
		}
	}
	delete(m.muted, streamID)
	m.mu.Unlock()

	for _, r := range stopped {
		r.stop()
	}
}

// StopAll stops every relay. Loops end once their tracks do.
func (m *RelayManager) StopAll() {
	m.mu.Lock()
	relays := m.relays
	m.relays = make(map[string]*relayEntry)
	m.muted = make(map[string]map[domain.MediaKind]bool)
	m.mu.Unlock()

	for _, e := range relays {
		e.relay.stop()
	}
}

func (m *RelayManager) HasRelay(trackID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[trackID]
	return ok
}

// Stats returns the counters of every running relay ordered by stream, then kind.
func (m *RelayManager) Stats() []StreamStats {
	m.mu.RLock()
	out := make([]StreamStats, 0, len(m.relays))
	for _, e := range m.relays {
		st := e.stats.Stats()
		st.Muted = e.relay.Muted()
		st.Skipped = e.relay.Skipped()
		out = append(out, st)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b StreamStats) int {
		return cmp.Or(cmp.Compare(a.StreamID, b.StreamID), cmp.Compare(a.Kind, b.Kind), cmp.Compare(a.TrackID, b.TrackID))
	})
	return out
}
