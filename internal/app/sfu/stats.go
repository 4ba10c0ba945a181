package sfu

import (
	"sync/atomic"
	"time"

	"github.com/dkeye/dmeet/internal/domain"
	"github.com/pion/rtp"
)

type StreamStats struct {
	StreamID string           `json:"streamId"`
	TrackID  string           `json:"trackId"`
	Kind     domain.MediaKind `json:"kind"`
	Packets  uint64           `json:"packets"`
	Bytes    uint64           `json:"bytes"`
	Muted    bool             `json:"muted"`
	Skipped  uint64           `json:"skipped"`
	LastSeen time.Time        `json:"lastSeen,omitzero"`
}

// StatsSink counts what a remote track delivers.
type StatsSink struct {
	streamID string
	trackID  string
	kind     domain.MediaKind
	now      func() time.Time

	packets atomic.Uint64
	bytes   atomic.Uint64
	last    atomic.Int64
}

func NewStatsSink(streamID, trackID string, kind domain.MediaKind) *StatsSink {
	return &StatsSink{streamID: streamID, trackID: trackID, kind: kind, now: time.Now}
}

func (s *StatsSink) WriteRTP(p *rtp.Packet) error {
	s.packets.Add(1)
	s.bytes.Add(uint64(len(p.Payload)))
	s.last.Store(s.now().UnixNano())
	return nil
}

func (s *StatsSink) Stats() StreamStats {
	st := StreamStats{
		StreamID: s.streamID,
		TrackID:  s.trackID,
		Kind:     s.kind,
		Packets:  s.packets.Load(),
		Bytes:    s.bytes.Load(),
	}
	if ns := s.last.Load(); ns != 0 {
		st.LastSeen = time.Unix(0, ns)
	}
	return st
}
