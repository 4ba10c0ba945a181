package app

import (
	"github.com/dkeye/dmeet/internal/core"
	"github.com/dkeye/dmeet/internal/domain"
)

// StreamBinding maps a stream id to the transport media behind it.
type StreamBinding struct {
	StreamID string             `json:"streamId"`
	UID      string             `json:"uid,omitempty"`
	Local    bool               `json:"local"`
	Kinds    []domain.MediaKind `json:"kinds"`

	Remote []core.RemoteTrack `json:"-"`
	Stream core.LocalStream   `json:"-"`
}

// Snapshot is an immutable view of the roster. Never mutate its maps.
type Snapshot struct {
	Version      uint64                             `json:"version"`
	LocalUID     string                             `json:"localUid"`
	Participants []domain.Participant               `json:"participants"`
	Media        map[string]domain.MediaState       `json:"media"`
	Streams      map[string]StreamBinding           `json:"streams"`
	Messages     map[string]domain.TransientMessage `json:"messages"`
	Count        int                                `json:"count"`
}

func emptySnapshot(localUID string) *Snapshot {
	return &Snapshot{
		LocalUID: localUID,
		Media:    map[string]domain.MediaState{},
		Streams:  map[string]StreamBinding{},
		Messages: map[string]domain.TransientMessage{},
	}
}

func (s *Snapshot) Participant(uid string) (domain.Participant, bool) {
	for _, p := range s.Participants {
		if p.UID == uid {
			return p, true
		}
	}
	return domain.Participant{}, false
}

// Publishers is the visible roster: viewers are left out.
func (s *Snapshot) Publishers() []domain.Participant {
	out := make([]domain.Participant, 0, len(s.Participants))
	for _, p := range s.Participants {
		if !p.NoPublish {
			out = append(out, p)
		}
	}
	return out
}

// StreamOf returns the binding of the stream uid currently publishes.
func (s *Snapshot) StreamOf(uid string) (StreamBinding, bool) {
	if p, ok := s.Participant(uid); ok && p.StreamID != "" {
		if b, ok := s.Streams[p.StreamID]; ok {
			return b, true
		}
	}
	for _, b := range s.Streams {
		if b.UID == uid {
			return b, true
		}
	}
	return StreamBinding{}, false
}
