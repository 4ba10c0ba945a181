// Package domain contains call entities without transport logic, just meta-data.
package domain

import "fmt"

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

var MediaKinds = []MediaKind{KindAudio, KindVideo}

func ParseMediaKind(s string) (MediaKind, error) {
	switch MediaKind(s) {
	case KindAudio, KindVideo:
		return MediaKind(s), nil
	}
	return "", fmt.Errorf("unknown media kind %q", s)
}

// Participant is a roster entry as reported by the relay.
type Participant struct {
	UID       string `json:"uid"`
	SID       string `json:"sid"`
	Name      string `json:"name"`
	StreamID  string `json:"streamID,omitempty"`
	IsHost    bool   `json:"isHost"`
	NoPublish bool   `json:"noPublish"`
	// Host is the relay node id that owns the participant's connection.
	Host string `json:"host,omitempty"`
}

// MediaState holds the enabled flags of one participant. The zero value is
// a well-formed "both disabled" record.
type MediaState struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

func (m MediaState) Enabled(kind MediaKind) bool {
	if kind == KindVideo {
		return m.Video
	}
	return m.Audio
}

func (m MediaState) With(kind MediaKind, enabled bool) MediaState {
	switch kind {
	case KindAudio:
		m.Audio = enabled
	case KindVideo:
		m.Video = enabled
	}
	return m
}
