package signal

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dkeye/dmeet/internal/core"
	"github.com/dkeye/dmeet/internal/domain"
)

// Inbound roster notifications, in the relay's naming.
const (
	MethodOnJoin            = "onJoin"
	MethodOnLeave           = "onLeave"
	MethodOnStream          = "onStream"
	MethodParticipants      = "participants"
	MethodMuteEvent         = "muteEvent"
	MethodParticipantsCount = "participantsCount"
	MethodOnMessage         = "onMessage"
	MethodEnd               = "end"
)

var RosterMethods = []string{
	MethodOnJoin,
	MethodOnLeave,
	MethodOnStream,
	MethodParticipants,
	MethodMuteEvent,
	MethodParticipantsCount,
	MethodOnMessage,
	MethodEnd,
}

type wireParticipant struct {
	SID        string `json:"sid"`
	UID        string `json:"uid"`
	Name       string `json:"name"`
	StreamID   string `json:"streamID"`
	IsHost     bool   `json:"isHost"`
	Host       string `json:"host"`
	NoPublish  bool   `json:"noPublish"`
	AudioMuted *bool  `json:"audioMuted"`
	VideoMuted *bool  `json:"videoMuted"`
}

func (w *wireParticipant) info() core.ParticipantInfo {
	if w == nil {
		return core.ParticipantInfo{}
	}
	return core.ParticipantInfo{
		Participant: domain.Participant{
			UID:       w.UID,
			SID:       w.SID,
			Name:      w.Name,
			StreamID:  w.StreamID,
			IsHost:    w.IsHost,
			NoPublish: w.NoPublish,
			Host:      w.Host,
		},
		AudioMuted: w.AudioMuted,
		VideoMuted: w.VideoMuted,
	}
}

type roomMessage struct {
	Participant *wireParticipant `json:"participant"`
	Payload     json.RawMessage  `json:"payload"`
}

type mutePayload struct {
	Kind  string `json:"kind"`
	Muted bool   `json:"muted"`
}

type countPayload struct {
	ParticipantsCount int `json:"participantsCount"`
	ViewersCount      int `json:"viewersCount"`
}

type messagePayload struct {
	Message string `json:"message"`
}

// Decode turns one inbound notification into a roster event. A nil event
// with a nil error means the notification carries nothing to apply.
func Decode(method string, raw json.RawMessage) (core.Event, error) {
	if method == MethodParticipants {
		return decodeParticipants(raw)
	}

	var msg roomMessage
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", method, err)
		}
	}
	p := msg.Participant.info()

	switch method {
	case MethodOnJoin:
		return withUID(method, p, core.JoinEvent{Participant: p})
	case MethodOnLeave:
		return withUID(method, p, core.LeaveEvent{Participant: p})
	case MethodOnStream:
		return withUID(method, p, core.StreamEvent{Participant: p})
	case MethodEnd:
		return core.EndEvent{Participant: p}, nil
	case MethodMuteEvent:
		var mp mutePayload
		if err := unmarshalPayload(method, msg.Payload, &mp); err != nil {
			return nil, err
		}
		kind, err := domain.ParseMediaKind(mp.Kind)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", method, err)
		}
		return withUID(method, p, core.MuteEvent{UID: p.UID, Kind: kind, Muted: mp.Muted})
	case MethodParticipantsCount:
		var cp countPayload
		if len(msg.Payload) == 0 {
			// Some relay builds send the counters at the top level.
			if err := json.Unmarshal(raw, &cp); err != nil {
				return nil, fmt.Errorf("decode %s: %w", method, err)
			}
		} else if err := unmarshalPayload(method, msg.Payload, &cp); err != nil {
			return nil, err
		}
		return core.CountEvent{Participants: cp.ParticipantsCount, Viewers: cp.ViewersCount}, nil
	case MethodOnMessage:
		var mp messagePayload
		if err := unmarshalPayload(method, msg.Payload, &mp); err != nil {
			return nil, err
		}
		return withUID(method, p, core.MessageEvent{UID: p.UID, Text: mp.Message})
	}
	return nil, fmt.Errorf("decode: unknown method %q", method)
}

func decodeParticipants(raw json.RawMessage) (core.Event, error) {
	var set map[string]*wireParticipant
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("decode %s: %w", MethodParticipants, err)
	}
	if set == nil {
		return nil, nil
	}
	uids := make([]string, 0, len(set))
	for uid := range set {
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	ev := core.ParticipantsEvent{Participants: make([]core.ParticipantInfo, 0, len(set))}
	for _, uid := range uids {
		w := set[uid]
		if w == nil {
			continue
		}
		info := w.info()
		if info.UID == "" {
			info.UID = uid
		}
		ev.Participants = append(ev.Participants, info)
	}
	return ev, nil
}

func unmarshalPayload(method string, raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("decode %s: missing payload", method)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", method, err)
	}
	return nil
}

func withUID(method string, p core.ParticipantInfo, ev core.Event) (core.Event, error) {
	if p.UID == "" {
		return nil, fmt.Errorf("decode %s: participant without uid", method)
	}
	return ev, nil
}
