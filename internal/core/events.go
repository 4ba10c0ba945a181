package core

import "github.com/dkeye/dmeet/internal/domain"

// Event is one inbound or local occurrence applied to the roster, in order.
type Event interface{ eventName() string }

// ParticipantInfo is a participant as carried by a notification. Nil mute
// flags mean the payload did not mention that kind.
type ParticipantInfo struct {
	domain.Participant
	AudioMuted *bool
	VideoMuted *bool
}

type JoinEvent struct{ Participant ParticipantInfo }

type LeaveEvent struct{ Participant ParticipantInfo }

type StreamEvent struct{ Participant ParticipantInfo }

// ParticipantsEvent replaces the roster.
type ParticipantsEvent struct{ Participants []ParticipantInfo }

type MuteEvent struct {
	UID   string
	Kind  domain.MediaKind
	Muted bool
}

type CountEvent struct {
	Participants int
	Viewers      int
}

type MessageEvent struct {
	UID  string
	Text string
}

// MessageExpiredEvent clears the message of UID if Seq is still current.
type MessageExpiredEvent struct {
	UID string
	Seq uint64
}

// EndEvent is the relay telling everyone the host ended the room.
type EndEvent struct{ Participant ParticipantInfo }

// TrackEvent binds a remote track to its stream.
type TrackEvent struct{ Track RemoteTrack }

// LocalStreamEvent binds the published local stream to the local uid.
type LocalStreamEvent struct {
	UID    string
	Stream LocalStream
	Media  domain.MediaState
}

// LocalStreamStopped removes the local stream binding.
type LocalStreamStopped struct{ StreamID string }

// LocalMediaEvent carries the publisher's own enabled flags.
type LocalMediaEvent struct {
	UID   string
	Media domain.MediaState
}

func (JoinEvent) eventName() string           { return "onJoin" }
func (LeaveEvent) eventName() string          { return "onLeave" }
func (StreamEvent) eventName() string         { return "onStream" }
func (ParticipantsEvent) eventName() string   { return "participants" }
func (MuteEvent) eventName() string           { return "muteEvent" }
func (CountEvent) eventName() string          { return "participantsCount" }
func (MessageEvent) eventName() string        { return "onMessage" }
func (MessageExpiredEvent) eventName() string { return "messageExpired" }
func (EndEvent) eventName() string            { return "end" }
func (TrackEvent) eventName() string          { return "track" }
func (LocalStreamEvent) eventName() string    { return "localStream" }
func (LocalStreamStopped) eventName() string  { return "localStreamStopped" }
func (LocalMediaEvent) eventName() string     { return "localMedia" }

// EventName returns the protocol or local name of ev, for logging.
func EventName(ev Event) string { return ev.eventName() }
