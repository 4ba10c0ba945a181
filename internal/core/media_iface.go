package core

import (
	"context"

	"github.com/dkeye/dmeet/internal/domain"
	"github.com/pion/rtp"
)

type LocalTrack interface {
	ID() string
	Kind() domain.MediaKind
	DeviceID() string
	Close() error
}

type LocalStream interface {
	ID() string
	Tracks() []LocalTrack
}

// MediaSource resolves local capture devices.
type MediaSource interface {
	GetUserMedia(ctx context.Context, c domain.MediaConstraints) (LocalStream, error)
	EnumerateDevices() ([]domain.Device, error)
}

// TrackSender is one outgoing media sender on the publisher transport.
type TrackSender interface {
	Kind() domain.MediaKind
	Track() LocalTrack
	// ReplaceTrack swaps the source without renegotiation; nil pauses sending.
	ReplaceTrack(LocalTrack) error
}

// RemoteTrack is an incoming track. ReadRTP yields decoded packets once a
// transform is attached.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() domain.MediaKind
	ReadRTP() (*rtp.Packet, error)
}
