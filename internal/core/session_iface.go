package core

import (
	"context"

	"github.com/dkeye/dmeet/internal/domain"
)

// Admission performs the pre-join handshake with the room API.
type Admission interface {
	CreateOrJoin(ctx context.Context, p domain.RoomParams) (*domain.SessionCredentials, error)
	Info(ctx context.Context, sid string) (*domain.RoomInfo, error)
}

// Transport is the media client the session drives: one publisher and one
// subscriber peer connection negotiated over Signaling.
type Transport interface {
	Join(ctx context.Context, creds *domain.SessionCredentials) error
	Publish(ctx context.Context, stream LocalStream) ([]TrackSender, error)
	// OnTrack must be set before Join.
	OnTrack(func(RemoteTrack))
	OnNegotiationError(func(error))
	// ScriptTransform reports whether endpoints accept a declarative transform.
	ScriptTransform() bool
	Close() error
}

type Dialer func(ctx context.Context, url string) (Signaling, error)

type TransportFactory func(sig Signaling, encrypted bool) (Transport, error)
