package core

import (
	"context"
	"encoding/json"
)

// NotifyHandler receives the raw params of one inbound notification.
type NotifyHandler func(ctx context.Context, params json.RawMessage)

// Signaling is a duplex notification channel to one relay endpoint.
// Owned by the session; the session must Close() it.
type Signaling interface {
	Call(ctx context.Context, method string, params, result any) error
	// Notify is silently dropped while the channel is not ready.
	Notify(ctx context.Context, method string, params any) error
	// OnNotify registers the handler for method, replacing an earlier one.
	OnNotify(method string, h NotifyHandler)
	Ready() bool
	// Done is closed once the channel is down, whatever the cause.
	Done() <-chan struct{}
	// Err is nil after a local Close and a SignalingTransportError otherwise.
	Err() error
	Close() error
}

//go:generate mockgen -destination=mock_core/mock_core.go -package=mock_core github.com/dkeye/dmeet/internal/core Admission,LocalStream,LocalTrack,MediaSource,RemoteTrack,Signaling,TrackSender,Transport
