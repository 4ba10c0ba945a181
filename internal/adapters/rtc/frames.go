package rtc

import (
	"errors"
	"sync"

	"github.com/dkeye/dmeet/internal/core"
	"github.com/dkeye/dmeet/internal/domain"
	"github.com/rs/zerolog"
)

var (
	ErrStreamsTaken   = errors.New("encoded streams already taken")
	ErrTransformTaken = errors.New("transform already registered")
)

const streamBuffer = 64

// framePath is the encoded frame hook shared by senders and receivers. It
// is in one of three modes: passthrough, inline transform or streams
// handed to a consumer. In an encrypted session passthrough drops.
type framePath struct {
	kind      domain.MediaKind
	encrypted bool
	drops     *zerolog.Logger

	mu        sync.Mutex
	transform core.FrameTransformer
	readable  chan core.EncodedFrame
	writable  chan core.EncodedFrame
	closed    bool
}

func newFramePath(kind domain.MediaKind, encrypted bool, drops *zerolog.Logger) *framePath {
	return &framePath{kind: kind, encrypted: encrypted, drops: drops}
}

func (p *framePath) Kind() domain.MediaKind { return p.kind }

func (p *framePath) SetTransform(t core.FrameTransformer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readable != nil {
		return ErrStreamsTaken
	}
	if p.transform != nil {
		return ErrTransformTaken
	}
	p.transform = t
	return nil
}

// take creates the stream pair once.
func (p *framePath) take() (core.EncodedStreams, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transform != nil {
		return core.EncodedStreams{}, ErrTransformTaken
	}
	if p.readable != nil {
		return core.EncodedStreams{}, ErrStreamsTaken
	}
	p.readable = make(chan core.EncodedFrame, streamBuffer)
	p.writable = make(chan core.EncodedFrame, streamBuffer)
	return core.EncodedStreams{Readable: p.readable, Writable: p.writable}, nil
}

func (p *framePath) route() (core.FrameTransformer, chan core.EncodedFrame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transform, p.writable
}

// offer queues f for the stream consumer without blocking.
func (p *framePath) offer(f core.EncodedFrame) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.readable == nil {
		return false
	}
	select {
	case p.readable <- f:
		return true
	default:
		p.drops.Debug().Str("kind", string(p.kind)).Msg("consumer behind, frame dropped")
		return false
	}
}

func (p *framePath) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.readable != nil {
		close(p.readable)
	}
}

// apply runs f through the inline transform or the passthrough rule. The
// streams mode is handled by the caller.
func (p *framePath) apply(tr core.FrameTransformer, f core.EncodedFrame) (core.EncodedFrame, bool) {
	if tr != nil {
		return tr.Transform(f)
	}
	if p.encrypted {
		p.drops.Debug().Str("kind", string(p.kind)).Msg("no transform in encrypted session, frame dropped")
		return core.EncodedFrame{}, false
	}
	return f, true
}
