package core

import (
	"github.com/dkeye/dmeet/internal/domain"
	"github.com/pion/rtp"
)

// EncodedFrame is one post-codec RTP payload with its header.
type EncodedFrame struct {
	Kind    domain.MediaKind
	Header  rtp.Header
	Payload []byte
}

// FrameTransformer rewrites a frame. ok=false drops it.
type FrameTransformer interface {
	Transform(f EncodedFrame) (out EncodedFrame, ok bool)
}

// EncodedStreams hands the raw frame path of an endpoint to a consumer:
// frames come out of Readable and continue down the pipeline once written
// to Writable. Closing Writable detaches the consumer.
type EncodedStreams struct {
	Readable <-chan EncodedFrame
	Writable chan<- EncodedFrame
}

// FrameEndpoint is a sender or receiver whose encoded frames can be
// transformed, either by taking over its streams or by registering a
// transformer it calls inline.
type FrameEndpoint interface {
	Kind() domain.MediaKind
	EncodedStreams() (EncodedStreams, error)
	SetTransform(t FrameTransformer) error
}
