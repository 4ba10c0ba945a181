package rtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/dmeet/internal/core"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Capturable is a local track backed by a pion track.
type Capturable interface {
	core.LocalTrack
	TrackLocal() webrtc.TrackLocal
}

var ErrNotCapturable = errors.New("local track has no pion track")

// rtpSender is the subset of *webrtc.RTPSender the sender drives.
type rtpSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

type trackSender struct {
	*framePath
	ssrc   uint32
	hooks  *FrameHooks
	sender rtpSender

	mu    sync.Mutex
	track core.LocalTrack
}

var (
	_ core.TrackSender   = (*trackSender)(nil)
	_ core.FrameEndpoint = (*trackSender)(nil)
)

func newTrackSender(t core.LocalTrack, sender rtpSender, ssrc uint32, hooks *FrameHooks) *trackSender {
	return &trackSender{
		framePath: newFramePath(t.Kind(), hooks.encrypted, hooks.drops),
		ssrc:      ssrc,
		hooks:     hooks,
		sender:    sender,
		track:     t,
	}
}

func (s *trackSender) Track() core.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

// ReplaceTrack swaps the capture source. nil stops sending without
// renegotiation.
func (s *trackSender) ReplaceTrack(t core.LocalTrack) error {
	var tl webrtc.TrackLocal
	if t != nil {
		if t.Kind() != s.kind {
			return fmt.Errorf("replace %s track with %s", s.kind, t.Kind())
		}
		c, ok := t.(Capturable)
		if !ok {
			return ErrNotCapturable
		}
		tl = c.TrackLocal()
	}
	if err := s.sender.ReplaceTrack(tl); err != nil {
		return err
	}
	s.mu.Lock()
	s.track = t
	s.mu.Unlock()
	return nil
}

// EncodedStreams hands outgoing frames to a consumer; whatever it writes
// back is sent on the wire.
func (s *trackSender) EncodedStreams() (core.EncodedStreams, error) {
	streams, err := s.take()
	if err != nil {
		return streams, err
	}
	_, writable := s.route()
	go s.drain(writable)
	return streams, nil
}

func (s *trackSender) drain(writable <-chan core.EncodedFrame) {
	for f := range writable {
		next := s.hooks.writer(s.ssrc)
		if next == nil {
			continue
		}
		if _, err := next.Write(&f.Header, f.Payload, nil); err != nil {
			s.drops.Debug().Err(err).Str("kind", string(s.kind)).Msg("write transformed frame")
		}
	}
}

func (s *trackSender) write(hdr *rtp.Header, payload []byte, attrs interceptor.Attributes, next interceptor.RTPWriter) (int, error) {
	tr, writable := s.route()
	if writable != nil {
		// The packetizer reuses its buffers once Write returns.
		f := core.EncodedFrame{Kind: s.kind, Header: hdr.Clone(), Payload: append([]byte(nil), payload...)}
		s.offer(f)
		return len(payload), nil
	}
	out, ok := s.apply(tr, core.EncodedFrame{Kind: s.kind, Header: *hdr, Payload: payload})
	if !ok {
		return len(payload), nil
	}
	return next.Write(&out.Header, out.Payload, attrs)
}

func (s *trackSender) stop() {
	s.hooks.unregister(s.ssrc)
	s.close()
}
