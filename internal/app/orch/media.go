package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/dmeet/internal/app"
	"github.com/dkeye/dmeet/internal/app/e2ee"
	"github.com/dkeye/dmeet/internal/app/media"
	"github.com/dkeye/dmeet/internal/core"
	"github.com/dkeye/dmeet/internal/domain"
)

var errNoFramePath = errors.New("sender has no frame path")

func (s *Session) publish(ctx context.Context, sig core.Signaling, transport core.Transport, pipeline *e2ee.Pipeline, uid string) error {
	pub := media.NewPublisher(s.deps.Media, transport, sig, media.Options{
		OnSender: func(ctx context.Context, snd core.TrackSender) error {
			if pipeline == nil {
				return nil
			}
			ep, ok := snd.(core.FrameEndpoint)
			if !ok {
				return errNoFramePath
			}
			return pipeline.AttachSender(ctx, ep)
		},
		OnChange: func(stream core.LocalStream, st domain.MediaState) {
			s.post(core.LocalStreamEvent{UID: uid, Stream: stream, Media: st})
		},
	})
	if !s.adopt(func() { s.publisher = pub }) {
		pub.Stop()
		return ErrEnded
	}

	if _, err := pub.StartPublish(ctx, s.opts.Constraints); err != nil {
		if errors.Is(err, media.ErrStopped) || s.State() >= StateEnding {
			return ErrEnded
		}
		if s.deps.Policy.OnFailure(err) == app.Hangup {
			return err
		}
		s.logger.Warn().Err(err).Msg("joined without local media")
		s.post(core.LocalMediaEvent{UID: uid})
		return nil
	}

	initial := map[domain.MediaKind]bool{domain.KindAudio: s.opts.AudioEnabled, domain.KindVideo: s.opts.VideoEnabled}
	for _, kind := range domain.MediaKinds {
		if initial[kind] {
			continue
		}
		if err := pub.Mute(ctx, kind); err != nil && !errors.Is(err, media.ErrNoTrack) {
			s.logger.Warn().Err(err).Str("kind", string(kind)).Msg("initial mute")
		}
	}
	pub.SendState(ctx)
	return nil
}

func (s *Session) activePublisher() (*media.Publisher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return nil, fmt.Errorf("%s: %w", s.state, ErrEnded)
	}
	if s.publisher == nil || s.publisher.Stream() == nil {
		return nil, ErrNoMedia
	}
	return s.publisher, nil
}

// Toggle mutes or unmutes the local kind and returns the new enabled flag.
func (s *Session) Toggle(ctx context.Context, kind domain.MediaKind) (bool, error) {
	pub, err := s.activePublisher()
	if err != nil {
		return false, err
	}
	return pub.Toggle(ctx, kind)
}

func (s *Session) SwitchDevice(ctx context.Context, kind domain.MediaKind, deviceID string) error {
	pub, err := s.activePublisher()
	if err != nil {
		return err
	}
	return pub.SwitchDevice(ctx, kind, deviceID)
}

// Devices lists capture devices. Before publishing it asks the source.
func (s *Session) Devices() ([]domain.Device, error) {
	s.mu.Lock()
	pub := s.publisher
	s.mu.Unlock()
	if pub != nil {
		if d := pub.Devices(); len(d) > 0 {
			return d, nil
		}
	}
	if s.deps.Media == nil {
		return nil, nil
	}
	return s.deps.Media.EnumerateDevices()
}

func (s *Session) LocalMedia() domain.MediaState {
	s.mu.Lock()
	pub := s.publisher
	s.mu.Unlock()
	if pub == nil {
		return domain.MediaState{}
	}
	return pub.State()
}
