// Package media captures local audio and video with pion/mediadevices.
package media

import (
	"context"
	"errors"

	"github.com/dkeye/dmeet/internal/adapters/rtc"
	"github.com/dkeye/dmeet/internal/core"
	"github.com/dkeye/dmeet/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrNoTracks = errors.New("no tracks captured")

type Source struct {
	selector *mediadevices.CodecSelector
	err      error
}

var _ core.MediaSource = (*Source)(nil)

// NewSource prepares the encoders. On platforms without capture drivers the
// source still enumerates nothing and fails every capture.
func NewSource() *Source {
	selector, err := newCodecSelector()
	if err != nil {
		log.Warn().Str("module", "media").Err(err).Msg("capture unavailable")
	}
	return &Source{selector: selector, err: err}
}

// Codecs registers the encoders' codecs on the transport's media engine.
func (s *Source) Codecs(m *webrtc.MediaEngine) error {
	if s.selector == nil {
		return m.RegisterDefaultCodecs()
	}
	s.selector.Populate(m)
	return nil
}

func kindOf(c domain.MediaConstraints) domain.MediaKind {
	switch {
	case c.Audio && !c.Video:
		return domain.KindAudio
	case c.Video && !c.Audio:
		return domain.KindVideo
	}
	return ""
}

func (s *Source) GetUserMedia(ctx context.Context, c domain.MediaConstraints) (core.LocalStream, error) {
	kind := kindOf(c)
	if err := ctx.Err(); err != nil {
		return nil, &domain.MediaAcquisitionError{Kind: kind, Err: err}
	}
	if s.err != nil {
		return nil, &domain.MediaAcquisitionError{Kind: kind, Err: s.err}
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: s.selector}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			if c.VideoDevice != "" {
				mc.DeviceID = prop.StringExact(c.VideoDevice)
			}
			if c.Width > 0 {
				mc.Width = prop.Int(c.Width)
			}
			if c.Height > 0 {
				mc.Height = prop.Int(c.Height)
			}
			if c.FrameRate > 0 {
				mc.FrameRate = prop.Float(c.FrameRate)
			}
		}
	}
	if c.Audio {
		constraints.Audio = func(mc *mediadevices.MediaTrackConstraints) {
			if c.AudioDevice != "" {
				mc.DeviceID = prop.StringExact(c.AudioDevice)
			}
		}
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, &domain.MediaAcquisitionError{Kind: kind, Err: err}
	}
	tracks := ms.GetTracks()
	if len(tracks) == 0 {
		return nil, &domain.MediaAcquisitionError{Kind: kind, Err: ErrNoTracks}
	}

	stream := &localStream{id: tracks[0].StreamID()}
	if stream.id == "" {
		stream.id = uuid.NewString()
	}
	for _, t := range tracks {
		lt := &localTrack{track: t, kind: domain.KindAudio, device: c.AudioDevice}
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			lt.kind, lt.device = domain.KindVideo, c.VideoDevice
		}
		if lt.device == "" {
			lt.device = t.ID()
		}
		t.OnEnded(func(err error) {
			if err != nil {
				log.Warn().Str("module", "media").Str("kind", string(lt.kind)).Err(err).Msg("local track ended")
			}
		})
		stream.tracks = append(stream.tracks, lt)
	}
	log.Info().Str("module", "media").Str("stream_id", stream.id).Int("tracks", len(stream.tracks)).Msg("local media captured")
	return stream, nil
}

func (s *Source) EnumerateDevices() ([]domain.Device, error) {
	var out []domain.Device
	for _, d := range mediadevices.EnumerateDevices() {
		var kind domain.MediaKind
		switch d.Kind {
		case mediadevices.AudioInput:
			kind = domain.KindAudio
		case mediadevices.VideoInput:
			kind = domain.KindVideo
		default:
			continue
		}
		out = append(out, domain.Device{ID: d.DeviceID, Kind: kind, Label: d.Label})
	}
	return out, nil
}

type localTrack struct {
	track  mediadevices.Track
	kind   domain.MediaKind
	device string
}

var _ rtc.Capturable = (*localTrack)(nil)

func (t *localTrack) ID() string                    { return t.track.ID() }
func (t *localTrack) Kind() domain.MediaKind        { return t.kind }
func (t *localTrack) DeviceID() string              { return t.device }
func (t *localTrack) Close() error                  { return t.track.Close() }
func (t *localTrack) TrackLocal() webrtc.TrackLocal { return t.track }

type localStream struct {
	id     string
	tracks []core.LocalTrack
}

func (s *localStream) ID() string                { return s.id }
func (s *localStream) Tracks() []core.LocalTrack { return s.tracks }
