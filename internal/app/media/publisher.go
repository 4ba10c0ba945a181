// Package media owns the local capture of a session: it publishes the
// local stream, switches devices on the live sender and tracks the local
// enabled flags.
package media

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/dkeye/dmeet/internal/core"
	"github.com/dkeye/dmeet/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrStopped    = errors.New("publisher stopped")
	ErrPublishing = errors.New("already publishing")
	ErrNoTrack    = errors.New("no track of requested kind")
)

type muteNotice struct {
	Muted bool             `json:"muted"`
	Kind  domain.MediaKind `json:"kind"`
}

type Options struct {
	// OnSender runs for each new sender before the stream is reported.
	OnSender func(ctx context.Context, s core.TrackSender) error
	// OnChange receives the published stream and local flags after every
	// change. It must not call back into the publisher.
	OnChange func(stream core.LocalStream, state domain.MediaState)
}

type Publisher struct {
	source    core.MediaSource
	transport core.Transport
	sig       core.Signaling
	opts      Options
	logger    zerolog.Logger

	// opMu serializes operations; mu guards the fields below.
	opMu sync.Mutex

	mu          sync.Mutex
	constraints domain.MediaConstraints
	stream      *liveStream
	senders     map[domain.MediaKind]core.TrackSender
	state       domain.MediaState
	devices     []domain.Device
	stopped     bool
}

func NewPublisher(source core.MediaSource, transport core.Transport, sig core.Signaling, opts Options) *Publisher {
	return &Publisher{
		source:    source,
		transport: transport,
		sig:       sig,
		opts:      opts,
		logger:    log.With().Str("module", "media").Logger(),
		senders:   make(map[domain.MediaKind]core.TrackSender),
	}
}

// liveStream is the published stream as it stands after device switches.
type liveStream struct {
	id string

	mu     sync.Mutex
	tracks map[domain.MediaKind]core.LocalTrack
}

func (s *liveStream) ID() string { return s.id }

func (s *liveStream) Tracks() []core.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.LocalTrack, 0, len(s.tracks))
	for _, kind := range domain.MediaKinds {
		if t, ok := s.tracks[kind]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (s *liveStream) track(kind domain.MediaKind) core.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracks[kind]
}

func (s *liveStream) swap(kind domain.MediaKind, t core.LocalTrack) core.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.tracks[kind]
	s.tracks[kind] = t
	return old
}

func closeTracks(tracks []core.LocalTrack) {
	for _, t := range tracks {
		if err := t.Close(); err != nil {
			log.Debug().Str("module", "media").Err(err).Str("track_id", t.ID()).Msg("track close")
		}
	}
}

func constraintKind(c domain.MediaConstraints) domain.MediaKind {
	switch {
	case c.Audio && !c.Video:
		return domain.KindAudio
	case c.Video && !c.Audio:
		return domain.KindVideo
	}
	return ""
}

func acquisitionError(c domain.MediaConstraints, err error) error {
	if errors.Is(err, domain.ErrMediaAcquisition) {
		return err
	}
	return &domain.MediaAcquisitionError{Kind: constraintKind(c), Err: err}
}

func (p *Publisher) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// StartPublish captures c, publishes it and only then lists the devices.
// A capture failure leaves the publisher with no local tracks.
func (p *Publisher) StartPublish(ctx context.Context, c domain.MediaConstraints) (core.LocalStream, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	if p.isStopped() {
		return nil, ErrStopped
	}
	if p.stream != nil {
		return nil, ErrPublishing
	}

	captured, err := p.source.GetUserMedia(ctx, c)
	if err != nil {
		err = acquisitionError(c, err)
		p.logger.Warn().Err(err).Msg("capture failed, continuing without local media")
		return nil, err
	}
	if p.isStopped() {
		closeTracks(captured.Tracks())
		return nil, ErrStopped
	}

	senders, err := p.transport.Publish(ctx, captured)
	if err != nil {
		closeTracks(captured.Tracks())
		return nil, err
	}
	for _, s := range senders {
		if p.opts.OnSender == nil {
			break
		}
		if err := p.opts.OnSender(ctx, s); err != nil {
			p.logger.Error().Err(err).Str("kind", string(s.Kind())).Msg("sender hook failed")
		}
	}

	stream := &liveStream{id: captured.ID(), tracks: make(map[domain.MediaKind]core.LocalTrack)}
	var state domain.MediaState
	for _, t := range captured.Tracks() {
		stream.tracks[t.Kind()] = t
		state = state.With(t.Kind(), true)
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		closeTracks(captured.Tracks())
		return nil, ErrStopped
	}
	p.constraints = c
	p.stream = stream
	for _, s := range senders {
		p.senders[s.Kind()] = s
	}
	p.state = state
	p.mu.Unlock()

	devices, err := p.source.EnumerateDevices()
	if err != nil {
		p.logger.Warn().Err(err).Msg("enumerate devices")
	} else {
		p.mu.Lock()
		p.devices = devices
		p.mu.Unlock()
	}

	p.logger.Info().Str("stream_id", stream.id).Bool("audio", state.Audio).Bool("video", state.Video).Msg("publishing")
	p.changed()
	return stream, nil
}

func (p *Publisher) sender(kind domain.MediaKind) (core.TrackSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil, ErrStopped
	}
	s, ok := p.senders[kind]
	if !ok {
		return nil, fmt.Errorf("%s: %w", kind, ErrNoTrack)
	}
	return s, nil
}

// SwitchDevice captures deviceID and swaps it onto the live sender. A muted
// kind keeps sending nothing until unmuted.
func (p *Publisher) SwitchDevice(ctx context.Context, kind domain.MediaKind, deviceID string) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	s, err := p.sender(kind)
	if err != nil {
		return err
	}
	p.mu.Lock()
	c := p.constraints.Only(kind, deviceID)
	p.mu.Unlock()

	captured, err := p.source.GetUserMedia(ctx, c)
	if err != nil {
		return acquisitionError(c, err)
	}
	tracks := captured.Tracks()
	i := slices.IndexFunc(tracks, func(t core.LocalTrack) bool { return t.Kind() == kind })
	if i < 0 {
		closeTracks(tracks)
		return &domain.MediaAcquisitionError{Kind: kind, Err: ErrNoTrack}
	}
	next := tracks[i]
	closeTracks(slices.Delete(slices.Clone(tracks), i, i+1))

	if p.isStopped() {
		closeTracks([]core.LocalTrack{next})
		return ErrStopped
	}
	if p.State().Enabled(kind) {
		if err := s.ReplaceTrack(next); err != nil {
			closeTracks([]core.LocalTrack{next})
			return err
		}
	}

	p.mu.Lock()
	if kind == domain.KindAudio {
		p.constraints.AudioDevice = deviceID
	} else {
		p.constraints.VideoDevice = deviceID
	}
	old := p.stream.swap(kind, next)
	p.mu.Unlock()
	if old != nil {
		closeTracks([]core.LocalTrack{old})
	}

	p.logger.Info().Str("kind", string(kind)).Str("device", deviceID).Msg("device switched")
	p.changed()
	return nil
}

func (p *Publisher) Mute(ctx context.Context, kind domain.MediaKind) error {
	return p.SetEnabled(ctx, kind, false)
}

func (p *Publisher) Unmute(ctx context.Context, kind domain.MediaKind) error {
	return p.SetEnabled(ctx, kind, true)
}

// Toggle flips kind and returns the new enabled flag.
func (p *Publisher) Toggle(ctx context.Context, kind domain.MediaKind) (bool, error) {
	enabled := !p.State().Enabled(kind)
	return enabled, p.SetEnabled(ctx, kind, enabled)
}

// SetEnabled pauses or resumes the sender of kind without renegotiating and
// tells the room about it.
func (p *Publisher) SetEnabled(ctx context.Context, kind domain.MediaKind, enabled bool) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	s, err := p.sender(kind)
	if err != nil {
		return err
	}
	if p.State().Enabled(kind) == enabled {
		return nil
	}
	var t core.LocalTrack
	if enabled {
		t = p.stream.track(kind)
	}
	if err := s.ReplaceTrack(t); err != nil {
		return err
	}

	p.mu.Lock()
	p.state = p.state.With(kind, enabled)
	p.mu.Unlock()

	p.sendKind(ctx, kind, enabled)
	p.changed()
	return nil
}

// SendState re-sends the local flags of both kinds.
func (p *Publisher) SendState(ctx context.Context) {
	st := p.State()
	for _, kind := range domain.MediaKinds {
		p.sendKind(ctx, kind, st.Enabled(kind))
	}
}

func (p *Publisher) sendKind(ctx context.Context, kind domain.MediaKind, enabled bool) {
	if p.sig == nil {
		return
	}
	if err := p.sig.Notify(ctx, "muteEvent", muteNotice{Muted: !enabled, Kind: kind}); err != nil {
		p.logger.Warn().Err(err).Str("kind", string(kind)).Msg("send mute state")
	}
}

func (p *Publisher) changed() {
	if p.opts.OnChange == nil {
		return
	}
	p.mu.Lock()
	stream, state := p.stream, p.state
	p.mu.Unlock()
	if stream == nil {
		return
	}
	p.opts.OnChange(stream, state)
}

func (p *Publisher) State() domain.MediaState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Publisher) Devices() []domain.Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.devices)
}

func (p *Publisher) Stream() core.LocalStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return nil
	}
	return p.stream
}

// Stop releases every capture device. Operations still in flight see
// ErrStopped and drop their results. It returns the id of the stream that
// was published, if any.
func (p *Publisher) Stop() string {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ""
	}
	p.stopped = true
	stream := p.stream
	p.state = domain.MediaState{}
	p.mu.Unlock()

	if stream == nil {
		return ""
	}
	closeTracks(stream.Tracks())
	p.logger.Info().Str("stream_id", stream.id).Msg("publisher stopped")
	return stream.id
}
