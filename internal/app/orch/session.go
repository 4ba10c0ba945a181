// Package orch runs one call session: admission, signaling, join, publish
// and teardown, with every roster change applied on a single event path.
package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/dmeet/internal/app"
	"github.com/dkeye/dmeet/internal/app/e2ee"
	"github.com/dkeye/dmeet/internal/app/media"
	"github.com/dkeye/dmeet/internal/app/sfu"
	"github.com/dkeye/dmeet/internal/core"
	"github.com/dkeye/dmeet/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrStarted = errors.New("session already started")
	ErrEnded   = errors.New("session ended")
	ErrNoMedia = errors.New("session is not publishing")
)

// Deps are the collaborators one session drives.
type Deps struct {
	Admission core.Admission
	Dial      core.Dialer
	Transport core.TransportFactory
	Media     core.MediaSource
	Policy    app.Policy
	Relays    *sfu.RelayManager
	// Decode turns one inbound notification into a roster event.
	Decode func(method string, raw json.RawMessage) (core.Event, error)
	// Methods are the notifications routed through Decode.
	Methods []string
}

type Options struct {
	Params       domain.RoomParams
	Constraints  domain.MediaConstraints
	AudioEnabled bool
	VideoEnabled bool
	MessageTTL   time.Duration
	EndTimeout   time.Duration
	E2EEStrategy e2ee.Strategy
	AppURL       string
	AfterFunc    app.AfterFunc
}

// Info is the public state of a session.
type Info struct {
	State  State  `json:"state"`
	SID    string `json:"sid,omitempty"`
	UID    string `json:"uid,omitempty"`
	IsHost bool   `json:"isHost"`
	E2EE   bool   `json:"e2ee"`
	Invite string `json:"invite,omitempty"`
	Count  int    `json:"count"`
}

type Session struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger

	events   *queue
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	done     chan struct{}
	endOnce  sync.Once

	mu        sync.Mutex
	state     State
	cause     error
	info      Info
	creds     *domain.SessionCredentials
	registry  *app.Registry
	sig       core.Signaling
	transport core.Transport
	pipeline  *e2ee.Pipeline
	publisher *media.Publisher
	hostEnded bool
}

func New(deps Deps, opts Options) *Session {
	if deps.Policy == nil {
		deps.Policy = app.SimplePolicy{}
	}
	if deps.Relays == nil {
		deps.Relays = sfu.NewRelayManager()
	}
	if opts.EndTimeout <= 0 {
		opts.EndTimeout = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		deps:     deps,
		opts:     opts,
		logger:   log.With().Str("module", "orch").Logger(),
		events:   newQueue(),
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves to `to` if the table allows it from the current state.
func (s *Session) transition(to State) bool {
	s.mu.Lock()
	from := s.state
	ok := CanTransition(from, to)
	if ok {
		s.state = to
	}
	s.mu.Unlock()

	if ok {
		s.logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("state")
	} else if from < StateEnding {
		s.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("illegal transition")
	}
	return ok
}

// adopt stores a resource the session now owns. It returns false once the
// session is ending; the caller then releases the resource itself.
func (s *Session) adopt(set func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state >= StateEnding {
		return false
	}
	set()
	return true
}

// Start runs the session until it is Active. On failure the session is
// already drained to Closed when Start returns.
func (s *Session) Start(ctx context.Context) error {
	if !s.transition(StateAdmitting) {
		if s.State() >= StateEnding {
			return ErrEnded
		}
		return ErrStarted
	}
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	unbind := context.AfterFunc(s.ctx, stop)
	defer unbind()

	if err := s.run(ctx); err != nil {
		s.end(err)
		<-s.done
		return err
	}
	return nil
}

func (s *Session) run(ctx context.Context) error {
	params := s.opts.Params
	if !params.Creating() && !params.E2EE {
		info, err := s.deps.Admission.Info(ctx, params.SID)
		if err != nil {
			s.logger.Warn().Err(err).Str("sid", params.SID).Msg("room info unavailable")
		} else {
			params.E2EE = info.E2EE
		}
	}

	creds, err := s.deps.Admission.CreateOrJoin(ctx, params)
	if err != nil {
		return err
	}
	registry := app.NewRegistry(creds.UID, app.RegistryOptions{
		MessageTTL: s.opts.MessageTTL,
		AfterFunc:  s.opts.AfterFunc,
		Post:       s.post,
	})
	if !s.adopt(func() {
		s.creds = creds
		s.registry = registry
		s.info = Info{SID: creds.SID, UID: creds.UID, IsHost: creds.IsHost, E2EE: creds.Encrypted(), Invite: s.invite(creds.SID)}
	}) {
		creds.Wipe()
		return ErrEnded
	}
	s.logger.Info().Str("sid", creds.SID).Str("uid", creds.UID).Bool("e2ee", creds.Encrypted()).Msg("session admitted")
	go s.loop(registry)

	if !s.transition(StateConnecting) {
		return ErrEnded
	}
	sig, err := s.deps.Dial(ctx, creds.RelayURL)
	if err != nil {
		return err
	}
	if !s.adopt(func() { s.sig = sig }) {
		_ = sig.Close()
		return ErrEnded
	}
	s.handle(sig)
	go s.watch(sig)

	if !s.transition(StateJoining) {
		return ErrEnded
	}
	encrypted := creds.Encrypted()
	transport, err := s.deps.Transport(sig, encrypted)
	if err != nil {
		return &domain.NegotiationError{Err: err}
	}
	if !s.adopt(func() { s.transport = transport }) {
		_ = transport.Close()
		return ErrEnded
	}

	var pipeline *e2ee.Pipeline
	if encrypted {
		pipeline = e2ee.NewPipeline(s.opts.E2EEStrategy, transport.ScriptTransform())
		if !s.adopt(func() { s.pipeline = pipeline }) {
			pipeline.Close()
			return ErrEnded
		}
		// Without a key the pipeline stays keyless and every frame is dropped.
		if creds.Key == "" {
			s.report(&domain.E2EEKeyError{Reason: "room key missing"})
		} else if err := pipeline.SetKey(ctx, []byte(creds.Key)); err != nil {
			s.report(keyError(err))
		}
	}
	transport.OnTrack(func(t core.RemoteTrack) { s.onTrack(pipeline, t) })
	transport.OnNegotiationError(s.report)

	if err := transport.Join(ctx, creds); err != nil {
		return err
	}
	if !s.transition(StateActive) {
		return ErrEnded
	}

	if creds.NoPublish {
		s.post(core.LocalMediaEvent{UID: creds.UID})
		return nil
	}
	return s.publish(ctx, sig, transport, pipeline, creds.UID)
}

func (s *Session) invite(sid string) string {
	if s.opts.AppURL == "" || sid == "" {
		return ""
	}
	return s.opts.AppURL + "/join/" + sid
}

func keyError(err error) error {
	if errors.Is(err, domain.ErrE2EEKey) {
		return err
	}
	return &domain.E2EEKeyError{Reason: "import key", Err: err}
}

// report applies the failure policy to an error raised outside Start.
func (s *Session) report(err error) {
	action := s.deps.Policy.OnFailure(err)
	s.logger.Error().Err(err).Str("action", action.String()).Msg("session error")
	if action == app.Hangup {
		s.end(err)
	}
}

// watch ends the session when the channel goes down.
func (s *Session) watch(sig core.Signaling) {
	select {
	case <-sig.Done():
	case <-s.ctx.Done():
		return
	}
	if s.State() >= StateEnding {
		return
	}
	err := sig.Err()
	if err == nil {
		err = &domain.SignalingTransportError{}
	}
	s.report(err)
}

// Hangup ends the session. It returns at once; Wait blocks until Closed.
func (s *Session) Hangup() {
	s.end(nil)
}

// Wait blocks until the session is Closed and returns the failure that
// ended it, if any.
func (s *Session) Wait() error {
	<-s.done
	return s.Err()
}

func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

func (s *Session) end(cause error) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.cause = cause
		s.mu.Unlock()
		if !s.transition(StateEnding) {
			return
		}
		s.cancel()
		go s.teardown()
	})
}

func (s *Session) teardown() {
	s.mu.Lock()
	sig, transport, pipeline := s.sig, s.transport, s.pipeline
	publisher, registry, creds := s.publisher, s.registry, s.creds
	hostEnded := s.hostEnded
	s.mu.Unlock()

	if sig != nil && sig.Ready() && !hostEnded {
		s.sendEnd(sig)
	}
	var stopped string
	if publisher != nil {
		stopped = publisher.Stop()
	}
	s.deps.Relays.StopAll()
	if transport != nil {
		if err := transport.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("transport close")
		}
	}
	if pipeline != nil {
		pipeline.Close()
	}
	if sig != nil {
		if err := sig.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("signaling close")
		}
	}

	s.events.close()
	if registry != nil {
		<-s.loopDone
		// The loop is gone, so teardown is the registry's only writer now.
		if stopped != "" {
			registry.Apply(core.LocalStreamStopped{StreamID: stopped})
		}
		registry.Close()
	}
	creds.Wipe()
	s.finish()
}

func (s *Session) finish() {
	s.mu.Lock()
	s.state = StateClosed
	cause := s.cause
	s.mu.Unlock()
	s.cancel()

	ev := s.logger.Info()
	if cause != nil {
		ev = s.logger.Warn().Err(cause)
	}
	ev.Msg("session closed")
	close(s.done)
}

// sendEnd tells the relay we leave. The relay does not answer, so the call
// is bounded and a timeout is expected.
func (s *Session) sendEnd(sig core.Signaling) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.EndTimeout)
	defer cancel()
	err := sig.Call(ctx, "end", struct{}{}, nil)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		s.logger.Debug().Dur("timeout", s.opts.EndTimeout).Msg("end not acknowledged")
	default:
		s.logger.Warn().Err(err).Msg("send end")
	}
}

// Snapshot is the latest roster, or nil before admission.
func (s *Session) Snapshot() *app.Snapshot {
	s.mu.Lock()
	reg := s.registry
	s.mu.Unlock()
	if reg == nil {
		return nil
	}
	return reg.Snapshot()
}

// Subscribe follows roster changes. The channel closes with the session.
func (s *Session) Subscribe() (<-chan *app.Snapshot, func(), error) {
	s.mu.Lock()
	reg := s.registry
	s.mu.Unlock()
	if reg == nil {
		return nil, nil, fmt.Errorf("subscribe: %w", ErrEnded)
	}
	ch, cancel := reg.Subscribe()
	return ch, cancel, nil
}

func (s *Session) Info() Info {
	s.mu.Lock()
	info, reg := s.info, s.registry
	info.State = s.state
	s.mu.Unlock()
	if reg != nil {
		info.Count = reg.Snapshot().Count
	}
	return info
}

func (s *Session) Stats() []sfu.StreamStats { return s.deps.Relays.Stats() }
