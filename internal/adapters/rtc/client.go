// Package rtc is the two-transport media client of the relay: a publisher
// peer connection that sends local tracks and a subscriber peer connection
// that receives everyone else.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/dkeye/dmeet/internal/core"
	"github.com/dkeye/dmeet/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const dataChannelLabel = "ion-sfu"

var (
	ErrClosed   = errors.New("transport closed")
	ErrPeerLost = errors.New("peer connection failed")
)

type Options struct {
	ICEServers []string
	// Codecs registers what the capture side encodes. nil registers the
	// pion defaults.
	Codecs func(*webrtc.MediaEngine) error
	// Script makes endpoints advertise inline transforms.
	Script bool
}

type joinRequest struct {
	Token     string                    `json:"token"`
	Signature string                    `json:"signature"`
	Name      string                    `json:"name"`
	Offer     webrtc.SessionDescription `json:"offer"`
}

type negotiation struct {
	Desc webrtc.SessionDescription `json:"desc"`
}

type trickle struct {
	Target    Target                  `json:"target"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type Client struct {
	sig    core.Signaling
	hooks  *FrameHooks
	pub    *Connection
	sub    *Connection
	script bool
	logger zerolog.Logger

	negMu sync.Mutex

	mu       sync.Mutex
	joined   bool
	closed   bool
	outbox   []trickle
	senders  []*trackSender
	onTrack  func(core.RemoteTrack)
	onNegErr func(error)
}

var _ core.Transport = (*Client)(nil)

// NewFactory binds opts into a TransportFactory for the session.
func NewFactory(opts Options) core.TransportFactory {
	return func(sig core.Signaling, encrypted bool) (core.Transport, error) {
		return New(sig, encrypted, opts)
	}
}

func New(sig core.Signaling, encrypted bool, opts Options) (*Client, error) {
	logger := log.With().Str("module", "webrtc").Logger()
	drops := log.Sample(&zerolog.BasicSampler{N: 500}).With().Str("module", "webrtc").Logger()

	mediaEngine := &webrtc.MediaEngine{}
	register := opts.Codecs
	if register == nil {
		register = func(m *webrtc.MediaEngine) error { return m.RegisterDefaultCodecs() }
	}
	if err := register(mediaEngine); err != nil {
		return nil, err
	}

	hooks := NewFrameHooks(encrypted, &drops)
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}
	// Last in the chain so it sees packets before any default interceptor.
	interceptorRegistry.Add(hooks)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)
	cfg := DefaultWebRTCConfig(opts.ICEServers)

	pub, err := NewConnection(api, cfg, TargetPublisher, logger)
	if err != nil {
		return nil, err
	}
	sub, err := NewConnection(api, cfg, TargetSubscriber, logger)
	if err != nil {
		_ = pub.Close()
		return nil, err
	}

	c := &Client{
		sig:    sig,
		hooks:  hooks,
		pub:    pub,
		sub:    sub,
		script: opts.Script,
		logger: logger,
	}
	pub.OnICECandidate(func(ci webrtc.ICECandidateInit) { c.trickle(TargetPublisher, ci) })
	sub.OnICECandidate(func(ci webrtc.ICECandidateInit) { c.trickle(TargetSubscriber, ci) })
	sub.OnTrack(c.handleTrack)
	pub.OnClosed(func() { c.peerLost(TargetPublisher) })
	sub.OnClosed(func() { c.peerLost(TargetSubscriber) })

	sig.OnNotify("offer", c.handleOffer)
	sig.OnNotify("trickle", c.handleTrickle)
	return c, nil
}

func (c *Client) OnTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Client) OnNegotiationError(fn func(error)) {
	c.mu.Lock()
	c.onNegErr = fn
	c.mu.Unlock()
}

func (c *Client) ScriptTransform() bool { return c.script }

// Join sends the publisher offer with the admission token and applies the
// relay's answer. The subscriber is negotiated by the relay afterwards.
func (c *Client) Join(ctx context.Context, creds *domain.SessionCredentials) error {
	if _, err := c.pub.pc.CreateDataChannel(dataChannelLabel, nil); err != nil {
		return &domain.NegotiationError{Target: int(TargetPublisher), Err: err}
	}
	offer, err := c.pub.Offer()
	if err != nil {
		return &domain.NegotiationError{Target: int(TargetPublisher), Err: err}
	}

	var answer webrtc.SessionDescription
	req := joinRequest{Token: creds.Token, Signature: creds.Signature, Name: creds.Name, Offer: offer}
	if err := c.sig.Call(ctx, "join", req, &answer); err != nil {
		return callError(err)
	}
	if err := c.pub.SetRemoteDescription(answer); err != nil {
		return &domain.NegotiationError{Target: int(TargetPublisher), Err: err}
	}

	c.mu.Lock()
	c.joined = true
	queued := c.outbox
	c.outbox = nil
	c.mu.Unlock()
	for _, t := range queued {
		c.sendTrickle(t)
	}
	c.logger.Info().Str("sid", creds.SID).Str("uid", creds.UID).Msg("joined")
	return nil
}

// Publish adds the stream's tracks to the publisher and renegotiates once.
func (c *Client) Publish(ctx context.Context, stream core.LocalStream) ([]core.TrackSender, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	var added []*trackSender
	for _, t := range stream.Tracks() {
		ct, ok := t.(Capturable)
		if !ok {
			return nil, ErrNotCapturable
		}
		tr, err := c.pub.pc.AddTransceiverFromTrack(ct.TrackLocal(), webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendonly,
		})
		if err != nil {
			return nil, &domain.NegotiationError{Target: int(TargetPublisher), Err: err}
		}
		rs := tr.Sender()
		ssrc := uint32(rs.GetParameters().Encodings[0].SSRC)
		s := newTrackSender(t, rs, ssrc, c.hooks)
		c.hooks.register(ssrc, s)
		added = append(added, s)
		go c.readRTCP(rs)
	}

	if err := c.renegotiate(ctx); err != nil {
		for _, s := range added {
			s.stop()
		}
		return nil, err
	}

	c.mu.Lock()
	c.senders = append(c.senders, added...)
	c.mu.Unlock()

	out := make([]core.TrackSender, len(added))
	for i, s := range added {
		out[i] = s
	}
	c.logger.Info().Str("stream_id", stream.ID()).Int("tracks", len(out)).Msg("published")
	return out, nil
}

func (c *Client) renegotiate(ctx context.Context) error {
	c.negMu.Lock()
	defer c.negMu.Unlock()

	offer, err := c.pub.Offer()
	if err != nil {
		return &domain.NegotiationError{Target: int(TargetPublisher), Err: err}
	}
	var answer webrtc.SessionDescription
	if err := c.sig.Call(ctx, "offer", negotiation{Desc: offer}, &answer); err != nil {
		return callError(err)
	}
	if err := c.pub.SetRemoteDescription(answer); err != nil {
		return &domain.NegotiationError{Target: int(TargetPublisher), Err: err}
	}
	return nil
}

// callError keeps transport failures as they are; anything the relay
// answered with is a publisher negotiation failure.
func callError(err error) error {
	if errors.Is(err, domain.ErrSignalingTransport) {
		return err
	}
	return &domain.NegotiationError{Target: int(TargetPublisher), Err: err}
}

// readRTCP keeps the sender's interceptors fed. It ends with the sender.
func (c *Client) readRTCP(rs *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := rs.Read(buf); err != nil {
			return
		}
	}
}

func (c *Client) handleOffer(ctx context.Context, params json.RawMessage) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(params, &offer); err != nil {
		c.negotiationFailed(TargetSubscriber, err)
		return
	}
	answer, err := c.sub.Answer(offer)
	if err != nil {
		c.negotiationFailed(TargetSubscriber, err)
		return
	}
	if err := c.sig.Notify(ctx, "answer", negotiation{Desc: answer}); err != nil {
		c.negotiationFailed(TargetSubscriber, err)
	}
}

func (c *Client) handleTrickle(_ context.Context, params json.RawMessage) {
	var t trickle
	if err := json.Unmarshal(params, &t); err != nil {
		c.logger.Warn().Err(err).Msg("bad trickle")
		return
	}
	conn := c.pub
	if t.Target == TargetSubscriber {
		conn = c.sub
	}
	if err := conn.AddICECandidate(t.Candidate); err != nil {
		c.logger.Warn().Err(err).Str("target", t.Target.String()).Msg("add candidate")
	}
}

func (c *Client) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	rt := &remoteTrack{
		framePath: newFramePath(kindOf(track.Kind()), c.hooks.encrypted, c.hooks.drops),
		src:       track,
		writeRTCP: c.sub.pc.WriteRTCP,
	}
	if err := rt.RequestKeyframe(); err != nil {
		c.logger.Debug().Err(err).Msg("keyframe request")
	}
	c.mu.Lock()
	fn := c.onTrack
	c.mu.Unlock()
	if fn != nil {
		fn(rt)
	}
}

// trickle sends a local candidate, holding it back until joined.
func (c *Client) trickle(target Target, ci webrtc.ICECandidateInit) {
	t := trickle{Target: target, Candidate: ci}
	c.mu.Lock()
	if !c.joined {
		c.outbox = append(c.outbox, t)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.sendTrickle(t)
}

func (c *Client) sendTrickle(t trickle) {
	if err := c.sig.Notify(context.Background(), "trickle", t); err != nil {
		c.logger.Warn().Err(err).Str("target", t.Target.String()).Msg("trickle")
	}
}

// peerLost reports a transport that failed under a live session. Closing
// the client closes both connections, which is not a failure.
func (c *Client) peerLost(target Target) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.negotiationFailed(target, ErrPeerLost)
}

func (c *Client) negotiationFailed(target Target, err error) {
	nerr := &domain.NegotiationError{Target: int(target), Err: err}
	c.logger.Error().Err(nerr).Msg("negotiation failed")
	c.mu.Lock()
	fn := c.onNegErr
	c.mu.Unlock()
	if fn != nil {
		fn(nerr)
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	senders := c.senders
	c.senders = nil
	c.onTrack = nil
	c.onNegErr = nil
	c.mu.Unlock()

	for _, s := range senders {
		s.stop()
	}
	return errors.Join(c.pub.Close(), c.sub.Close())
}
