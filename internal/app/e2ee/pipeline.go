// Package e2ee encrypts encoded media frames end to end with a shared room
// key. All cryptographic work happens on a dedicated worker goroutine.
package e2ee

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/dmeet/internal/core"
	"github.com/rs/zerolog/log"
)

type Strategy string

const (
	StrategyAuto    Strategy = "auto"
	StrategyStreams Strategy = "streams"
	StrategyScript  Strategy = "script"
)

// ResolveStrategy picks the concrete way frames reach the worker.
func ResolveStrategy(s Strategy, scriptSupported bool) Strategy {
	switch s {
	case StrategyStreams:
		return StrategyStreams
	case StrategyScript:
		if scriptSupported {
			return StrategyScript
		}
		return StrategyStreams
	}
	if scriptSupported {
		return StrategyScript
	}
	return StrategyStreams
}

type Pipeline struct {
	worker   *Worker
	strategy Strategy

	keyOnce  sync.Once
	keyReady chan struct{}
}

func NewPipeline(strategy Strategy, scriptSupported bool) *Pipeline {
	p := &Pipeline{
		worker:   NewWorker(),
		strategy: ResolveStrategy(strategy, scriptSupported),
		keyReady: make(chan struct{}),
	}
	log.Info().Str("module", "e2ee").Str("strategy", string(p.strategy)).Msg("pipeline created")
	return p
}

func (p *Pipeline) Strategy() Strategy { return p.strategy }

// SetKey imports raw inside the worker. KeyReady is closed once it succeeds.
func (p *Pipeline) SetKey(ctx context.Context, raw []byte) error {
	if err := p.worker.SetKey(ctx, raw); err != nil {
		return err
	}
	p.keyOnce.Do(func() { close(p.keyReady) })
	return nil
}

func (p *Pipeline) KeyReady() <-chan struct{} { return p.keyReady }

func (p *Pipeline) hasKey() bool {
	select {
	case <-p.keyReady:
		return true
	default:
		return false
	}
}

// AttachSender encrypts everything ep sends from now on.
func (p *Pipeline) AttachSender(ctx context.Context, ep core.FrameEndpoint) error {
	return p.attach(ctx, OpEncode, ep)
}

// AttachReceiver decrypts everything ep receives from now on. It must run
// before the receiver's first frame is consumed.
func (p *Pipeline) AttachReceiver(ctx context.Context, ep core.FrameEndpoint) error {
	return p.attach(ctx, OpDecode, ep)
}

func (p *Pipeline) attach(ctx context.Context, op Operation, ep core.FrameEndpoint) error {
	if !p.hasKey() {
		log.Warn().Str("module", "e2ee").Str("op", string(op)).Str("kind", string(ep.Kind())).Msg("attached before key, frames will be dropped")
	}
	if p.strategy == StrategyScript {
		if err := ep.SetTransform(p.worker.Transformer(op, ep.Kind())); err != nil {
			return fmt.Errorf("register %s transform: %w", op, err)
		}
		return nil
	}
	streams, err := ep.EncodedStreams()
	if err != nil {
		return fmt.Errorf("%s streams: %w", op, err)
	}
	return p.worker.Attach(ctx, op, ep.Kind(), streams)
}

func (p *Pipeline) Close() {
	p.worker.Close()
	log.Info().Str("module", "e2ee").Msg("pipeline closed")
}
