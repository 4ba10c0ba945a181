// Package sfu fans the decoded packets of each remote track out to local
// sinks.
package sfu

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dkeye/dmeet/internal/core"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// Relay reads one remote track. The sink list is copy-on-write so the read
// loop never takes a lock per packet.
type Relay struct {
	Src core.RemoteTrack

	mu    sync.Mutex
	sinks atomic.Pointer[[]*Sink]

	muted   atomic.Bool
	skipped atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRelay(src core.RemoteTrack, cancel context.CancelFunc) *Relay {
	r := &Relay{Src: src, cancel: cancel, done: make(chan struct{})}
	r.sinks.Store(&[]*Sink{})
	return r
}

func (r *Relay) current() []*Sink { return *r.sinks.Load() }

// run delivers packets until the track ends or ctx is cancelled. Packets
// read while muted are counted and dropped.
func (r *Relay) run(ctx context.Context, logger *zerolog.Logger) {
	defer close(r.done)
	defer r.detachAll()
	for ctx.Err() == nil {
		pkt, err := r.Src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("remote track ended")
			return
		}
		if r.muted.Load() {
			r.skipped.Add(1)
			continue
		}
		r.deliver(pkt, logger)
	}
	logger.Debug().Msg("relay stopped")
}

func (r *Relay) deliver(pkt *rtp.Packet, logger *zerolog.Logger) {
	for _, s := range r.current() {
		if s.Detached() {
			continue
		}
		if err := s.W.WriteRTP(pkt); err != nil {
			logger.Warn().Err(err).Str("sink", s.Name).Msg("sink write failed, detaching")
			r.remove(s)
		}
	}
}

func (r *Relay) AddSink(s *Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := append(slices.Clone(r.current()), s)
	r.sinks.Store(&next)
}

func (r *Relay) remove(s *Sink) {
	if !s.detach() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	next := slices.DeleteFunc(slices.Clone(r.current()), func(x *Sink) bool { return x == s })
	r.sinks.Store(&next)
}

func (r *Relay) detachAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.current() {
		s.detach()
	}
	r.sinks.Store(&[]*Sink{})
}

// stop cancels the loop and detaches every sink at once; a loop blocked in
// ReadRTP exits when its track does.
func (r *Relay) stop() {
	r.cancel()
	r.detachAll()
}

func (r *Relay) SetMuted(muted bool) { r.muted.Store(muted) }
func (r *Relay) Muted() bool         { return r.muted.Load() }

// Skipped counts packets dropped while muted.
func (r *Relay) Skipped() uint64 { return r.skipped.Load() }

func (r *Relay) SinkCount() int { return len(r.current()) }

// Done is closed once the loop has returned.
func (r *Relay) Done() <-chan struct{} { return r.done }
