package e2ee

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/dmeet/internal/core"
	"github.com/dkeye/dmeet/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrWorkerClosed = errors.New("e2ee worker closed")

type Operation string

const (
	OpSetKey Operation = "setKey"
	OpEncode Operation = "encode"
	OpDecode Operation = "decode"
)

// message is everything the worker accepts on its inbox.
type message struct {
	op      Operation
	key     []byte
	kind    domain.MediaKind
	streams core.EncodedStreams
	done    chan error
}

type job struct {
	op    Operation
	frame core.EncodedFrame
	reply chan result
}

type result struct {
	frame core.EncodedFrame
	ok    bool
}

// Worker owns the key and performs every frame operation on its own
// goroutine. Nothing it holds is reachable from outside.
type Worker struct {
	inbox  chan message
	jobs   chan job
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
	pumps  sync.WaitGroup
	drops  zerolog.Logger
}

func NewWorker() *Worker {
	w := &Worker{
		inbox:  make(chan message),
		jobs:   make(chan job),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
		drops:  log.Sample(&zerolog.BasicSampler{N: 200}).With().Str("module", "e2ee").Logger(),
	}
	go w.run()
	return w
}

func (w *Worker) run() {
	defer close(w.exited)
	var fc *frameCipher
	for {
		select {
		case <-w.done:
			return
		case m := <-w.inbox:
			switch m.op {
			case OpSetKey:
				aead, err := ImportKey(m.key)
				if err == nil {
					fc = newFrameCipher(aead)
					log.Info().Str("module", "e2ee").Msg("key installed")
				}
				m.done <- err
			case OpEncode, OpDecode:
				w.pump(m)
				m.done <- nil
			default:
				m.done <- errors.New("unknown operation " + string(m.op))
			}
		case j := <-w.jobs:
			j.reply <- w.process(fc, j)
		}
	}
}

func (w *Worker) process(fc *frameCipher, j job) result {
	if fc == nil {
		w.drops.Debug().Str("op", string(j.op)).Str("kind", string(j.frame.Kind)).Msg("no key, frame dropped")
		return result{}
	}
	var (
		payload []byte
		err     error
	)
	if j.op == OpEncode {
		payload, err = fc.encrypt(j.frame.Kind, j.frame.Payload)
	} else {
		payload, err = fc.decrypt(j.frame.Kind, j.frame.Payload)
	}
	if err != nil {
		w.drops.Warn().Err(err).Str("op", string(j.op)).Str("kind", string(j.frame.Kind)).Msg("frame dropped")
		return result{}
	}
	out := j.frame
	out.Payload = payload
	return result{frame: out, ok: true}
}

// pump moves frames from streams.Readable through the worker to
// streams.Writable until Readable closes or the worker stops.
func (w *Worker) pump(m message) {
	w.pumps.Add(1)
	go func() {
		defer w.pumps.Done()
		defer close(m.streams.Writable)
		for {
			select {
			case <-w.done:
				return
			case f, ok := <-m.streams.Readable:
				if !ok {
					return
				}
				if f.Kind == "" {
					f.Kind = m.kind
				}
				res := w.submit(m.op, f)
				if !res.ok {
					continue
				}
				select {
				case m.streams.Writable <- res.frame:
				case <-w.done:
					return
				}
			}
		}
	}()
}

func (w *Worker) submit(op Operation, f core.EncodedFrame) result {
	reply := make(chan result, 1)
	select {
	case w.jobs <- job{op: op, frame: f, reply: reply}:
	case <-w.done:
		return result{}
	}
	select {
	case r := <-reply:
		return r
	case <-w.done:
		return result{}
	}
}

func (w *Worker) send(ctx context.Context, m message) error {
	m.done = make(chan error, 1)
	select {
	case w.inbox <- m:
	case <-w.done:
		return ErrWorkerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-m.done:
		return err
	case <-w.done:
		return ErrWorkerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetKey imports raw as the session key. It returns once the key is usable.
func (w *Worker) SetKey(ctx context.Context, raw []byte) error {
	key := make([]byte, len(raw))
	copy(key, raw)
	return w.send(ctx, message{op: OpSetKey, key: key})
}

// Attach hands an endpoint's encoded streams to the worker.
func (w *Worker) Attach(ctx context.Context, op Operation, kind domain.MediaKind, streams core.EncodedStreams) error {
	if op != OpEncode && op != OpDecode {
		return errors.New("attach: unsupported operation " + string(op))
	}
	return w.send(ctx, message{op: op, kind: kind, streams: streams})
}

// Transformer returns an inline transform for endpoints that register one
// instead of handing over their streams. Frames still go through the worker.
func (w *Worker) Transformer(op Operation, kind domain.MediaKind) core.FrameTransformer {
	return &scriptTransform{w: w, op: op, kind: kind}
}

func (w *Worker) Close() {
	w.once.Do(func() { close(w.done) })
	<-w.exited
	w.pumps.Wait()
}

type scriptTransform struct {
	w    *Worker
	op   Operation
	kind domain.MediaKind
}

func (t *scriptTransform) Transform(f core.EncodedFrame) (core.EncodedFrame, bool) {
	if f.Kind == "" {
		f.Kind = t.kind
	}
	r := t.w.submit(t.op, f)
	return r.frame, r.ok
}
