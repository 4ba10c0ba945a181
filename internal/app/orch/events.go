package orch

import (
	"context"
	"encoding/json"

	"github.com/dkeye/dmeet/internal/app"
	"github.com/dkeye/dmeet/internal/app/e2ee"
	"github.com/dkeye/dmeet/internal/core"
	"github.com/dkeye/dmeet/internal/domain"
)

// handle routes every known notification into the event queue. It runs
// before join so nothing the relay sends after join is missed.
func (s *Session) handle(sig core.Signaling) {
	for _, method := range s.deps.Methods {
		sig.OnNotify(method, func(_ context.Context, raw json.RawMessage) {
			ev, err := s.deps.Decode(method, raw)
			if err != nil {
				s.logger.Warn().Err(err).Str("method", method).Msg("undecodable notification")
				return
			}
			if ev != nil {
				s.post(ev)
			}
		})
	}
}

func (s *Session) post(ev core.Event) {
	if !s.events.push(ev) {
		s.logger.Debug().Str("event", core.EventName(ev)).Msg("session closed, event dropped")
	}
}

// loop is the only goroutine that touches the registry.
func (s *Session) loop(reg *app.Registry) {
	defer close(s.loopDone)
	for {
		ev, ok := s.events.pop()
		if !ok {
			return
		}
		s.apply(reg, ev)
	}
}

func (s *Session) apply(reg *app.Registry, ev core.Event) {
	before := reg.Snapshot()
	reg.Apply(ev)

	switch e := ev.(type) {
	case core.JoinEvent:
		if e.Participant.UID != reg.LocalUID() {
			s.resendState()
		}
	case core.ParticipantsEvent:
		for _, p := range e.Participants {
			if _, known := before.Participant(p.UID); !known && p.UID != reg.LocalUID() {
				s.resendState()
				break
			}
		}
	case core.MuteEvent:
		if b, ok := reg.Snapshot().StreamOf(e.UID); ok && !b.Local {
			s.deps.Relays.SetMuted(b.StreamID, e.Kind, e.Muted)
		}
	case core.LeaveEvent:
		streamID := e.Participant.StreamID
		if b, ok := before.StreamOf(e.Participant.UID); ok {
			streamID = b.StreamID
		}
		if streamID != "" {
			s.deps.Relays.StopStream(streamID)
		}
	case core.EndEvent:
		s.mu.Lock()
		s.hostEnded = true
		s.mu.Unlock()
		s.logger.Info().Str("by", e.Participant.UID).Msg("room ended by host")
		s.end(nil)
	}
}

// resendState lets late joiners learn our mute flags. It never blocks the
// event path.
func (s *Session) resendState() {
	s.mu.Lock()
	pub, active := s.publisher, s.state == StateActive
	s.mu.Unlock()
	if pub == nil || !active {
		return
	}
	go pub.SendState(s.ctx)
}

// onTrack runs on the transport's goroutine for every remote track.
func (s *Session) onTrack(pipeline *e2ee.Pipeline, t core.RemoteTrack) {
	logger := s.logger.With().Str("stream_id", t.StreamID()).Str("track_id", t.ID()).Str("kind", string(t.Kind())).Logger()
	if s.State() >= StateEnding {
		return
	}
	if pipeline != nil {
		ep, ok := t.(core.FrameEndpoint)
		select {
		case <-pipeline.KeyReady():
			switch {
			case !ok:
				logger.Warn().Msg("remote track has no frame path, frames will be dropped")
			default:
				if err := pipeline.AttachReceiver(s.ctx, ep); err != nil {
					s.report(&domain.E2EEKeyError{Reason: "attach receiver", Err: err})
				}
			}
		default:
			s.report(&domain.E2EEKeyError{Reason: "no key for receiver"})
		}
	}
	logger.Info().Msg("remote track")
	s.post(core.TrackEvent{Track: t})
	s.deps.Relays.StartRelay(s.ctx, t)
}
