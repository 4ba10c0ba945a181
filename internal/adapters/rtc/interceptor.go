package rtc

import (
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// FrameHooks is an interceptor factory that routes outgoing RTP of every
// registered sender through its frame path. Streams without a registered
// sender pass untouched unless the session is encrypted.
type FrameHooks struct {
	encrypted bool
	drops     *zerolog.Logger

	mu      sync.RWMutex
	senders map[uint32]*trackSender
	writers map[uint32]interceptor.RTPWriter
}

var _ interceptor.Factory = (*FrameHooks)(nil)

func NewFrameHooks(encrypted bool, drops *zerolog.Logger) *FrameHooks {
	return &FrameHooks{
		encrypted: encrypted,
		drops:     drops,
		senders:   make(map[uint32]*trackSender),
		writers:   make(map[uint32]interceptor.RTPWriter),
	}
}

func (h *FrameHooks) NewInterceptor(_ string) (interceptor.Interceptor, error) {
	return &frameInterceptor{hooks: h}, nil
}

func (h *FrameHooks) register(ssrc uint32, s *trackSender) {
	h.mu.Lock()
	h.senders[ssrc] = s
	h.mu.Unlock()
}

func (h *FrameHooks) unregister(ssrc uint32) {
	h.mu.Lock()
	delete(h.senders, ssrc)
	h.mu.Unlock()
}

func (h *FrameHooks) sender(ssrc uint32) *trackSender {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.senders[ssrc]
}

// writer is the next RTP writer of a bound stream, nil before binding.
func (h *FrameHooks) writer(ssrc uint32) interceptor.RTPWriter {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.writers[ssrc]
}

func (h *FrameHooks) write(ssrc uint32, hdr *rtp.Header, payload []byte, attrs interceptor.Attributes, next interceptor.RTPWriter) (int, error) {
	if s := h.sender(ssrc); s != nil {
		return s.write(hdr, payload, attrs, next)
	}
	if h.encrypted {
		h.drops.Debug().Uint32("ssrc", ssrc).Msg("unregistered stream in encrypted session, packet dropped")
		return len(payload), nil
	}
	return next.Write(hdr, payload, attrs)
}

type frameInterceptor struct {
	interceptor.NoOp
	hooks *FrameHooks
}

func (i *frameInterceptor) BindLocalStream(info *interceptor.StreamInfo, writer interceptor.RTPWriter) interceptor.RTPWriter {
	ssrc := info.SSRC
	i.hooks.mu.Lock()
	i.hooks.writers[ssrc] = writer
	i.hooks.mu.Unlock()

	return interceptor.RTPWriterFunc(func(hdr *rtp.Header, payload []byte, attrs interceptor.Attributes) (int, error) {
		return i.hooks.write(ssrc, hdr, payload, attrs, writer)
	})
}

func (i *frameInterceptor) UnbindLocalStream(info *interceptor.StreamInfo) {
	i.hooks.mu.Lock()
	delete(i.hooks.writers, info.SSRC)
	i.hooks.mu.Unlock()
}
