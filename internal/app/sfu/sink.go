package sfu

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

// PacketWriter consumes decoded packets of one remote track.
type PacketWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// Sink is one named local consumer of a remote track. Once detached it is
// never written again.
type Sink struct {
	Name string
	W    PacketWriter

	detached atomic.Bool
}

func NewSink(name string, w PacketWriter) *Sink {
	return &Sink{Name: name, W: w}
}

func (s *Sink) Detached() bool { return s.detached.Load() }

// detach reports whether this call was the one that detached s.
func (s *Sink) detach() bool { return s.detached.CompareAndSwap(false, true) }
