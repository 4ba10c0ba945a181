package rtc

import (
	"io"

	"github.com/dkeye/dmeet/internal/core"
	"github.com/dkeye/dmeet/internal/domain"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type remoteTrack struct {
	*framePath
	src       *webrtc.TrackRemote
	writeRTCP func([]rtcp.Packet) error
}

var (
	_ core.RemoteTrack   = (*remoteTrack)(nil)
	_ core.FrameEndpoint = (*remoteTrack)(nil)
)

func kindOf(t webrtc.RTPCodecType) domain.MediaKind {
	if t == webrtc.RTPCodecTypeVideo {
		return domain.KindVideo
	}
	return domain.KindAudio
}

func (t *remoteTrack) ID() string       { return t.src.ID() }
func (t *remoteTrack) StreamID() string { return t.src.StreamID() }

// RequestKeyframe asks the sender for a fresh picture.
func (t *remoteTrack) RequestKeyframe() error {
	if t.kind != domain.KindVideo {
		return nil
	}
	return t.writeRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(t.src.SSRC())}})
}

// EncodedStreams hands incoming frames to a consumer. ReadRTP then returns
// what the consumer writes back.
func (t *remoteTrack) EncodedStreams() (core.EncodedStreams, error) {
	streams, err := t.take()
	if err != nil {
		return streams, err
	}
	go t.feed()
	return streams, nil
}

func (t *remoteTrack) feed() {
	defer t.close()
	for {
		pkt, _, err := t.src.ReadRTP()
		if err != nil {
			return
		}
		t.offer(core.EncodedFrame{Kind: t.kind, Header: pkt.Header, Payload: pkt.Payload})
	}
}

func (t *remoteTrack) ReadRTP() (*rtp.Packet, error) {
	for {
		tr, writable := t.route()
		if writable != nil {
			f, ok := <-writable
			if !ok {
				return nil, io.EOF
			}
			return &rtp.Packet{Header: f.Header, Payload: f.Payload}, nil
		}
		pkt, _, err := t.src.ReadRTP()
		if err != nil {
			return nil, err
		}
		out, ok := t.apply(tr, core.EncodedFrame{Kind: t.kind, Header: pkt.Header, Payload: pkt.Payload})
		if !ok {
			continue
		}
		pkt.Header = out.Header
		pkt.Payload = out.Payload
		return pkt, nil
	}
}
