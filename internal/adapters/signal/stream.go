package signal

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	wsrpc "github.com/sourcegraph/jsonrpc2/websocket"
)

// deadlineStream bounds every write on the socket by writeWait.
type deadlineStream struct {
	ws        *websocket.Conn
	inner     jsonrpc2.ObjectStream
	writeWait time.Duration
}

func newDeadlineStream(ws *websocket.Conn, writeWait time.Duration) *deadlineStream {
	return &deadlineStream{ws: ws, inner: wsrpc.NewObjectStream(ws), writeWait: writeWait}
}

func (s *deadlineStream) WriteObject(obj interface{}) error {
	if s.writeWait > 0 {
		if err := s.ws.SetWriteDeadline(time.Now().Add(s.writeWait)); err != nil {
			return err
		}
	}
	return s.inner.WriteObject(obj)
}

func (s *deadlineStream) ReadObject(v interface{}) error { return s.inner.ReadObject(v) }

func (s *deadlineStream) Close() error { return s.inner.Close() }
