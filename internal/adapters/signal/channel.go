package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/dmeet/internal/core"
	"github.com/dkeye/dmeet/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/jsonrpc2"
)

var ErrNotReady = errors.New("signaling channel not ready")

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	WriteWait  time.Duration
	Header     http.Header
}

// Channel is a JSON-RPC 2.0 session with the relay over one websocket.
// It never reconnects.
type Channel struct {
	url  string
	ws   *websocket.Conn
	conn *jsonrpc2.Conn
	opts Options

	mu       sync.RWMutex
	handlers map[string]core.NotifyHandler

	ready   atomic.Bool
	closing atomic.Bool
	done    chan struct{}

	errMu sync.Mutex
	err   error
}

var _ core.Signaling = (*Channel)(nil)

func Dial(ctx context.Context, url string, opts Options) (*Channel, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	ws, _, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		return nil, &domain.SignalingTransportError{Err: fmt.Errorf("dial %s: %w", url, err)}
	}
	if opts.ReadLimit > 0 {
		ws.SetReadLimit(opts.ReadLimit)
	}
	if opts.PingPeriod > 0 {
		pongWait := opts.PingPeriod * 10 / 9
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	c := &Channel{
		url:      url,
		ws:       ws,
		opts:     opts,
		handlers: make(map[string]core.NotifyHandler),
		done:     make(chan struct{}),
	}
	c.conn = jsonrpc2.NewConn(context.Background(), newDeadlineStream(ws, opts.WriteWait), c)
	c.ready.Store(true)

	go c.watch()
	if opts.PingPeriod > 0 {
		go c.keepalive()
	}
	log.Info().Str("module", "signal").Str("url", url).Msg("channel open")
	return c, nil
}

// Handle dispatches inbound messages in arrival order on the read goroutine.
func (c *Channel) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if !req.Notif {
		log.Warn().Str("module", "signal").Str("method", req.Method).Msg("unexpected request from relay")
		_ = conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{
			Code:    jsonrpc2.CodeMethodNotFound,
			Message: "client does not serve " + req.Method,
		})
		return
	}

	c.mu.RLock()
	h := c.handlers[req.Method]
	c.mu.RUnlock()
	if h == nil {
		log.Debug().Str("module", "signal").Str("method", req.Method).Msg("no handler")
		return
	}
	var params json.RawMessage
	if req.Params != nil {
		params = *req.Params
	}
	h(ctx, params)
}

func (c *Channel) OnNotify(method string, h core.NotifyHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handlers[method]; ok {
		log.Debug().Str("module", "signal").Str("method", method).Msg("handler replaced")
	}
	c.handlers[method] = h
}

func (c *Channel) Ready() bool { return c.ready.Load() }

func (c *Channel) Call(ctx context.Context, method string, params, result any) error {
	if !c.Ready() {
		return &domain.SignalingTransportError{Err: fmt.Errorf("call %s: %w", method, ErrNotReady)}
	}
	if err := c.conn.Call(ctx, method, params, result); err != nil {
		if errors.Is(err, jsonrpc2.ErrClosed) {
			return &domain.SignalingTransportError{Err: fmt.Errorf("call %s: %w", method, err)}
		}
		return fmt.Errorf("call %s: %w", method, err)
	}
	return nil
}

func (c *Channel) Notify(ctx context.Context, method string, params any) error {
	if !c.Ready() {
		log.Debug().Str("module", "signal").Str("method", method).Msg("notify dropped, channel not ready")
		return nil
	}
	if err := c.conn.Notify(ctx, method, params); err != nil {
		return fmt.Errorf("notify %s: %w", method, err)
	}
	return nil
}

func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Channel) watch() {
	<-c.conn.DisconnectNotify()
	c.ready.Store(false)
	if !c.closing.Load() {
		c.errMu.Lock()
		c.err = &domain.SignalingTransportError{Err: errors.New("connection to " + c.url + " lost")}
		c.errMu.Unlock()
		log.Error().Str("module", "signal").Str("url", c.url).Msg("channel closed unexpectedly")
	}
	close(c.done)
}

func (c *Channel) keepalive() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteWait)
			if c.opts.WriteWait <= 0 {
				deadline = time.Now().Add(5 * time.Second)
			}
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("ping failed")
				return
			}
		}
	}
}

// Close shuts the channel down. It is safe to call more than once.
func (c *Channel) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		<-c.done
		return nil
	}
	c.ready.Store(false)
	err := c.conn.Close()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		log.Warn().Str("module", "signal").Msg("close timed out waiting for read loop")
	}
	log.Info().Str("module", "signal").Str("url", c.url).Msg("channel closed")
	if err != nil && !errors.Is(err, jsonrpc2.ErrClosed) {
		return err
	}
	return nil
}
