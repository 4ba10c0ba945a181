package http

import (
	"context"
	"net/http"
	"time"

	"github.com/dkeye/dmeet/internal/app"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{CheckOrigin: loopbackOrigin}

// events pushes the roster to a websocket client on every change until
// either side goes away.
func (h *handlers) events(c *gin.Context) {
	updates, unsubscribe, err := h.ctl.Subscribe()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		unsubscribe()
		log.Warn().Str("module", "adapters.http").Err(err).Msg("ws upgrade")
		return
	}
	logger := log.With().Str("module", "adapters.http").Str("client", c.GetString(clientTokenKey)).Logger()
	logger.Info().Msg("events client connected")

	ctx, cancel := context.WithCancel(h.ctx)
	go readPump(ctx, cancel, ws)
	go func() {
		defer unsubscribe()
		writePump(ctx, ws, updates, &logger)
		cancel()
	}()
}

// readPump only watches for the client closing; inbound messages are ignored.
func readPump(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn) {
	defer cancel()
	ws.SetReadLimit(512)
	for {
		if ctx.Err() != nil {
			return
		}
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func writePump(ctx context.Context, ws *websocket.Conn, updates <-chan *app.Snapshot, logger *zerolog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
		logger.Info().Msg("events client gone")
	}()
	for {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case snap, ok := <-updates:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"), time.Now().Add(writeWait))
				return
			}
			if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := ws.WriteJSON(roster(snap)); err != nil {
				logger.Debug().Err(err).Msg("events write")
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
