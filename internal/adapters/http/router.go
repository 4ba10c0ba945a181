// Package http is the local control API of a running session.
package http

import (
	"context"

	"github.com/dkeye/dmeet/internal/app"
	"github.com/dkeye/dmeet/internal/app/orch"
	"github.com/dkeye/dmeet/internal/app/sfu"
	"github.com/dkeye/dmeet/internal/config"
	"github.com/dkeye/dmeet/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	clientTokenCookie = "ct"
	clientTokenKey    = "client_token"
)

// Controller is the part of a session the control API drives.
type Controller interface {
	Info() orch.Info
	Snapshot() *app.Snapshot
	Subscribe() (<-chan *app.Snapshot, func(), error)
	Devices() ([]domain.Device, error)
	Stats() []sfu.StreamStats
	Toggle(ctx context.Context, kind domain.MediaKind) (bool, error)
	SwitchDevice(ctx context.Context, kind domain.MediaKind, deviceID string) error
	Hangup()
}

func genClientToken() string {
	return uuid.NewString()
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie(clientTokenCookie)
		if token == "" {
			token = genClientToken()
			c.SetCookie(clientTokenCookie, token, 3600*24*7, "/", "", false, true)
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, ctl Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	secret := cfg.Control.Secret
	if secret == "" {
		secret = uuid.NewString()
	}
	store := cookie.NewStore([]byte(secret))
	r.Use(sessions.Sessions("dmeet", store))
	r.Use(ClientTokenMiddleware())

	h := &handlers{ctx: ctx, ctl: ctl}
	limit := NewRateLimiter(cfg.Control.RateLimit, cfg.Control.RateInterval).Middleware()

	api := r.Group("/api", OriginGuard())
	api.GET("/session", h.session)
	api.GET("/participants", h.participants)
	api.GET("/devices", h.devices)
	api.GET("/stats", h.stats)
	api.POST("/media/:kind/toggle", limit, h.toggle)
	api.POST("/media/:kind/device", limit, h.switchDevice)
	api.POST("/hangup", limit, h.hangup)
	api.GET("/ws/events", h.events)

	log.Info().Str("module", "adapters.http").Int("port", cfg.Control.Port).Msg("router setup")
	return r
}
