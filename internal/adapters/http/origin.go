package http

import (
	"net"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// loopbackOrigin accepts requests without an Origin header (non-browser
// clients) and browser requests from pages served on this machine.
func loopbackOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// OriginGuard rejects browser requests from foreign pages.
func OriginGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !loopbackOrigin(c.Request) {
			log.Warn().Str("module", "adapters.http").Str("origin", c.GetHeader("Origin")).Str("path", c.FullPath()).Msg("foreign origin rejected")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
			return
		}
		c.Next()
	}
}
