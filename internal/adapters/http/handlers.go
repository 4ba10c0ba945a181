package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/dkeye/dmeet/internal/app"
	"github.com/dkeye/dmeet/internal/app/media"
	"github.com/dkeye/dmeet/internal/app/orch"
	"github.com/dkeye/dmeet/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type handlers struct {
	ctx context.Context
	ctl Controller
}

type DeviceRequest struct {
	DeviceID string `json:"deviceId"`
}

type ToggleResponse struct {
	Kind    domain.MediaKind `json:"kind"`
	Enabled bool             `json:"enabled"`
}

// ParticipantsResponse is the visible roster: viewers only show up in Count.
type ParticipantsResponse struct {
	Version      uint64                             `json:"version"`
	LocalUID     string                             `json:"localUid"`
	Participants []domain.Participant               `json:"participants"`
	Media        map[string]domain.MediaState       `json:"media"`
	Messages     map[string]domain.TransientMessage `json:"messages"`
	Streams      map[string]app.StreamBinding       `json:"streams"`
	Count        int                                `json:"count"`
}

func roster(s *app.Snapshot) ParticipantsResponse {
	return ParticipantsResponse{
		Version:      s.Version,
		LocalUID:     s.LocalUID,
		Participants: s.Publishers(),
		Media:        s.Media,
		Messages:     s.Messages,
		Streams:      s.Streams,
		Count:        s.Count,
	}
}

func status(err error) int {
	switch {
	case errors.Is(err, orch.ErrEnded), errors.Is(err, orch.ErrNoMedia), errors.Is(err, media.ErrStopped):
		return http.StatusConflict
	case errors.Is(err, media.ErrNoTrack):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrMediaAcquisition):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	code := status(err)
	if code == http.StatusInternalServerError {
		log.Error().Str("module", "adapters.http").Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func kindParam(c *gin.Context) (domain.MediaKind, bool) {
	kind, err := domain.ParseMediaKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return kind, true
}

func (h *handlers) session(c *gin.Context) {
	c.JSON(http.StatusOK, h.ctl.Info())
}

func (h *handlers) participants(c *gin.Context) {
	snap := h.ctl.Snapshot()
	if snap == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not admitted yet"})
		return
	}
	c.JSON(http.StatusOK, roster(snap))
}

func (h *handlers) devices(c *gin.Context) {
	devices, err := h.ctl.Devices()
	if err != nil {
		fail(c, err)
		return
	}
	if devices == nil {
		devices = []domain.Device{}
	}
	c.JSON(http.StatusOK, devices)
}

func (h *handlers) stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.ctl.Stats())
}

func (h *handlers) toggle(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	enabled, err := h.ctl.Toggle(c.Request.Context(), kind)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ToggleResponse{Kind: kind, Enabled: enabled})
}

func (h *handlers) switchDevice(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	var req DeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.DeviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid deviceId"})
		return
	}
	if err := h.ctl.SwitchDevice(c.Request.Context(), kind, req.DeviceID); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) hangup(c *gin.Context) {
	log.Info().Str("module", "adapters.http").Str("client", c.GetString(clientTokenKey)).Msg("hangup requested")
	h.ctl.Hangup()
	c.Status(http.StatusAccepted)
}
