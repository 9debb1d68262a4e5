package http

import (
	"net/http"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"
	"airwave/pkg/errors"

	"github.com/gin-gonic/gin"
)

type SessionHandler struct {
	gateway ports.SessionGateway
}

func NewSessionHandler(gateway ports.SessionGateway) *SessionHandler {
	return &SessionHandler{gateway: gateway}
}

func (h *SessionHandler) SetupRoutes(api *gin.RouterGroup) {
	sessions := api.Group("/sessions/:sid", h.requireOwner)
	{
		sessions.GET("", h.GetStatus)
		sessions.POST("/leave", h.Leave)
		sessions.POST("/mute", h.SetMuted)
		sessions.POST("/screen-share/start", h.StartScreenShare)
		sessions.POST("/screen-share/stop", h.StopScreenShare)
	}
}

type MuteRequest struct {
	Muted *bool `json:"muted" binding:"required"`
}

// requireOwner hides other users' sessions behind a 404.
func (h *SessionHandler) requireOwner(c *gin.Context) {
	user, ok := principal(c)
	if !ok {
		c.Abort()
		return
	}
	owner, found := h.gateway.Owner(domain.SessionID(c.Param("sid")))
	if !found || (owner != user.ID && !user.IsAdmin()) {
		c.Error(errors.NewNotFoundError("session"))
		c.Abort()
		return
	}
	c.Next()
}

func (h *SessionHandler) GetStatus(c *gin.Context) {
	status, err := h.gateway.GetStatus(domain.SessionID(c.Param("sid")))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

func (h *SessionHandler) Leave(c *gin.Context) {
	if err := h.gateway.Leave(c.Request.Context(), domain.SessionID(c.Param("sid"))); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) SetMuted(c *gin.Context) {
	var req MuteRequest
	if !bind(c, &req) {
		return
	}
	id := domain.SessionID(c.Param("sid"))
	if err := h.gateway.SetMuted(c.Request.Context(), id, *req.Muted); err != nil {
		c.Error(err)
		return
	}
	h.GetStatus(c)
}

func (h *SessionHandler) StartScreenShare(c *gin.Context) {
	if err := h.gateway.StartScreenShare(c.Request.Context(), domain.SessionID(c.Param("sid"))); err != nil {
		c.Error(err)
		return
	}
	h.GetStatus(c)
}

func (h *SessionHandler) StopScreenShare(c *gin.Context) {
	if err := h.gateway.StopScreenShare(c.Request.Context(), domain.SessionID(c.Param("sid"))); err != nil {
		c.Error(err)
		return
	}
	h.GetStatus(c)
}
