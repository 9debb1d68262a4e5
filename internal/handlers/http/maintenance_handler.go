package http

import (
	"errors"
	"net/http"
	"time"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"
	"airwave/internal/infrastructure/middleware"

	"github.com/gin-gonic/gin"
)

// MaintenanceHandler serves the admin-only repair tools and raw media credentials.
type MaintenanceHandler struct {
	assignments ports.AssignmentService
	minter      ports.CredentialMinter
	tokenTTL    time.Duration
}

func NewMaintenanceHandler(assignments ports.AssignmentService, minter ports.CredentialMinter, tokenTTL time.Duration) *MaintenanceHandler {
	return &MaintenanceHandler{
		assignments: assignments,
		minter:      minter,
		tokenTTL:    tokenTTL,
	}
}

func (h *MaintenanceHandler) SetupRoutes(api *gin.RouterGroup) {
	admin := api.Group("", middleware.RequireRole(domain.RoleAdmin))
	{
		admin.POST("/maintenance/reconcile", h.Reconcile)
		admin.GET("/maintenance/audit", h.Audit)
		admin.POST("/media/token", h.MediaToken)
	}
}

type MediaTokenRequest struct {
	ChannelName string           `json:"channelName" binding:"required"`
	UID         uint32           `json:"uid"`
	Role        domain.MediaRole `json:"role"`
}

func (h *MaintenanceHandler) Reconcile(c *gin.Context) {
	report, err := h.assignments.Reconcile(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	status := http.StatusOK
	if len(report.Failed) > 0 {
		status = http.StatusMultiStatus
	}
	c.JSON(status, gin.H{"report": report})
}

func (h *MaintenanceHandler) Audit(c *gin.Context) {
	report, err := h.assignments.Audit(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "consistent": report.Consistent()})
}

// MediaToken mints a credential for an arbitrary channel; role defaults to subscriber.
func (h *MaintenanceHandler) MediaToken(c *gin.Context) {
	var req MediaTokenRequest
	if !bind(c, &req) {
		return
	}
	if req.Role == "" {
		req.Role = domain.MediaRoleSubscriber
	}

	token, err := h.minter.Mint(c.Request.Context(), req.ChannelName, req.UID, req.Role)
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidInput) {
			err = domain.CredentialError(err)
		}
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":       token,
		"channelName": req.ChannelName,
		"uid":         req.UID,
		"role":        req.Role,
		"expiresIn":   int64(h.tokenTTL.Seconds()),
	})
}
