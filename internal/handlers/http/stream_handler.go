package http

import (
	"net/http"
	"strconv"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"
	"airwave/internal/infrastructure/middleware"

	"github.com/gin-gonic/gin"
)

type StreamHandler struct {
	directory   ports.DirectoryService
	assignments ports.AssignmentService
	gateway     ports.SessionGateway
}

func NewStreamHandler(
	directory ports.DirectoryService,
	assignments ports.AssignmentService,
	gateway ports.SessionGateway,
) *StreamHandler {
	return &StreamHandler{
		directory:   directory,
		assignments: assignments,
		gateway:     gateway,
	}
}

// SetupRoutes expects api to be behind AuthMiddleware.
func (h *StreamHandler) SetupRoutes(api *gin.RouterGroup) {
	api.POST("/streams/:id/listen", h.Listen)

	admin := api.Group("/streams", middleware.RequireRole(domain.RoleAdmin))
	{
		admin.POST("", h.CreateStream)
		admin.GET("", h.ListStreams)
		admin.GET("/:id", h.GetStream)
		admin.PATCH("/:id", h.UpdateStream)
		admin.DELETE("/:id", h.DeleteStream)
		admin.PUT("/:id/assignments", h.SetAssignments)
		admin.POST("/:id/assign-all", h.AssignAll)
		admin.POST("/:id/unassign-all", h.UnassignAll)
		admin.POST("/:id/active", h.SetActive)
		admin.POST("/:id/broadcast", h.Broadcast)
	}
}

type CreateStreamRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
}

type UpdateStreamRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
}

type SetAssignmentsRequest struct {
	SubscriberIDs []domain.UserID `json:"subscriber_ids"`
}

type SetActiveRequest struct {
	Active *bool `json:"active" binding:"required"`
}

func (h *StreamHandler) CreateStream(c *gin.Context) {
	user, ok := principal(c)
	if !ok {
		return
	}
	var req CreateStreamRequest
	if !bind(c, &req) {
		return
	}

	stream, err := h.directory.CreateStream(c.Request.Context(), user, req.Title, req.Description)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"stream": stream})
}

func (h *StreamHandler) ListStreams(c *gin.Context) {
	filter := domain.StreamFilter{}
	if v := c.Query("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			c.Error(invalidQuery("active", err))
			return
		}
		filter.ActiveOnly = active
	}

	streams, err := h.directory.ListStreams(c.Request.Context(), filter)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"streams": streams, "total": len(streams)})
}

func (h *StreamHandler) GetStream(c *gin.Context) {
	stream, err := h.directory.GetStream(c.Request.Context(), domain.StreamID(c.Param("id")))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stream": stream})
}

func (h *StreamHandler) UpdateStream(c *gin.Context) {
	var req UpdateStreamRequest
	if !bind(c, &req) {
		return
	}

	stream, err := h.directory.UpdateStream(c.Request.Context(), domain.StreamID(c.Param("id")), req.Title, req.Description)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stream": stream})
}

func (h *StreamHandler) DeleteStream(c *gin.Context) {
	report, err := h.assignments.DeleteStream(c.Request.Context(), domain.StreamID(c.Param("id")))
	if err != nil {
		c.Error(err)
		return
	}
	respondReport(c, http.StatusOK, report)
}

func (h *StreamHandler) SetAssignments(c *gin.Context) {
	var req SetAssignmentsRequest
	if !bind(c, &req) {
		return
	}

	report, err := h.assignments.SetStreamAssignments(c.Request.Context(), domain.StreamID(c.Param("id")), req.SubscriberIDs)
	if err != nil {
		c.Error(err)
		return
	}
	respondReport(c, http.StatusOK, report)
}

func (h *StreamHandler) AssignAll(c *gin.Context) {
	report, err := h.assignments.AssignAll(c.Request.Context(), domain.StreamID(c.Param("id")))
	if err != nil {
		c.Error(err)
		return
	}
	respondReport(c, http.StatusOK, report)
}

func (h *StreamHandler) UnassignAll(c *gin.Context) {
	report, err := h.assignments.UnassignAll(c.Request.Context(), domain.StreamID(c.Param("id")))
	if err != nil {
		c.Error(err)
		return
	}
	respondReport(c, http.StatusOK, report)
}

func (h *StreamHandler) SetActive(c *gin.Context) {
	var req SetActiveRequest
	if !bind(c, &req) {
		return
	}

	stream, err := h.assignments.ToggleStreamActive(c.Request.Context(), domain.StreamID(c.Param("id")), *req.Active)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stream": stream})
}

func (h *StreamHandler) Broadcast(c *gin.Context) {
	user, ok := principal(c)
	if !ok {
		return
	}

	handle, err := h.gateway.JoinAsBroadcaster(c.Request.Context(), user, domain.StreamID(c.Param("id")))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": handle})
}

func (h *StreamHandler) Listen(c *gin.Context) {
	user, ok := principal(c)
	if !ok {
		return
	}

	handle, err := h.gateway.JoinAsSubscriber(c.Request.Context(), user, domain.StreamID(c.Param("id")))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": handle})
}
