package http

import (
	"errors"
	"net/http"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"
	"airwave/internal/infrastructure/middleware"

	"github.com/gin-gonic/gin"
)

type SubscriberHandler struct {
	directory   ports.DirectoryService
	assignments ports.AssignmentService
}

func NewSubscriberHandler(directory ports.DirectoryService, assignments ports.AssignmentService) *SubscriberHandler {
	return &SubscriberHandler{
		directory:   directory,
		assignments: assignments,
	}
}

func (h *SubscriberHandler) SetupRoutes(api *gin.RouterGroup) {
	api.GET("/me", h.Me)
	api.GET("/me/streams", h.MyStreams)

	admin := api.Group("/subscribers", middleware.RequireRole(domain.RoleAdmin))
	{
		admin.POST("", h.CreateSubscriber)
		admin.GET("", h.ListSubscribers)
		admin.GET("/:id", h.GetSubscriber)
		admin.PATCH("/:id", h.UpdateSubscriber)
		admin.DELETE("/:id", h.DeleteSubscriber)
	}
}

type CreateSubscriberRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type UpdateSubscriberRequest struct {
	Email string `json:"email" binding:"required"`
}

func (h *SubscriberHandler) CreateSubscriber(c *gin.Context) {
	var req CreateSubscriberRequest
	if !bind(c, &req) {
		return
	}

	user, err := h.directory.CreateSubscriber(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": publicUser(user)})
}

func (h *SubscriberHandler) ListSubscribers(c *gin.Context) {
	users, err := h.directory.ListSubscribers(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": publicUsers(users), "total": len(users)})
}

func (h *SubscriberHandler) GetSubscriber(c *gin.Context) {
	user, err := h.directory.GetUser(c.Request.Context(), domain.UserID(c.Param("id")))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": publicUser(user)})
}

func (h *SubscriberHandler) UpdateSubscriber(c *gin.Context) {
	var req UpdateSubscriberRequest
	if !bind(c, &req) {
		return
	}

	user, err := h.directory.UpdateSubscriberEmail(c.Request.Context(), domain.UserID(c.Param("id")), req.Email)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": publicUser(user)})
}

func (h *SubscriberHandler) DeleteSubscriber(c *gin.Context) {
	report, err := h.assignments.DeleteUser(c.Request.Context(), domain.UserID(c.Param("id")))
	if err != nil {
		c.Error(err)
		return
	}
	respondReport(c, http.StatusOK, report)
}

func (h *SubscriberHandler) Me(c *gin.Context) {
	current, ok := principal(c)
	if !ok {
		return
	}

	user, err := h.directory.GetUser(c.Request.Context(), current.ID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": publicUser(user)})
}

// MyStreams returns the caller's assigned streams in feed order. Admins get every stream.
func (h *SubscriberHandler) MyStreams(c *gin.Context) {
	current, ok := principal(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if current.IsAdmin() {
		streams, err := h.directory.ListStreams(ctx, domain.StreamFilter{})
		if err != nil {
			c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"streams": streams})
		return
	}

	user, err := h.directory.GetUser(ctx, current.ID)
	if err != nil {
		c.Error(err)
		return
	}

	streams := make([]*domain.Stream, 0, len(user.AssignedStreams))
	for _, id := range user.AssignedStreams {
		stream, err := h.directory.GetStream(ctx, id)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			continue
		case err != nil:
			c.Error(err)
			return
		}
		streams = append(streams, stream)
	}
	domain.SortStreams(streams)
	c.JSON(http.StatusOK, gin.H{"streams": streams})
}
