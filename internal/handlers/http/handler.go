package http

import (
	"net/http"

	"airwave/internal/core/domain"
	"airwave/internal/infrastructure/middleware"
	"airwave/pkg/errors"

	"github.com/gin-gonic/gin"
)

// bind decodes the JSON body into req and records a 400 on failure.
func bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request body").WithContext("reason", err.Error()))
		return false
	}
	return true
}

func principal(c *gin.Context) (domain.CurrentUser, bool) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.Error(errors.NewUnauthorizedError("authentication required"))
	}
	return user, ok
}

// respondReport answers 207 when any per-item write failed so clients can retry.
func respondReport(c *gin.Context, status int, report *domain.SyncReport) {
	if len(report.Failed()) > 0 {
		status = http.StatusMultiStatus
	}
	c.JSON(status, gin.H{
		"report": report,
		"failed": len(report.Failed()),
	})
}

// publicUser drops the password hash before a user leaves the process.
func publicUser(u *domain.User) *domain.User {
	if u == nil {
		return nil
	}
	out := u.Clone()
	out.PasswordHash = ""
	return out
}

func publicUsers(users []*domain.User) []*domain.User {
	out := make([]*domain.User, len(users))
	for i, u := range users {
		out[i] = publicUser(u)
	}
	return out
}

func invalidQuery(name string, err error) *errors.AppError {
	return errors.NewInvalidInputError("invalid query parameter "+name).WithContext("reason", err.Error())
}
