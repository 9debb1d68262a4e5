package middleware

import (
	"strings"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"
	"airwave/pkg/errors"
	rlog "airwave/pkg/logger"

	"github.com/gin-gonic/gin"
)

const currentUserKey = "current_user"

// bearerToken reads the Authorization header, falling back to the access_token query
// parameter for websocket upgrades.
func bearerToken(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	token := c.Query("access_token")
	return token, token != ""
}

func AuthMiddleware(auth ports.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			abortWithAppError(c, errors.NewUnauthorizedError("authorization token required"))
			return
		}

		user, err := auth.ValidateToken(token)
		if err != nil {
			abortWithAppError(c, errors.NewUnauthorizedError(err.Error()))
			return
		}

		c.Set(currentUserKey, *user)
		c.Request = c.Request.WithContext(rlog.WithUserID(c.Request.Context(), string(user.ID)))
		c.Next()
	}
}

// RequireRole must run after AuthMiddleware.
func RequireRole(role domain.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := CurrentUser(c)
		if !ok {
			abortWithAppError(c, errors.NewUnauthorizedError("authentication required"))
			return
		}
		if user.Role != role {
			abortWithAppError(c, errors.NewForbiddenError("insufficient permissions"))
			return
		}
		c.Next()
	}
}

func CurrentUser(c *gin.Context) (domain.CurrentUser, bool) {
	v, ok := c.Get(currentUserKey)
	if !ok {
		return domain.CurrentUser{}, false
	}
	user, ok := v.(domain.CurrentUser)
	return user, ok
}
