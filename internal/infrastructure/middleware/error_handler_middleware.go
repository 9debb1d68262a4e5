package middleware

import (
	stderrors "errors"
	"net/http"

	"airwave/internal/core/domain"
	"airwave/internal/core/services"
	"airwave/pkg/circuitbreaker"
	"airwave/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AppErrorFrom maps a domain error onto its API code and status. Errors already carrying an
// AppError pass through unchanged.
func AppErrorFrom(err error) *errors.AppError {
	if appErr := errors.GetAppError(err); appErr != nil {
		return appErr
	}

	var partial *domain.PartialSyncError
	switch {
	case stderrors.As(err, &partial):
		return errors.WrapError(err, errors.ErrCodeUnprocessable, "some assignment writes failed", http.StatusMultiStatus).
			WithContext("failed", partial.Failed)
	case stderrors.Is(err, domain.ErrInvalidInput):
		return errors.WrapError(err, errors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	case stderrors.Is(err, domain.ErrNotFound):
		return errors.WrapError(err, errors.ErrCodeNotFound, err.Error(), http.StatusNotFound)
	case stderrors.Is(err, domain.ErrInvalidCredentials),
		stderrors.Is(err, services.ErrInvalidToken),
		stderrors.Is(err, services.ErrExpiredToken):
		return errors.WrapError(err, errors.ErrCodeUnauthorized, err.Error(), http.StatusUnauthorized)
	case stderrors.Is(err, domain.ErrAccessDenied):
		return errors.WrapError(err, errors.ErrCodeForbidden, "access denied", http.StatusForbidden)
	case stderrors.Is(err, domain.ErrEmailTaken),
		stderrors.Is(err, domain.ErrAlreadyExists),
		stderrors.Is(err, domain.ErrAlreadyBroadcasting),
		stderrors.Is(err, domain.ErrAlreadySharing),
		stderrors.Is(err, domain.ErrReconcileInProgress):
		return errors.WrapError(err, errors.ErrCodeConflict, err.Error(), http.StatusConflict)
	case stderrors.Is(err, domain.ErrStreamInactive):
		return errors.WrapError(err, errors.ErrCodeUnprocessable, err.Error(), http.StatusUnprocessableEntity)
	case stderrors.Is(err, circuitbreaker.ErrOpen):
		return errors.NewServiceUnavailableError("media relay is unavailable, retry later")
	case stderrors.Is(err, domain.ErrCredential):
		return errors.WrapError(err, errors.ErrCodeCredential, "could not issue media credential", http.StatusBadGateway)
	case stderrors.Is(err, domain.ErrTransport):
		return errors.WrapError(err, errors.ErrCodeTransport, "media transport unavailable", http.StatusBadGateway)
	case stderrors.Is(err, domain.ErrMalformedDocument):
		return errors.WrapError(err, errors.ErrCodeInternal, "stored record is malformed", http.StatusInternalServerError)
	}
	return nil
}

// ErrorHandlerMiddleware renders the last error a handler attached with c.Error.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		reqLog := requestLogger(logger, c)

		appErr := AppErrorFrom(err)
		if appErr != nil {
			log := reqLog.Infow
			if appErr.HTTPStatus >= http.StatusInternalServerError {
				log = reqLog.Errorw
			}
			log("application error",
				"code", appErr.Code,
				"message", appErr.Message,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"error", err,
			)

			if appErr.HTTPStatus == http.StatusServiceUnavailable {
				c.Header("Retry-After", "30")
			}
			abortWithAppError(c, appErr)
			return
		}

		reqLog.Errorw("unhandled error",
			"error", err.Error(),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)

		abortWithAppError(c, errors.NewInternalError("Internal server error"))
	}
}

func abortWithAppError(c *gin.Context, appErr *errors.AppError) {
	body := gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	}
	if len(appErr.Context) > 0 {
		body["details"] = appErr.Context
	}
	c.AbortWithStatusJSON(appErr.HTTPStatus, body)
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				requestLogger(logger, c).Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				abortWithAppError(c, errors.NewInternalError("Internal server error"))
			}
		}()

		c.Next()
	}
}
