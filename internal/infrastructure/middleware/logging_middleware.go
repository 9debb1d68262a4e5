package middleware

import (
	"time"

	rlog "airwave/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestLoggingMiddleware writes one access log line per request, tagged with the trace,
// request and user IDs the earlier middleware put on the request context.
func RequestLoggingMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	cl := rlog.NewContextLogger(logger.Desugar())
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		cl.LogRequest(c.Request.Context(), c.Request.Method, path, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}

func requestLogger(logger *zap.SugaredLogger, c *gin.Context) *zap.SugaredLogger {
	return rlog.NewContextLogger(logger.Desugar()).Sugar(c.Request.Context())
}
