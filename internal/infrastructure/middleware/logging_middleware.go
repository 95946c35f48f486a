package middleware

import (
	"time"

	"duet/pkg/logger"
	"duet/pkg/utils"

	"github.com/gin-gonic/gin"
)

const requestIDHeader = "X-Request-ID"

// RequestLoggingMiddleware tags each request with an id, echoed in the
// response header, and logs one line per request once it completes.
func RequestLoggingMiddleware(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = utils.GenerateRequestID()
		}
		c.Header(requestIDHeader, id)
		c.Request = c.Request.WithContext(logger.With(c.Request.Context(), logger.RequestIDKey, id))

		start := time.Now()
		c.Next()

		ctx := c.Request.Context()
		if identity, ok := IdentityFrom(c); ok {
			ctx = logger.With(ctx, logger.UsernameKey, identity.Username)
		}
		if room := c.Param("id"); room != "" {
			ctx = logger.With(ctx, logger.RoomIDKey, room)
		}
		cl.LogRequest(ctx, c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
