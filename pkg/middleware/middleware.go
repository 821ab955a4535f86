package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"sheetwatch/internal/logger"
	pkgerrors "sheetwatch/pkg/errors"
	"sheetwatch/pkg/logging"
)

const (
	RequestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

// quietPaths are polled by probes and scrapers and only logged at debug.
var quietPaths = []string{"/health", "/metrics"}

// LoggerMiddleware writes one line per request: error for 5xx, warn for 4xx
// and info otherwise.
func LoggerMiddleware(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []interface{}{
			"status", status,
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.Request.URL.RequestURI(),
			"request_id", c.GetString(requestIDKey),
		}
		if private := c.Errors.ByType(gin.ErrorTypePrivate).String(); private != "" {
			fields = append(fields, "error", private)
		}

		ctx := c.Request.Context()
		switch {
		case status >= http.StatusInternalServerError:
			log.ErrorwCtx(ctx, "HTTP Request", fields...)
		case status >= http.StatusBadRequest:
			log.WarnwCtx(ctx, "HTTP Request", fields...)
		case isQuiet(c.Request.URL.Path):
			log.DebugwCtx(ctx, "HTTP Request", fields...)
		default:
			log.InfowCtx(ctx, "HTTP Request", fields...)
		}
	}
}

func isQuiet(path string) bool {
	for _, p := range quietPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// RecoveryMiddleware turns a handler panic into the standard internal error
// body. The stack is logged, never returned.
func RecoveryMiddleware(log logger.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		err := pkgerrors.RecoverPanic(recovered)
		log.ErrorwCtx(c.Request.Context(), "Panic recovered",
			"error", err,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, pkgerrors.ToErrorResponse(pkgerrors.ErrInternal))
	})
}

// RequestIDMiddleware propagates or assigns a request id. The trace id of the
// active span, or the request id without one, goes on the request context
// for logging.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(requestIDKey, requestID)
		c.Header(RequestIDHeader, requestID)

		ctx := c.Request.Context()
		traceID := requestID
		if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.HasTraceID() {
			traceID = spanCtx.TraceID().String()
		}
		c.Request = c.Request.WithContext(logging.WithTraceID(ctx, traceID))

		c.Next()
	}
}
