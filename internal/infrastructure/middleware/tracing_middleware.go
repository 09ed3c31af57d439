package middleware

import (
	"fmt"
	"net/http"
	"time"

	rlog "peerlink/pkg/logger"
	"peerlink/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const RequestIDHeader = "X-Request-ID"

// TracingMiddleware opens a span per request and tags the request context
// with a trace ID for ContextLogger. An incoming X-Request-ID is reused.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, route)
		defer span.End()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			if sc := span.SpanContext(); sc.HasTraceID() {
				requestID = sc.TraceID().String()
			} else {
				requestID = uuid.NewString()
			}
		}
		c.Header(RequestIDHeader, requestID)

		span.SetAttributes(
			attribute.String("http.host", c.Request.Host),
			attribute.String("http.user_agent", c.Request.UserAgent()),
			attribute.String("http.remote_addr", c.ClientIP()),
			attribute.String("http.request_id", requestID),
		)

		c.Request = c.Request.WithContext(rlog.WithTraceID(ctx, requestID))

		start := time.Now()
		c.Next()

		span.SetAttributes(
			attribute.Int("http.status_code", c.Writer.Status()),
			attribute.Int64("http.response_size", int64(c.Writer.Size())),
			attribute.Int64("http.duration_ms", time.Since(start).Milliseconds()),
		)
		if c.Writer.Status() >= 400 {
			span.SetStatus(codes.Error, c.Errors.String())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}

// RequestLogger logs one line per request with the trace ID set by
// TracingMiddleware. Server errors log at error level with the handler's
// error, client errors at warn, and probe endpoints at debug.
func RequestLogger(cl *rlog.ContextLogger, quietPaths ...string) gin.HandlerFunc {
	quiet := make(map[string]struct{}, len(quietPaths))
	for _, p := range quietPaths {
		quiet[p] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		ctx := c.Request.Context()
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}

		switch {
		case status >= http.StatusInternalServerError:
			err := c.Errors.Last()
			if err == nil {
				cl.LogError(ctx, fmt.Errorf("status %d", status), "http request failed", fields...)
			} else {
				cl.LogError(ctx, err.Err, "http request failed", fields...)
			}
		case status >= http.StatusBadRequest:
			cl.LogWarn(ctx, "http request rejected", fields...)
		default:
			if _, ok := quiet[c.FullPath()]; ok {
				cl.LogDebug(ctx, "http request", fields...)
				return
			}
			cl.LogInfo(ctx, "http request", fields...)
		}
	}
}
