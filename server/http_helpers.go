package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/jhuang59/router-benchmark/pkg/protocol"
)

const (
	requestIDContextKey     = "request_id"
	requestLoggerContextKey = "request_logger"
	requestIDHeader         = "X-Request-ID"
)

const tracerName = "github.com/jhuang59/router-benchmark/server"

// statusForCode maps protocol error codes onto HTTP statuses. Unknown
// codes become 500s so a new code cannot silently read as client error.
func statusForCode(code string) int {
	switch code {
	case protocol.CodeUnauthorized, protocol.CodeInvalidSignature:
		return http.StatusUnauthorized
	case protocol.CodeAlreadyInitialized, protocol.CodeDuplicateClient, protocol.CodeReplayDetected:
		return http.StatusConflict
	case protocol.CodeUnknownClient, protocol.CodeUnknownCommand, protocol.CodeUnknownEnvelope:
		return http.StatusNotFound
	case protocol.CodeInvalidParameter, protocol.CodeExpired:
		return http.StatusBadRequest
	case protocol.CodeSessionLimitExceeded, protocol.CodeClientOffline:
		return http.StatusConflict
	case protocol.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeCodedError renders a CodedError (or any error) as the standard
// JSON error body and records it on the active span.
func writeCodedError(c *gin.Context, err error) {
	code := protocol.ErrCode(err)
	status := statusForCode(code)

	logger := requestLogger(c, zerolog.Nop())
	entry := logger.Warn()
	if status >= http.StatusInternalServerError {
		entry = logger.Error()
	}
	entry.Int("status", status).Str("code", code).Msg(err.Error())

	if span := trace.SpanFromContext(c.Request.Context()); span.IsRecording() {
		span.AddEvent("http.error", trace.WithAttributes(
			attribute.Int("http.status_code", status),
			attribute.String("error.code", code),
		))
		if status >= http.StatusInternalServerError {
			span.RecordError(err)
		}
	}

	c.AbortWithStatusJSON(status, gin.H{
		"error":      err.Error(),
		"code":       code,
		"request_id": requestID(c),
	})
}

func withRequestContext(base zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader(requestIDHeader)
		if reqID == "" {
			reqID = xid.New().String()
		}
		c.Set(requestIDContextKey, reqID)
		c.Writer.Header().Set(requestIDHeader, reqID)

		logger := base.With().Str("request_id", reqID).Str("method", c.Request.Method).Str("path", c.FullPath()).Logger()
		c.Set(requestLoggerContextKey, logger)

		propagator := otel.GetTextMapPropagator()
		ctx := propagator.Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		tracer := otel.Tracer(tracerName)
		spanName := c.Request.Method + " " + c.FullPath()
		ctx, span := tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindServer))
		span.SetAttributes(attribute.String("http.method", c.Request.Method))
		span.SetAttributes(attribute.String("http.route", c.FullPath()))
		span.SetAttributes(attribute.String("http.target", c.Request.URL.RequestURI()))
		if reqID != "" {
			span.SetAttributes(attribute.String("request.id", reqID))
		}

		c.Request = c.Request.WithContext(ctx)
		c.Set("otel_span", span)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		span.End()
	}
}

func requestLogger(c *gin.Context, fallback zerolog.Logger) zerolog.Logger {
	if value, ok := c.Get(requestLoggerContextKey); ok {
		if logger, ok := value.(zerolog.Logger); ok {
			return logger
		}
	}
	return fallback
}

func requestID(c *gin.Context) string {
	if value, ok := c.Get(requestIDContextKey); ok {
		if id, ok := value.(string); ok {
			return id
		}
	}
	return ""
}
