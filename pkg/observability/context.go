package observability

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Context keys for correlation
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request-id"

	// CorrelationIDKey is the context key for correlation ID (spans multiple requests)
	CorrelationIDKey contextKey = "correlation-id"

	// DeviceIDKey is the context key for device ID
	DeviceIDKey contextKey = "device-id"

	// TaskIDKey is the context key for task ID
	TaskIDKey contextKey = "task-id"
)

// Header names for HTTP propagation
const (
	RequestIDHeader     = "X-Request-ID"
	CorrelationIDHeader = "X-Correlation-ID"
	DeviceIDHeader      = "X-Device-ID"
)

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID adds a correlation ID to the context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

// GetCorrelationID retrieves the correlation ID from the context
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}

// WithDeviceID adds a device ID to the context
func WithDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, DeviceIDKey, deviceID)
}

// GetDeviceID retrieves the device ID from the context
func GetDeviceID(ctx context.Context) string {
	if id, ok := ctx.Value(DeviceIDKey).(string); ok {
		return id
	}
	return ""
}

// WithTaskID adds a task ID to the context
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, TaskIDKey, taskID)
}

// GetTaskID retrieves the task ID from the context
func GetTaskID(ctx context.Context) string {
	if id, ok := ctx.Value(TaskIDKey).(string); ok {
		return id
	}
	return ""
}

// GenerateRequestID generates a new request ID
func GenerateRequestID() string {
	return uuid.New().String()
}

// ContextLogger returns a logger with correlation IDs from context
func ContextLogger(ctx context.Context, logger *zap.Logger) *zap.Logger {
	fields := []zap.Field{}

	if requestID := GetRequestID(ctx); requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}

	if correlationID := GetCorrelationID(ctx); correlationID != "" {
		fields = append(fields, zap.String("correlation_id", correlationID))
	}

	if deviceID := GetDeviceID(ctx); deviceID != "" {
		fields = append(fields, zap.String("device_id", deviceID))
	}

	if taskID := GetTaskID(ctx); taskID != "" {
		fields = append(fields, zap.String("task_id", taskID))
	}

	// Add trace ID if available
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasTraceID() {
		fields = append(fields, zap.String("trace_id", span.SpanContext().TraceID().String()))
		fields = append(fields, zap.String("span_id", span.SpanContext().SpanID().String()))
	}

	return logger.With(fields...)
}

// CorrelationMiddleware extracts or generates request and correlation IDs for each HTTP request
// and echoes the request ID back in the response headers.
func CorrelationMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = GenerateRequestID()
			}
			ctx = WithRequestID(ctx, requestID)

			// If no correlation ID, use request ID
			if correlationID := r.Header.Get(CorrelationIDHeader); correlationID != "" {
				ctx = WithCorrelationID(ctx, correlationID)
			} else {
				ctx = WithCorrelationID(ctx, requestID)
			}

			if deviceID := r.Header.Get(DeviceIDHeader); deviceID != "" {
				ctx = WithDeviceID(ctx, deviceID)
			}

			w.Header().Set(RequestIDHeader, requestID)

			ContextLogger(ctx, logger).Debug("Handling HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
			)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// InjectHeaders copies correlation IDs from ctx onto an outgoing HTTP request.
func InjectHeaders(ctx context.Context, req *http.Request) {
	requestID := GetRequestID(ctx)
	if requestID == "" {
		requestID = GenerateRequestID()
	}
	req.Header.Set(RequestIDHeader, requestID)

	if correlationID := GetCorrelationID(ctx); correlationID != "" {
		req.Header.Set(CorrelationIDHeader, correlationID)
	}

	if deviceID := GetDeviceID(ctx); deviceID != "" {
		req.Header.Set(DeviceIDHeader, deviceID)
	}
}
