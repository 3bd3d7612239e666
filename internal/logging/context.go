package logging

import (
	"context"

	"go.uber.org/zap"
)

// Structured field names shared by request and audit logs.
const (
	FieldRequestID     = "request_id"
	FieldCorrelationID = "correlation_id"
	FieldUserID        = "user_id"
	FieldOrgID         = "org_id"
	FieldKeyPreview    = "key_preview"
	FieldToken         = "token"
	FieldResource      = "resource"
	FieldClientIP      = "client_ip"
	FieldDuration      = "duration"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	correlationIDKey
)

// WithRequestID returns a context carrying the request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID returns the request ID stored in ctx, or "".
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// WithCorrelationID returns a context carrying the correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// GetCorrelationID returns the correlation ID stored in ctx, or "".
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(correlationIDKey).(string)
	return v
}

// WithContext decorates logger with the identifiers found in ctx.
func WithContext(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	var fields []zap.Field
	if id := GetRequestID(ctx); id != "" {
		fields = append(fields, zap.String(FieldRequestID, id))
	}
	if id := GetCorrelationID(ctx); id != "" {
		fields = append(fields, zap.String(FieldCorrelationID, id))
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}
