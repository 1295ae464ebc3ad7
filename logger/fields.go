package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across Polar.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity
	FieldJobID     = "job_id"
	FieldEventID   = "event_id"
	FieldRunID     = "run_id"
	FieldRequestID = "request_id"
	FieldProfileID = "profile_id"
	FieldUserID    = "user_id"

	// Scheduler
	FieldSource      = "source"
	FieldSchedule    = "schedule"
	FieldAttempt     = "attempt"
	FieldMaxAttempts = "max_attempts"
	FieldQueue       = "queue"
	FieldAction      = "action"
	FieldSequence    = "sequence"
	FieldDisposition = "disposition"
	FieldNextDueAtMs = "next_due_at_ms"
	FieldReplayKey   = "replay_key"

	// Operations
	FieldComponent = "component"
	FieldOperation = "operation"
	FieldMethod    = "method"
	FieldPath      = "path"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError     = "error"
	FieldErrorCode = "error_code"

	// Counts and status
	FieldCount  = "count"
	FieldStatus = "status"

	// Network
	FieldAddress = "address"
	FieldPort    = "port"

	FieldSymbol = "symbol" // subsystem glyph (꩜, ⊔, ▤, ...)
)

// Context keys for propagating logging context
type contextKey string

const (
	eventIDKey   contextKey = "logger_event_id"
	requestIDKey contextKey = "logger_request_id"
)

// WithEventID adds a scheduler event ID to the context for logging
func WithEventID(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, eventIDKey, eventID)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if eventID, ok := ctx.Value(eventIDKey).(string); ok && eventID != "" {
		fields = append(fields, FieldEventID, eventID)
	}
	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}

	return fields
}

// FromContext returns base decorated with any fields carried by ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named child of the global logger.
// This is the preferred way to get a logger for dependency injection.
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
