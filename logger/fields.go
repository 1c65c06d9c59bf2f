package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across post.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldCycleID    = "cycle_id"
	FieldActivityID = "activity_id"
	FieldPostID     = "post_id"
	FieldNativeID   = "native_id"
	FieldRemoteID   = "remote_id"

	// Components
	FieldComponent = "component"

	// Domain
	FieldSource      = "source"
	FieldKind        = "kind"
	FieldDestination = "destination"
	FieldCycle       = "cycle"
	FieldAttempt     = "attempt"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldStartTime  = "start_time"
	FieldEndTime    = "end_time"

	// Errors
	FieldError = "error"

	// Counts and sizes
	FieldCount = "count"
	FieldRunes = "runes"

	// Status
	FieldStatus = "status"
	FieldState  = "state"
)

// Context keys for propagating logging context
type contextKey string

const (
	cycleIDKey   contextKey = "logger_cycle_id"
	componentKey contextKey = "logger_component"
)

// WithCycleID adds a cycle ID to the context for logging.
// The scheduler assigns one per run so collector, selection, and
// publish log lines from the same cycle can be correlated.
func WithCycleID(ctx context.Context, cycleID string) context.Context {
	return context.WithValue(ctx, cycleIDKey, cycleID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if cycleID, ok := ctx.Value(cycleIDKey).(string); ok && cycleID != "" {
		fields = append(fields, FieldCycleID, cycleID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// LoggerFromContext returns a logger with fields extracted from context.
// Use this to get a logger that automatically includes cycle_id etc.
func LoggerFromContext(ctx context.Context) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return Logger
	}
	return Logger.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	type Coordinator struct {
//	    logger *zap.SugaredLogger
//	}
//
//	func NewCoordinator() *Coordinator {
//	    return &Coordinator{
//	        logger: logger.ComponentLogger("publish.coordinator"),
//	    }
//	}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// ChildLogger creates a child logger with additional context.
// Use for sub-operations that need extra context fields.
//
// Example:
//
//	postLogger := logger.ChildLogger(baseLogger, "post_id", post.ID)
func ChildLogger(parent *zap.SugaredLogger, keysAndValues ...interface{}) *zap.SugaredLogger {
	return parent.With(keysAndValues...)
}
