package logger

import (
	"context"
	"strconv"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across Chronos.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity fields
	FieldJobID   = "job_id"
	FieldJobName = "job_name"
	FieldRunID   = "run_id"
	FieldAttempt = "attempt"

	// Component identification
	FieldComponent = "component"

	// Scheduling fields
	FieldSchedule      = "schedule"
	FieldScheduledTime = "scheduled_time"
	FieldTick          = "tick"

	// Timing fields
	FieldDurationMS = "duration_ms"

	// Error fields
	FieldError = "error"

	// Count and status fields
	FieldCount  = "count"
	FieldStatus = "status"

	// Location fields
	FieldFile    = "file"
	FieldPath    = "path"
	FieldAddress = "address"
)

type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	componentKey contextKey = "logger_component"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID int64) context.Context {
	return context.WithValue(ctx, jobIDKey, strconv.FormatInt(jobID, 10))
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// LoggerFromContext returns a child of base carrying the fields found in ctx.
func LoggerFromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
//
// Example:
//
//	ticker := schedule.NewTicker(store, executor, clk, cfg, logger.ComponentLogger("scheduler"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
