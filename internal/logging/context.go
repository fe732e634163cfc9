package logging

import (
	"context"
	"log/slog"

	"zeroflash/internal/services"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldDevice is the standardized structured logging key for device serial numbers.
	FieldDevice = "device"
	// FieldOperation is the standardized structured logging key for top-level operation names.
	FieldOperation = "operation"
	// FieldStage is the standardized structured logging key for composite stage names.
	FieldStage = "stage"
	// FieldCommandID is the standardized structured logging key for RPC command identifiers.
	FieldCommandID = "command_id"
	// FieldCorrelationID is the standardized structured logging key for request correlation identifiers.
	FieldCorrelationID = "correlation_id"
	// FieldEventType classifies log lines for filtering (stage_start, stage_complete, ...).
	FieldEventType = "event_type"
	// FieldErrorHint carries the suggested next step for warnings and errors.
	FieldErrorHint = "error_hint"
	// FieldErrorKind carries the remediation class of a failure.
	FieldErrorKind = "error_kind"
	// FieldImpact is the standardized key for user-facing consequence of a warning.
	FieldImpact = "impact"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 4)
	if serial, ok := services.DeviceFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldDevice, serial))
	}
	if op, ok := services.OperationFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldOperation, op))
	}
	if stage, ok := services.StageFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldStage, stage))
	}
	if rid, ok := services.RequestIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldCorrelationID, rid))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(attrsToArgs(fields)...)
}

// FailureAttrs builds the error, error_kind, and error_hint attributes for a
// failed operation.
func FailureAttrs(err error) []Attr {
	kind := services.KindOf(err)
	return []Attr{
		Error(err),
		String(FieldErrorKind, string(kind)),
		String(FieldErrorHint, kind.Hint()),
	}
}
