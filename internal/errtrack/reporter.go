// Package errtrack defines the boundary to the external error-tracking
// collaborator. Jobs report unexpected failures and invariant warnings
// here; what happens downstream (Sentry, pager, nothing) is the
// implementation's business.
package errtrack

import (
	"go.uber.org/zap"
)

// Reporter receives failures that a human should eventually see.
type Reporter interface {
	// CaptureError reports an unexpected failure with context fields.
	CaptureError(err error, fields map[string]string)
	// CaptureWarning reports a non-fatal condition, such as a partial
	// batch failure that the job absorbed.
	CaptureWarning(message string, fields map[string]string)
}

// LogReporter is a Reporter backed by the service logger. It is the
// default when no external collector is configured.
type LogReporter struct {
	logger *zap.Logger
}

// NewLogReporter builds a LogReporter.
func NewLogReporter(logger *zap.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

// CaptureError logs the error at error level with its context fields.
func (r *LogReporter) CaptureError(err error, fields map[string]string) {
	r.logger.Error("reported error", append(zapFields(fields), zap.Error(err))...)
}

// CaptureWarning logs the message at warn level with its context fields.
func (r *LogReporter) CaptureWarning(message string, fields map[string]string) {
	r.logger.Warn("reported warning", append(zapFields(fields), zap.String("message", message))...)
}

func zapFields(fields map[string]string) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+1)
	for k, v := range fields {
		out = append(out, zap.String(k, v))
	}
	return out
}

// Nop is a Reporter that discards everything, for tests.
type Nop struct{}

// CaptureError implements Reporter.
func (Nop) CaptureError(error, map[string]string) {}

// CaptureWarning implements Reporter.
func (Nop) CaptureWarning(string, map[string]string) {}
