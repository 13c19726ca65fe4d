package eventstore

import "context"

// Logger is a minimal observability hook for the store. Implement it to
// bridge your preferred logging library; the zero-value default is silent.
type Logger interface {
	// Debug logs verbose operational details
	Debug(ctx context.Context, msg string, keyvals ...interface{})

	// Info logs significant events during normal operation
	Info(ctx context.Context, msg string, keyvals ...interface{})

	// Error logs failures that require attention
	Error(ctx context.Context, msg string, keyvals ...interface{})
}

// NoOpLogger discards everything. It is the default when no logger is set.
type NoOpLogger struct{}

// Debug implements Logger
func (NoOpLogger) Debug(_ context.Context, _ string, _ ...interface{}) {}

// Info implements Logger
func (NoOpLogger) Info(_ context.Context, _ string, _ ...interface{}) {}

// Error implements Logger
func (NoOpLogger) Error(_ context.Context, _ string, _ ...interface{}) {}
