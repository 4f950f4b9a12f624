package events

import (
	"context"
	"os"
)

type contextKey int

const (
	loggerKey contextKey = iota
	sessionIDKey
	mutationIDKey
)

// FromContext extracts logger from context.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	// Return default logger
	return defaultLogger
}

// WithLogger adds logger to context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithSessionID adds a sync session ID to context.
func WithSessionID(ctx context.Context, id string) context.Context {
	logger := FromContext(ctx).WithField("session_id", id)
	ctx = context.WithValue(ctx, sessionIDKey, id)
	return WithLogger(ctx, logger)
}

// WithMutationID adds a mutation ID to context.
func WithMutationID(ctx context.Context, id string) context.Context {
	logger := FromContext(ctx).WithField("mutation_id", id)
	ctx = context.WithValue(ctx, mutationIDKey, id)
	return WithLogger(ctx, logger)
}

// GetSessionID retrieves the sync session ID from context.
func GetSessionID(ctx context.Context) string {
	if id, ok := ctx.Value(sessionIDKey).(string); ok {
		return id
	}
	return ""
}

// GetMutationID retrieves the mutation ID from context.
func GetMutationID(ctx context.Context) string {
	if id, ok := ctx.Value(mutationIDKey).(string); ok {
		return id
	}
	return ""
}

var defaultLogger = &Logger{
	level:  InfoLevel,
	format: "text",
	output: os.Stderr,
	fields: make(map[string]interface{}),
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	defaultLogger = logger
}
