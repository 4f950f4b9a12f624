package events_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lumenhealth/syncbox/internal/events"
)

func TestFromContext(t *testing.T) {
	ctx := context.Background()

	// Should return default logger when none in context
	logger := events.FromContext(ctx)
	assert.NotNil(t, logger)
}

func TestWithLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.DebugLevel, "json", &buf)

	ctx := events.WithLogger(context.Background(), logger)
	retrieved := events.FromContext(ctx)

	assert.Equal(t, logger, retrieved)
}

func TestWithSessionID(t *testing.T) {
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.DebugLevel, "json", &buf)

	ctx := events.WithLogger(context.Background(), logger)
	ctx = events.WithSessionID(ctx, "sess-123")

	assert.Equal(t, "sess-123", events.GetSessionID(ctx))

	events.FromContext(ctx).Info("session log")
	assert.Contains(t, buf.String(), `"session_id":"sess-123"`)
}

func TestWithMutationID(t *testing.T) {
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.DebugLevel, "json", &buf)

	ctx := events.WithLogger(context.Background(), logger)
	ctx = events.WithMutationID(ctx, "mut-789")

	assert.Equal(t, "mut-789", events.GetMutationID(ctx))

	events.FromContext(ctx).Info("mutation log")
	assert.Contains(t, buf.String(), `"mutation_id":"mut-789"`)
}

func TestGetSessionIDEmpty(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, events.GetSessionID(ctx))
	assert.Empty(t, events.GetMutationID(ctx))
}
