// Package testutil provides shared fixtures and a mock sync server for
// integration tests.
package testutil

import (
	"bytes"
	"fmt"

	"github.com/lumenhealth/syncbox/internal/events"
)

// NewTestLogger creates a logger for testing.
func NewTestLogger() *events.Logger {
	var buf bytes.Buffer
	return events.NewTestLogger(events.DebugLevel, "json", &buf)
}

// MoodPayload builds a mood log payload for a day (1-5 scale).
func MoodPayload(day string, mood int) []byte {
	return []byte(fmt.Sprintf(`{"day":%q,"mood":%d}`, day, mood))
}

// MemoryPayload builds a memory upload payload.
func MemoryPayload(text string) []byte {
	return []byte(fmt.Sprintf(`{"text":%q}`, text))
}
