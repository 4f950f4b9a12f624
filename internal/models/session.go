package models

import (
	"time"

	"github.com/google/uuid"
)

// Trigger identifies what started a sync session.
type Trigger string

// Session triggers.
const (
	TriggerReconnect Trigger = "reconnect"
	TriggerManual    Trigger = "manual"
	TriggerInterval  Trigger = "interval"
)

// SyncSession is the ephemeral record of one drain session. It is never
// persisted; the queue itself is the durable state.
type SyncSession struct {
	ID          string    `json:"id"`
	TriggeredBy Trigger   `json:"triggered_by"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`

	// Processed counts mutations attempted at least once this session.
	// Succeeded, Failed and Aborted are mutually exclusive outcomes;
	// a mutation retried and still pending when the session ends counts
	// in Processed and Retried only.
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Aborted   int `json:"aborted"`
	Retried   int `json:"retried"`

	// Passes is how many dispatch passes ran over the snapshot.
	Passes int `json:"passes"`

	LastError string `json:"last_error,omitempty"`
}

// NewSyncSession creates a session record for a drain started now.
func NewSyncSession(trigger Trigger, now time.Time) *SyncSession {
	return &SyncSession{
		ID:          uuid.NewString(),
		TriggeredBy: trigger,
		StartedAt:   now.UTC(),
	}
}

// Finish stamps the session end time.
func (s *SyncSession) Finish(now time.Time) {
	s.FinishedAt = now.UTC()
}

// Duration returns the wall time the session ran, zero if unfinished.
func (s *SyncSession) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// Clone returns a copy safe to hand to readers while counters advance.
func (s *SyncSession) Clone() *SyncSession {
	clone := *s
	return &clone
}
