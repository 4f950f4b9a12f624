package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxPayloadSize caps the serialized payload of a single mutation.
const MaxPayloadSize = 256 * 1024

// DefaultMaxAttempts is the delivery budget for a mutation unless the
// caller overrides it at enqueue time.
const DefaultMaxAttempts = 3

// Kind identifies the type of write a mutation represents. The set is
// open: callers may define their own kinds, these are the ones the
// product ships.
type Kind string

// Mutation kinds.
const (
	KindMoodLog        Kind = "mood_log"
	KindMemoryUpload   Kind = "memory_upload"
	KindGenericRequest Kind = "generic_request"
)

// Status is the lifecycle state of a queued mutation.
type Status string

// Mutation statuses. Pending and InFlight are live; Synced and Failed
// are terminal.
const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusSynced   Status = "synced"
	StatusFailed   Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSynced || s == StatusFailed
}

// ErrorInfo captures the outcome of a failed delivery attempt so it can
// be persisted alongside the mutation.
type ErrorInfo struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Transient bool      `json:"transient"`
	At        time.Time `json:"at"`
}

// ErrorInfoFrom builds persistable error details from a classified (or
// unclassified) delivery error.
func ErrorInfoFrom(err error, at time.Time) ErrorInfo {
	info := ErrorInfo{
		Code:      ErrCodeUnknown,
		Transient: IsTransient(err),
		At:        at,
	}
	if err != nil {
		info.Message = err.Error()
	}
	var cerr *ClassifiedError
	if AsClassified(err, &cerr) && cerr.Code != "" {
		info.Code = cerr.Code
	}
	return info
}

// QueuedMutation is a durable write intent awaiting delivery to the
// server. Records survive process restarts; ordering follows CreatedAt
// with ID as the tiebreaker.
type QueuedMutation struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	LogicalKey    string          `json:"logical_key,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	NextAttemptAt time.Time       `json:"next_attempt_at,omitempty"`
	LastError     *ErrorInfo      `json:"last_error,omitempty"`
}

// NewQueuedMutation creates a pending mutation with a time-ordered ID.
func NewQueuedMutation(kind Kind, payload []byte, logicalKey string, now time.Time) (*QueuedMutation, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate mutation id: %w", err)
	}

	m := &QueuedMutation{
		ID:          id.String(),
		Kind:        kind,
		LogicalKey:  logicalKey,
		Payload:     append(json.RawMessage(nil), payload...),
		Status:      StatusPending,
		Attempts:    0,
		MaxAttempts: DefaultMaxAttempts,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks structural invariants before the mutation is accepted
// into the queue.
func (m *QueuedMutation) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	if strings.TrimSpace(string(m.Kind)) == "" {
		return &ValidationError{Field: "kind", Reason: "required"}
	}
	if len(m.Payload) == 0 {
		return &ValidationError{Field: "payload", Reason: "required"}
	}
	if len(m.Payload) > MaxPayloadSize {
		return &ValidationError{
			Field:  "payload",
			Reason: fmt.Sprintf("size %d exceeds limit %d", len(m.Payload), MaxPayloadSize),
		}
	}
	if !json.Valid(m.Payload) {
		return &ValidationError{Field: "payload", Reason: "not valid JSON"}
	}
	if m.MaxAttempts < 1 {
		return &ValidationError{Field: "max_attempts", Reason: "must be at least 1"}
	}
	return nil
}

// CanRetry reports whether a further delivery attempt is allowed.
func (m *QueuedMutation) CanRetry() bool {
	return m.Attempts < m.MaxAttempts
}

// Due reports whether the mutation's backoff window has elapsed.
func (m *QueuedMutation) Due(now time.Time) bool {
	return m.NextAttemptAt.IsZero() || !now.Before(m.NextAttemptAt)
}

// LaneKey returns the ordering lane for this mutation. Mutations that
// share a logical key must be delivered serially; keyless mutations
// ride alone keyed by ID.
func (m *QueuedMutation) LaneKey() string {
	if m.LogicalKey != "" {
		return "key:" + m.LogicalKey
	}
	return "id:" + m.ID
}

// Clone returns a deep copy of the mutation.
func (m *QueuedMutation) Clone() *QueuedMutation {
	clone := *m
	clone.Payload = append(json.RawMessage(nil), m.Payload...)
	if m.LastError != nil {
		info := *m.LastError
		clone.LastError = &info
	}
	return &clone
}

// Before orders mutations by creation time, breaking ties on ID. IDs
// are UUIDv7 so the comparison stays stable for equal timestamps.
func (m *QueuedMutation) Before(other *QueuedMutation) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// Ack is the server's acknowledgement of a delivered mutation.
type Ack struct {
	MutationID string    `json:"mutation_id"`
	ServerID   string    `json:"server_id,omitempty"`
	SyncedAt   time.Time `json:"synced_at"`
}
