// Package queue provides the durable mutation store: an ordered queue
// of write intents that survives process restarts. Three backends share
// one contract (sqlite, JSON file, memory); the orchestrator is the
// only writer of status transitions.
package queue

import (
	"errors"
	"time"

	"github.com/lumenhealth/syncbox/internal/config"
	"github.com/lumenhealth/syncbox/internal/models"
)

// Store manages mutation queue persistence.
type Store interface {
	// Enqueue validates, admits, and durably persists a new mutation.
	// When Enqueue returns nil the mutation is on disk.
	Enqueue(kind models.Kind, payload []byte, logicalKey string) (*models.QueuedMutation, error)

	// ListPending returns non-terminal mutations in creation order,
	// up to limit (0 = no limit).
	ListPending(limit int) ([]*models.QueuedMutation, error)

	// List returns all mutations in creation order, terminal included,
	// up to limit (0 = no limit).
	List(limit int) ([]*models.QueuedMutation, error)

	// Get retrieves a single mutation.
	Get(id string) (*models.QueuedMutation, error)

	// MarkInFlight transitions pending -> in_flight.
	MarkInFlight(id string) error

	// MarkSynced transitions in_flight -> synced, recording the attempt
	// count that delivered the mutation.
	MarkSynced(id string, attempts int) error

	// MarkFailed transitions in_flight -> failed (terminal), recording
	// the attempt count that exhausted the mutation.
	MarkFailed(id string, attempts int, info models.ErrorInfo) error

	// Requeue transitions in_flight -> pending for a later retry,
	// recording the attempt count, backoff deadline, and failure.
	Requeue(id string, attempts int, nextAttempt time.Time, info models.ErrorInfo) error

	// Stats returns queue counts and the oldest pending timestamp.
	Stats() (Stats, error)

	// PurgeSynced deletes synced mutations last touched before
	// olderThan, returning how many were removed.
	PurgeSynced(olderThan time.Time) (int, error)

	// ClearFailed deletes all failed mutations, returning the count.
	ClearFailed() (int, error)

	// Close releases resources.
	Close() error
}

// Errors
var (
	ErrMutationNotFound  = errors.New("mutation not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStoreCorrupt      = errors.New("queue file is corrupt")
	ErrStoreClosed       = errors.New("store closed")
	ErrSchemaVersion     = errors.New("unsupported queue schema version")
)

// CurrentSchemaVersion for migrations.
const CurrentSchemaVersion = 1

// Stats summarizes queue contents.
type Stats struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Synced   int `json:"synced"`
	Failed   int `json:"failed"`

	// OldestPendingAt is zero when nothing is pending.
	OldestPendingAt time.Time `json:"oldest_pending_at,omitempty"`
}

// Live returns the count charged against the backpressure limit.
func (s Stats) Live() int {
	return s.Pending + s.InFlight
}

// OldestPendingAge returns how long the oldest pending mutation has
// been waiting, zero when nothing is pending.
func (s Stats) OldestPendingAge(now time.Time) time.Duration {
	if s.OldestPendingAt.IsZero() {
		return 0
	}
	age := now.Sub(s.OldestPendingAt)
	if age < 0 {
		return 0
	}
	return age
}

// Limits is the admission policy shared by all backends.
type Limits struct {
	MaxPending      int
	MaxPayloadBytes int
	MaxAttempts     int
	FailedRetention int
	HighPriority    map[models.Kind]bool
}

// LimitsFromConfig builds admission limits from queue config.
func LimitsFromConfig(cfg config.QueueConfig) Limits {
	high := make(map[models.Kind]bool, len(cfg.Priorities))
	for kind, priority := range cfg.Priorities {
		if priority == config.PriorityHigh {
			high[models.Kind(kind)] = true
		}
	}
	return Limits{
		MaxPending:      cfg.MaxPending,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		MaxAttempts:     cfg.MaxAttempts,
		FailedRetention: cfg.FailedRetention,
		HighPriority:    high,
	}
}

// DefaultLimits returns the stock admission policy.
func DefaultLimits() Limits {
	return LimitsFromConfig(config.DefaultConfig().Queue)
}

// newMutation builds a validated pending mutation under these limits.
func (l Limits) newMutation(kind models.Kind, payload []byte, logicalKey string, now time.Time) (*models.QueuedMutation, error) {
	if l.MaxPayloadBytes > 0 && len(payload) > l.MaxPayloadBytes {
		return nil, &models.ValidationError{
			Field:  "payload",
			Reason: "exceeds configured size limit",
		}
	}

	m, err := models.NewQueuedMutation(kind, payload, logicalKey, now)
	if err != nil {
		return nil, err
	}
	if l.MaxAttempts > 0 {
		m.MaxAttempts = l.MaxAttempts
	}
	return m, nil
}

// admit enforces backpressure. High-priority kinds are always admitted;
// everything else is rejected once the live count reaches MaxPending.
func (l Limits) admit(kind models.Kind, live int) error {
	if l.MaxPending <= 0 || live < l.MaxPending {
		return nil
	}
	if l.HighPriority[kind] {
		return nil
	}
	return &models.QueueFullError{Pending: live, Limit: l.MaxPending}
}

// canTransition validates the forward-only status machine.
func canTransition(from, to models.Status) bool {
	switch from {
	case models.StatusPending:
		return to == models.StatusInFlight
	case models.StatusInFlight:
		return to == models.StatusSynced || to == models.StatusFailed || to == models.StatusPending
	default:
		return false
	}
}

// importer is the raw-record insert path used by Migrate. All shipped
// backends implement it.
type importer interface {
	importMutation(m *models.QueuedMutation) error
}

// Migrate copies every mutation from src into dst, preserving IDs,
// statuses, timestamps and attempt counts. dst should be empty.
func Migrate(src, dst Store) (int, error) {
	imp, ok := dst.(importer)
	if !ok {
		return 0, errors.New("target store does not support import")
	}

	mutations, err := src.List(0)
	if err != nil {
		return 0, err
	}

	for i, m := range mutations {
		if err := imp.importMutation(m); err != nil {
			return i, err
		}
	}
	return len(mutations), nil
}
