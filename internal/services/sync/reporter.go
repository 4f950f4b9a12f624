package sync

import (
	"time"

	"github.com/lumenhealth/syncbox/internal/clock"
	"github.com/lumenhealth/syncbox/internal/models"
	"github.com/lumenhealth/syncbox/internal/queue"
)

// Summary is a point-in-time status snapshot for UI consumers.
type Summary struct {
	PendingCount  int `json:"pending_count"`
	InFlightCount int `json:"in_flight_count"`
	FailedCount   int `json:"failed_count"`
	SyncedCount   int `json:"synced_count"`

	IsSyncing bool `json:"is_syncing"`

	LastSyncAt  time.Time      `json:"last_sync_at,omitempty"`
	LastTrigger models.Trigger `json:"last_trigger,omitempty"`
	LastError   string         `json:"last_error,omitempty"`

	// OldestPendingAge is how long the oldest pending mutation has been
	// waiting, zero when the queue is drained.
	OldestPendingAge time.Duration `json:"oldest_pending_age,omitempty"`
}

// Reporter derives status summaries from the store and the engine's
// session state. Pure read: deriving a summary never mutates the queue.
type Reporter struct {
	store  queue.Store
	engine *Engine
	clock  clock.Clock
}

// NewReporter creates a status reporter.
func NewReporter(store queue.Store, engine *Engine, clk clock.Clock) *Reporter {
	return &Reporter{store: store, engine: engine, clock: clk}
}

// Summary returns the current queue and session status.
func (r *Reporter) Summary() (Summary, error) {
	stats, err := r.store.Stats()
	if err != nil {
		return Summary{}, err
	}

	s := Summary{
		PendingCount:     stats.Pending,
		InFlightCount:    stats.InFlight,
		FailedCount:      stats.Failed,
		SyncedCount:      stats.Synced,
		IsSyncing:        r.engine.Syncing(),
		OldestPendingAge: stats.OldestPendingAge(r.clock.Now()),
	}

	if last := r.engine.LastSession(); last != nil {
		s.LastSyncAt = last.FinishedAt
		s.LastTrigger = last.TriggeredBy
		s.LastError = last.LastError
	}

	return s, nil
}
