package queue

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lumenhealth/syncbox/internal/clock"
	"github.com/lumenhealth/syncbox/internal/events"
	"github.com/lumenhealth/syncbox/internal/models"
)

// MemoryStore implements ephemeral queue storage for tests and hosts
// that opt out of persistence. Failed mutations are capped by an LRU:
// once FailedRetention terminal failures accumulate, the oldest are
// dropped to keep the queue bounded.
type MemoryStore struct {
	limits Limits
	clock  clock.Clock
	logger *events.Logger

	mu        sync.RWMutex
	mutations map[string]*models.QueuedMutation
	order     []string
	failed    *lru.Cache[string, struct{}]
	closed    bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(limits Limits, clk clock.Clock, logger *events.Logger) (*MemoryStore, error) {
	retention := limits.FailedRetention
	if retention <= 0 {
		retention = DefaultLimits().FailedRetention
	}

	store := &MemoryStore{
		limits:    limits,
		clock:     clk,
		logger:    logger.WithField("component", "memory_queue_store"),
		mutations: make(map[string]*models.QueuedMutation),
	}

	// The eviction callback runs while the caller holds store.mu, so it
	// must touch the maps directly without locking.
	failed, err := lru.NewWithEvict(retention, func(id string, _ struct{}) {
		delete(store.mutations, id)
		store.removeFromOrder(id)
	})
	if err != nil {
		return nil, fmt.Errorf("create failed-entry cache: %w", err)
	}
	store.failed = failed

	return store, nil
}

func (ms *MemoryStore) removeFromOrder(id string) {
	for i, existing := range ms.order {
		if existing == id {
			ms.order = append(ms.order[:i], ms.order[i+1:]...)
			return
		}
	}
}

// Enqueue validates, admits, and records a new mutation.
func (ms *MemoryStore) Enqueue(kind models.Kind, payload []byte, logicalKey string) (*models.QueuedMutation, error) {
	m, err := ms.limits.newMutation(kind, payload, logicalKey, ms.clock.Now())
	if err != nil {
		return nil, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return nil, ErrStoreClosed
	}

	live := 0
	for _, existing := range ms.mutations {
		if !existing.Status.Terminal() {
			live++
		}
	}
	if err := ms.limits.admit(kind, live); err != nil {
		return nil, err
	}

	ms.mutations[m.ID] = m
	ms.order = append(ms.order, m.ID)

	return m.Clone(), nil
}

// ListPending returns non-terminal mutations in creation order.
func (ms *MemoryStore) ListPending(limit int) ([]*models.QueuedMutation, error) {
	return ms.list(limit, func(m *models.QueuedMutation) bool {
		return !m.Status.Terminal()
	})
}

// List returns all mutations in creation order.
func (ms *MemoryStore) List(limit int) ([]*models.QueuedMutation, error) {
	return ms.list(limit, func(*models.QueuedMutation) bool { return true })
}

func (ms *MemoryStore) list(limit int, include func(*models.QueuedMutation) bool) ([]*models.QueuedMutation, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	if ms.closed {
		return nil, ErrStoreClosed
	}

	var result []*models.QueuedMutation
	for _, id := range ms.order {
		m := ms.mutations[id]
		if !include(m) {
			continue
		}
		result = append(result, m.Clone())
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Get retrieves a single mutation.
func (ms *MemoryStore) Get(id string) (*models.QueuedMutation, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	if ms.closed {
		return nil, ErrStoreClosed
	}

	m, ok := ms.mutations[id]
	if !ok {
		return nil, ErrMutationNotFound
	}
	return m.Clone(), nil
}

// MarkInFlight transitions pending -> in_flight.
func (ms *MemoryStore) MarkInFlight(id string) error {
	return ms.transition(id, models.StatusInFlight, func(m *models.QueuedMutation) {})
}

// MarkSynced transitions in_flight -> synced.
func (ms *MemoryStore) MarkSynced(id string, attempts int) error {
	return ms.transition(id, models.StatusSynced, func(m *models.QueuedMutation) {
		m.Attempts = attempts
		m.NextAttemptAt = time.Time{}
		m.LastError = nil
	})
}

// MarkFailed transitions in_flight -> failed and registers the entry in
// the retention cache, which may drop the oldest failure.
func (ms *MemoryStore) MarkFailed(id string, attempts int, info models.ErrorInfo) error {
	return ms.transition(id, models.StatusFailed, func(m *models.QueuedMutation) {
		m.Attempts = attempts
		m.NextAttemptAt = time.Time{}
		m.LastError = &info
		ms.failed.Add(m.ID, struct{}{})
	})
}

// Requeue transitions in_flight -> pending with retry bookkeeping.
func (ms *MemoryStore) Requeue(id string, attempts int, nextAttempt time.Time, info models.ErrorInfo) error {
	return ms.transition(id, models.StatusPending, func(m *models.QueuedMutation) {
		m.Attempts = attempts
		m.NextAttemptAt = nextAttempt.UTC()
		m.LastError = &info
	})
}

func (ms *MemoryStore) transition(id string, to models.Status, apply func(*models.QueuedMutation)) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return ErrStoreClosed
	}

	m, ok := ms.mutations[id]
	if !ok {
		return ErrMutationNotFound
	}

	if !canTransition(m.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, to)
	}

	m.Status = to
	m.UpdatedAt = ms.clock.Now().UTC()
	apply(m)
	return nil
}

// Stats returns queue counts.
func (ms *MemoryStore) Stats() (Stats, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var stats Stats
	if ms.closed {
		return stats, ErrStoreClosed
	}

	for _, m := range ms.mutations {
		switch m.Status {
		case models.StatusPending:
			stats.Pending++
			if stats.OldestPendingAt.IsZero() || m.CreatedAt.Before(stats.OldestPendingAt) {
				stats.OldestPendingAt = m.CreatedAt
			}
		case models.StatusInFlight:
			stats.InFlight++
		case models.StatusSynced:
			stats.Synced++
		case models.StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// PurgeSynced garbage-collects old synced mutations.
func (ms *MemoryStore) PurgeSynced(olderThan time.Time) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return 0, ErrStoreClosed
	}

	removed := 0
	kept := ms.order[:0]
	for _, id := range ms.order {
		m := ms.mutations[id]
		if m.Status == models.StatusSynced && m.UpdatedAt.Before(olderThan) {
			delete(ms.mutations, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	ms.order = kept
	return removed, nil
}

// ClearFailed removes all failed mutations.
func (ms *MemoryStore) ClearFailed() (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return 0, ErrStoreClosed
	}

	removed := ms.failed.Len()
	ms.failed.Purge()
	return removed, nil
}

// importMutation inserts a record verbatim (migration path).
func (ms *MemoryStore) importMutation(m *models.QueuedMutation) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return ErrStoreClosed
	}

	clone := m.Clone()
	ms.mutations[clone.ID] = clone
	ms.order = append(ms.order, clone.ID)
	if clone.Status == models.StatusFailed {
		ms.failed.Add(clone.ID, struct{}{})
	}
	return nil
}

// Close disables the store and releases its contents.
func (ms *MemoryStore) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return nil
	}
	ms.closed = true
	ms.mutations = nil
	ms.order = nil
	return nil
}
