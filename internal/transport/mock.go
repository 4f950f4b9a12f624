package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lumenhealth/syncbox/internal/models"
)

// MockExecutor provides a scriptable executor for testing. Outcomes are
// scripted per mutation ID and consumed in call order; unscripted calls
// fall back to DefaultErr (nil acknowledges).
type MockExecutor struct {
	mu sync.Mutex

	// Scripted outcomes per mutation ID, consumed one per call.
	scripts map[string][]error

	// DefaultErr is returned when no script remains. Leave nil to
	// acknowledge everything.
	DefaultErr error

	// OnExecute runs before each outcome is resolved. Tests use it to
	// flip monitors or record timing mid-session.
	OnExecute func(m *models.QueuedMutation)

	// Calls records every delivery attempt in order.
	Calls []ExecutedCall
}

// ExecutedCall is one recorded delivery attempt.
type ExecutedCall struct {
	MutationID string
	Kind       models.Kind
	LogicalKey string
	At         time.Time
}

// NewMockExecutor creates an executor that acknowledges everything.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{scripts: make(map[string][]error)}
}

// Script queues outcomes for a mutation ID. A nil entry acknowledges.
func (m *MockExecutor) Script(id string, outcomes ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[id] = append(m.scripts[id], outcomes...)
}

// Execute resolves the next scripted outcome.
func (m *MockExecutor) Execute(ctx context.Context, mut *models.QueuedMutation) (*models.Ack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.Calls = append(m.Calls, ExecutedCall{
		MutationID: mut.ID,
		Kind:       mut.Kind,
		LogicalKey: mut.LogicalKey,
		At:         time.Now(),
	})
	hook := m.OnExecute

	var outcome error
	if script, ok := m.scripts[mut.ID]; ok && len(script) > 0 {
		outcome = script[0]
		m.scripts[mut.ID] = script[1:]
	} else {
		outcome = m.DefaultErr
	}
	m.mu.Unlock()

	if hook != nil {
		hook(mut)
	}

	if outcome != nil {
		return nil, outcome
	}

	return &models.Ack{
		MutationID: mut.ID,
		ServerID:   fmt.Sprintf("srv-%s", mut.ID),
		SyncedAt:   time.Now().UTC(),
	}, nil
}

// CallCount returns the total number of delivery attempts.
func (m *MockExecutor) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// CallsFor returns the number of attempts for one mutation ID.
func (m *MockExecutor) CallsFor(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, call := range m.Calls {
		if call.MutationID == id {
			count++
		}
	}
	return count
}

// CalledIDs returns mutation IDs in attempt order.
func (m *MockExecutor) CalledIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.Calls))
	for _, call := range m.Calls {
		ids = append(ids, call.MutationID)
	}
	return ids
}
