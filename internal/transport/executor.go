// Package transport delivers queued mutations to the remote service.
// Executors perform exactly one delivery attempt per call; retry policy
// belongs to the sync engine. Failures should be classified with
// models.Transient or models.Permanent so the engine can route them;
// an unclassified error is treated as transient.
package transport

import (
	"context"

	"github.com/lumenhealth/syncbox/internal/models"
)

// Executor delivers one mutation to the remote service.
type Executor interface {
	Execute(ctx context.Context, m *models.QueuedMutation) (*models.Ack, error)
}
