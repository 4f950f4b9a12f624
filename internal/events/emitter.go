package events

import (
	"sync"
	"time"

	"github.com/lumenhealth/syncbox/internal/models"
)

// EventType defines lifecycle event types.
type EventType string

const (
	EventSyncStarted        EventType = "sync_started"
	EventSyncCompleted      EventType = "sync_completed"
	EventMutationSynced     EventType = "mutation_synced"
	EventMutationSyncFailed EventType = "mutation_sync_failed"
	EventNetworkChanged     EventType = "network_changed"
)

// Event is a lifecycle notification from the sync pipeline. Only the
// fields relevant to the event type are set.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Session   *models.SyncSession
	Mutation  *models.QueuedMutation
	Network   *models.NetworkState
	Error     error
}

// DefaultEventBuffer is the per-subscriber channel capacity.
const DefaultEventBuffer = 100

// Emitter fans lifecycle events out to subscribers. Emit never blocks:
// a subscriber that falls behind loses events rather than stalling the
// sync pipeline.
type Emitter struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
	logger *Logger
}

// NewEmitter creates an emitter.
func NewEmitter(logger *Logger) *Emitter {
	return &Emitter{
		subs:   make(map[int]chan Event),
		logger: logger.WithField("component", "emitter"),
	}
}

// Subscribe registers a listener. The returned cancel func unregisters
// it and closes the channel.
func (e *Emitter) Subscribe() (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan Event, DefaultEventBuffer)
	if e.closed {
		close(ch)
		return ch, func() {}
	}

	id := e.nextID
	e.nextID++
	e.subs[id] = ch

	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if sub, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Emit delivers an event to every subscriber without blocking.
func (e *Emitter) Emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}

	for _, ch := range e.subs {
		select {
		case ch <- evt:
		default:
			// Subscriber full, drop event
			e.logger.WithField("type", string(evt.Type)).Debug("Subscriber full, dropping event")
		}
	}
}

// Close unregisters all subscribers and closes their channels. Emit
// becomes a no-op afterwards.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true

	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
}
