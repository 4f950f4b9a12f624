// Package netmon provides connectivity monitors that feed the sync
// service. A monitor reports the debounced network state: raw
// observations (probe results, websocket heartbeats, host signals) must
// hold steady for the configured window before subscribers see a
// transition, so connection flapping cannot thrash the queue.
package netmon

import (
	"sync"
	"time"

	"github.com/lumenhealth/syncbox/internal/clock"
	"github.com/lumenhealth/syncbox/internal/models"
)

// Monitor reports debounced connectivity.
type Monitor interface {
	// Subscribe registers a callback invoked on every committed
	// transition. The returned cancel removes the subscription.
	Subscribe(fn func(models.NetworkState)) (cancel func())

	// State returns the current committed state.
	State() models.NetworkState

	Close() error
}

// debouncer is the shared core of every monitor implementation. Raw
// observations arrive via observe; a flip away from the committed state
// is held for the debounce window before it commits and subscribers are
// notified.
type debouncer struct {
	window time.Duration
	clock  clock.Clock

	// deliverMu serializes commits so subscribers observe transitions
	// in order. Lock order: deliverMu before mu.
	deliverMu sync.Mutex

	mu         sync.RWMutex
	committed  models.NetworkState
	raw        bool
	pendingGen int
	pendingSet bool
	pendingTo  bool
	subs       map[int]func(models.NetworkState)
	nextSub    int
	closed     bool
}

func newDebouncer(initialOnline bool, window time.Duration, clk clock.Clock) *debouncer {
	return &debouncer{
		window: window,
		clock:  clk,
		committed: models.NetworkState{
			Online:           initialOnline,
			LastTransitionAt: clk.Now(),
		},
		raw:  initialOnline,
		subs: make(map[int]func(models.NetworkState)),
	}
}

// observe records a raw connectivity reading.
func (d *debouncer) observe(online bool) {
	d.mu.Lock()

	if d.closed {
		d.mu.Unlock()
		return
	}

	d.raw = online

	// Raw agrees with committed: cancel any pending flip.
	if online == d.committed.Online {
		d.pendingGen++
		d.pendingSet = false
		d.mu.Unlock()
		return
	}

	// A flip to this target is already armed; keep its deadline.
	if d.pendingSet && d.pendingTo == online {
		d.mu.Unlock()
		return
	}

	d.pendingGen++
	gen := d.pendingGen
	d.pendingSet = true
	d.pendingTo = online
	window := d.window
	d.mu.Unlock()

	if window <= 0 {
		d.commit(gen, online)
		return
	}

	go func() {
		<-d.clock.After(window)
		d.commit(gen, online)
	}()
}

// commit applies an armed flip if it is still current.
func (d *debouncer) commit(gen int, online bool) {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()

	d.mu.Lock()
	if d.closed || gen != d.pendingGen || !d.pendingSet || d.pendingTo != online {
		d.mu.Unlock()
		return
	}

	d.pendingSet = false
	d.committed = models.NetworkState{
		Online:           online,
		LastTransitionAt: d.clock.Now(),
	}
	state := d.committed

	fns := make([]func(models.NetworkState), 0, len(d.subs))
	for _, fn := range d.subs {
		fns = append(fns, fn)
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}

func (d *debouncer) Subscribe(fn func(models.NetworkState)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return func() {}
	}

	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.subs, id)
	}
}

func (d *debouncer) State() models.NetworkState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.committed
}

func (d *debouncer) close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.closed = true
	d.pendingGen++
	d.pendingSet = false
	d.subs = nil
}
