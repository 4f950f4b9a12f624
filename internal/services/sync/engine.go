// Package sync implements the drain orchestrator. A session snapshots
// pending mutations, partitions them into per-key lanes, and delivers
// them through the remote executor with bounded retries, exponential
// backoff, and offline abort.
package sync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lumenhealth/syncbox/internal/clock"
	"github.com/lumenhealth/syncbox/internal/config"
	"github.com/lumenhealth/syncbox/internal/events"
	"github.com/lumenhealth/syncbox/internal/models"
	"github.com/lumenhealth/syncbox/internal/netmon"
	"github.com/lumenhealth/syncbox/internal/queue"
	"github.com/lumenhealth/syncbox/internal/transport"
)

// DefaultMaxBatch bounds the session snapshot when config leaves it
// zero.
const DefaultMaxBatch = 200

// Engine drains the mutation queue. One session runs at a time; a
// trigger while draining returns models.ErrSyncInProgress.
type Engine struct {
	store    queue.Store
	executor transport.Executor
	monitor  netmon.Monitor
	emitter  *events.Emitter
	clock    clock.Clock
	logger   *events.Logger

	maxBatch      int
	concurrency   int
	maxPasses     int
	sessionBudget time.Duration
	backoff       BackoffPolicy

	mu      sync.Mutex
	syncing bool

	last atomic.Value // *models.SyncSession
}

// NewEngine creates a drain engine.
func NewEngine(
	store queue.Store,
	executor transport.Executor,
	monitor netmon.Monitor,
	emitter *events.Emitter,
	cfg config.SyncConfig,
	clk clock.Clock,
	logger *events.Logger,
) *Engine {
	e := &Engine{
		store:         store,
		executor:      executor,
		monitor:       monitor,
		emitter:       emitter,
		clock:         clk,
		logger:        logger.WithField("component", "sync_engine"),
		maxBatch:      cfg.MaxBatch,
		concurrency:   cfg.Concurrency,
		maxPasses:     cfg.MaxPasses,
		sessionBudget: cfg.SessionBudget,
		backoff:       BackoffFromConfig(cfg),
	}
	if e.maxBatch <= 0 {
		e.maxBatch = DefaultMaxBatch
	}
	if e.concurrency < 1 {
		e.concurrency = 1
	}
	if e.maxPasses < 1 {
		e.maxPasses = 1
	}
	return e
}

// Syncing reports whether a session is draining right now.
func (e *Engine) Syncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing
}

// LastSession returns a copy of the most recent session record, nil
// before the first session. A session still draining has a zero
// FinishedAt.
func (e *Engine) LastSession() *models.SyncSession {
	if s, ok := e.last.Load().(*models.SyncSession); ok {
		return s.Clone()
	}
	return nil
}

// Run executes one drain session. It returns models.ErrSyncInProgress
// when a session is already draining and models.ErrOffline when the
// monitor reports offline before anything starts. A session that aborts
// mid-way (connectivity loss, cancellation) still completes normally
// and returns its session record; leftovers stay pending for the next
// trigger.
func (e *Engine) Run(ctx context.Context, trigger models.Trigger) (*models.SyncSession, error) {
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return nil, models.ErrSyncInProgress
	}
	e.syncing = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.syncing = false
		e.mu.Unlock()
	}()

	if !e.monitor.State().Online {
		return nil, models.ErrOffline
	}

	session := models.NewSyncSession(trigger, e.clock.Now())
	e.last.Store(session.Clone())

	// Downstream executors pick the session ID out of the context for
	// request correlation.
	ctx = events.WithLogger(ctx, e.logger)
	ctx = events.WithSessionID(ctx, session.ID)

	log := events.FromContext(ctx).WithField("trigger", string(trigger))
	log.Info("Starting sync session")

	e.emit(events.Event{
		Type:      events.EventSyncStarted,
		Timestamp: session.StartedAt,
		Session:   session.Clone(),
	})

	d := &drain{session: session}

	snapshot, err := e.store.ListPending(e.maxBatch)
	if err != nil {
		log.WithError(err).Error("Failed to snapshot pending mutations")
		d.setLastError(err)
		e.complete(ctx, d, log)
		return session, err
	}
	d.lanes = buildLanes(snapshot)

	for len(d.lanes) > 0 {
		session.Passes++
		e.runPass(ctx, d)

		if d.isOffline() || ctx.Err() != nil {
			break
		}
		next, ok := d.nextDeadline()
		if !ok {
			break
		}
		if session.Passes >= e.maxPasses {
			log.WithField("passes", session.Passes).Debug("Pass limit reached, leaving remainder pending")
			break
		}
		if next.Sub(session.StartedAt) > e.sessionBudget {
			log.WithField("next_attempt_at", next.UTC().Format(time.RFC3339)).
				Debug("Session budget exhausted, leaving remainder pending")
			break
		}

		select {
		case <-e.clock.After(next.Sub(e.clock.Now())):
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}

	e.complete(ctx, d, log)
	if err := ctx.Err(); err != nil {
		return session, err
	}
	return session, nil
}

// complete settles abort accounting, stamps the session, and emits the
// completion event.
func (e *Engine) complete(ctx context.Context, d *drain, log *events.Logger) {
	if d.isOffline() || ctx.Err() != nil {
		d.countAborted()
	}

	d.session.Finish(e.clock.Now())
	e.last.Store(d.session.Clone())

	e.emit(events.Event{
		Type:      events.EventSyncCompleted,
		Timestamp: d.session.FinishedAt,
		Session:   d.session.Clone(),
	})

	log.WithFields(map[string]interface{}{
		"processed": d.session.Processed,
		"succeeded": d.session.Succeeded,
		"failed":    d.session.Failed,
		"aborted":   d.session.Aborted,
		"retried":   d.session.Retried,
		"passes":    d.session.Passes,
		"duration":  d.session.Duration().String(),
	}).Info("Sync session completed")
}

// runPass dispatches every lane with work to the worker pool. Lanes are
// the unit of dispatch: one worker owns a lane for the whole pass, so
// same-key mutations can never interleave.
func (e *Engine) runPass(ctx context.Context, d *drain) {
	workers := e.concurrency
	if workers > len(d.lanes) {
		workers = len(d.lanes)
	}

	ready := make(chan *lane)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ln := range ready {
				e.drainLane(ctx, d, ln)
			}
		}()
	}

feed:
	for _, ln := range d.lanes {
		if ln.head() == nil {
			continue
		}
		select {
		case ready <- ln:
		case <-ctx.Done():
			break feed
		}
	}
	close(ready)
	wg.Wait()
}

// drainLane delivers a lane's mutations in order. It stops at the first
// transient failure, at a head whose backoff has not elapsed, on
// connectivity loss, and on cancellation. Success and terminal failure
// unblock the next mutation in the lane.
func (e *Engine) drainLane(ctx context.Context, d *drain, ln *lane) {
	for {
		item := ln.head()
		if item == nil {
			return
		}
		if ctx.Err() != nil || d.isOffline() {
			return
		}
		if !e.monitor.State().Online {
			d.markOffline()
			return
		}
		if !item.m.Due(e.clock.Now()) {
			return
		}
		if !e.deliver(ctx, d, item) {
			return
		}
		ln.next++
	}
}

// deliver runs one delivery attempt. The return value reports whether
// the lane may advance past this mutation.
func (e *Engine) deliver(ctx context.Context, d *drain, item *laneItem) bool {
	m := item.m
	attempt := m.Attempts + 1
	log := e.logger.WithFields(map[string]interface{}{
		"mutation_id": m.ID,
		"kind":        string(m.Kind),
		"attempt":     attempt,
	})

	if err := e.store.MarkInFlight(m.ID); err != nil {
		log.WithError(err).Error("Failed to mark mutation in flight")
		d.setLastError(err)
		item.done = true
		return true
	}
	m.Status = models.StatusInFlight
	d.recordAttempt(item)

	// In-flight calls are never cancelled mid-write; the executor's own
	// timeout bounds them.
	callCtx := events.WithMutationID(context.WithoutCancel(ctx), m.ID)
	ack, execErr := e.executor.Execute(callCtx, m)
	now := e.clock.Now()

	if execErr == nil {
		if err := e.store.MarkSynced(m.ID, attempt); err != nil {
			log.WithError(err).Error("Failed to mark mutation synced")
			d.setLastError(err)
			item.done = true
			return true
		}
		m.Status = models.StatusSynced
		m.Attempts = attempt
		m.UpdatedAt = now
		m.NextAttemptAt = time.Time{}
		m.LastError = nil
		item.done = true
		d.addSucceeded()

		if ack != nil && ack.ServerID != "" {
			log = log.WithField("server_id", ack.ServerID)
		}
		log.Debug("Mutation synced")
		e.emit(events.Event{
			Type:      events.EventMutationSynced,
			Timestamp: now,
			Mutation:  m.Clone(),
		})
		return true
	}

	info := models.ErrorInfoFrom(execErr, now)

	if models.IsPermanent(execErr) {
		log.WithError(execErr).Warn("Mutation rejected, not retrying")
		return e.fail(d, item, attempt, info, execErr, log)
	}

	if attempt >= m.MaxAttempts {
		log.WithError(execErr).Warn("Retry budget exhausted")
		return e.fail(d, item, attempt, info, execErr, log)
	}

	delay := e.backoff.Delay(attempt)
	nextAt := now.Add(delay)
	if err := e.store.Requeue(m.ID, attempt, nextAt, info); err != nil {
		log.WithError(err).Error("Failed to requeue mutation")
		d.setLastError(err)
		item.done = true
		return true
	}
	m.Status = models.StatusPending
	m.Attempts = attempt
	m.UpdatedAt = now
	m.NextAttemptAt = nextAt
	m.LastError = &info
	d.addRetried()

	log.WithError(execErr).WithField("retry_in", delay.String()).Debug("Transient failure, retry scheduled")
	return false
}

// fail moves the mutation to terminal failed and emits the failure
// event. The lane advances: a terminal head can never be delivered, so
// holding later same-key mutations for it would strand them.
func (e *Engine) fail(d *drain, item *laneItem, attempt int, info models.ErrorInfo, cause error, log *events.Logger) bool {
	m := item.m
	if err := e.store.MarkFailed(m.ID, attempt, info); err != nil {
		log.WithError(err).Error("Failed to mark mutation failed")
		d.setLastError(err)
		item.done = true
		return true
	}
	m.Status = models.StatusFailed
	m.Attempts = attempt
	m.UpdatedAt = info.At
	m.NextAttemptAt = time.Time{}
	m.LastError = &info
	item.done = true
	d.addFailed()
	d.setLastError(cause)

	e.emit(events.Event{
		Type:      events.EventMutationSyncFailed,
		Timestamp: info.At,
		Mutation:  m.Clone(),
		Error:     cause,
	})
	return true
}

func (e *Engine) emit(evt events.Event) {
	if e.emitter != nil {
		e.emitter.Emit(evt)
	}
}

// laneItem is one snapshot mutation plus its session bookkeeping. The
// mutation is the owning worker's private working copy.
type laneItem struct {
	m         *models.QueuedMutation
	attempted bool
	done      bool
}

// lane is an ordered run of mutations sharing a logical key. Only the
// head may be dispatched.
type lane struct {
	items []*laneItem
	next  int
}

func (l *lane) head() *laneItem {
	if l.next >= len(l.items) {
		return nil
	}
	return l.items[l.next]
}

// buildLanes partitions a creation-ordered snapshot into delivery
// lanes. Snapshot order is preserved within each lane, so per-key FIFO
// follows from creation order. Keyless mutations ride in singleton
// lanes and fan out freely.
func buildLanes(snapshot []*models.QueuedMutation) []*lane {
	var lanes []*lane
	index := make(map[string]*lane)

	for _, m := range snapshot {
		if m.Status != models.StatusPending {
			continue
		}
		key := m.LaneKey()
		ln, ok := index[key]
		if !ok {
			ln = &lane{}
			index[key] = ln
			lanes = append(lanes, ln)
		}
		ln.items = append(ln.items, &laneItem{m: m.Clone()})
	}
	return lanes
}

// drain is the mutable state of one session, shared by the pass workers.
type drain struct {
	session *models.SyncSession
	lanes   []*lane

	mu      sync.Mutex
	offline bool
}

func (d *drain) markOffline() {
	d.mu.Lock()
	d.offline = true
	d.mu.Unlock()
}

func (d *drain) isOffline() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.offline
}

// recordAttempt counts each mutation once per session, at its first
// delivery attempt.
func (d *drain) recordAttempt(item *laneItem) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !item.attempted {
		item.attempted = true
		d.session.Processed++
	}
}

func (d *drain) addSucceeded() {
	d.mu.Lock()
	d.session.Succeeded++
	d.mu.Unlock()
}

func (d *drain) addFailed() {
	d.mu.Lock()
	d.session.Failed++
	d.mu.Unlock()
}

func (d *drain) addRetried() {
	d.mu.Lock()
	d.session.Retried++
	d.mu.Unlock()
}

func (d *drain) setLastError(err error) {
	if err == nil {
		return
	}
	d.mu.Lock()
	d.session.LastError = err.Error()
	d.mu.Unlock()
}

// countAborted charges every never-attempted snapshot mutation to the
// abort counter. They keep status pending and are not charged an
// attempt: the failure cause is connectivity, not the mutation.
func (d *drain) countAborted() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ln := range d.lanes {
		for _, item := range ln.items {
			if !item.attempted && !item.done {
				d.session.Aborted++
			}
		}
	}
}

// nextDeadline returns the earliest retry deadline among remaining lane
// heads, or false when the snapshot is fully drained.
func (d *drain) nextDeadline() (time.Time, bool) {
	var next time.Time
	found := false
	for _, ln := range d.lanes {
		head := ln.head()
		if head == nil {
			continue
		}
		if !found || head.m.NextAttemptAt.Before(next) {
			next = head.m.NextAttemptAt
			found = true
		}
	}
	return next, found
}
