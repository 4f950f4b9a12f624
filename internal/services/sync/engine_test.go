package sync_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenhealth/syncbox/internal/clock"
	"github.com/lumenhealth/syncbox/internal/config"
	"github.com/lumenhealth/syncbox/internal/events"
	"github.com/lumenhealth/syncbox/internal/models"
	"github.com/lumenhealth/syncbox/internal/netmon"
	"github.com/lumenhealth/syncbox/internal/queue"
	"github.com/lumenhealth/syncbox/internal/services/sync"
	"github.com/lumenhealth/syncbox/internal/transport"
)

type engineFixture struct {
	store    *queue.MemoryStore
	executor *transport.MockExecutor
	monitor  *netmon.StaticMonitor
	emitter  *events.Emitter
	clock    *clock.Fake
	logger   *events.Logger
	engine   *sync.Engine
	events   <-chan events.Event
}

func newEngineFixture(t *testing.T, cfg config.SyncConfig) *engineFixture {
	t.Helper()

	logger := events.NewTestLogger(events.ErrorLevel, "text", &bytes.Buffer{})
	clk := clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))

	store, err := queue.NewMemoryStore(queue.DefaultLimits(), clk, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	monitor := netmon.NewStaticMonitor(true, 0, clk)
	t.Cleanup(func() { _ = monitor.Close() })

	emitter := events.NewEmitter(logger)
	t.Cleanup(emitter.Close)
	ch, cancel := emitter.Subscribe()
	t.Cleanup(cancel)

	executor := transport.NewMockExecutor()
	engine := sync.NewEngine(store, executor, monitor, emitter, cfg, clk, logger)

	return &engineFixture{
		store:    store,
		executor: executor,
		monitor:  monitor,
		emitter:  emitter,
		clock:    clk,
		logger:   logger,
		engine:   engine,
		events:   ch,
	}
}

type runResult struct {
	session *models.SyncSession
	err     error
}

func (fx *engineFixture) runAsync(ctx context.Context, trigger models.Trigger) <-chan runResult {
	done := make(chan runResult, 1)
	go func() {
		session, err := fx.engine.Run(ctx, trigger)
		done <- runResult{session: session, err: err}
	}()
	return done
}

func waitSession(t *testing.T, done <-chan runResult) runResult {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("sync session did not finish")
		return runResult{}
	}
}

// collectUntilCompleted drains emitted events through the completion
// event of one session.
func collectUntilCompleted(t *testing.T, ch <-chan events.Event) []events.Event {
	t.Helper()
	var got []events.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case evt := <-ch:
			got = append(got, evt)
			if evt.Type == events.EventSyncCompleted {
				return got
			}
		case <-timeout:
			t.Fatal("timed out waiting for sync_completed")
		}
	}
}

func TestRunDrainsOfflineBacklog(t *testing.T) {
	fx := newEngineFixture(t, config.DefaultConfig().Sync)

	var ids []string
	for _, payload := range []string{`{"mood":2}`, `{"mood":3}`, `{"mood":4}`} {
		m, err := fx.store.Enqueue(models.KindMoodLog, []byte(payload), "")
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	session, err := fx.engine.Run(context.Background(), models.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, 3, session.Processed)
	assert.Equal(t, 3, session.Succeeded)
	assert.Equal(t, 0, session.Failed)
	assert.Equal(t, 0, session.Aborted)
	assert.Equal(t, 1, session.Passes)
	assert.False(t, session.FinishedAt.IsZero())

	for _, id := range ids {
		got, err := fx.store.Get(id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSynced, got.Status)
		assert.Equal(t, 1, got.Attempts)
	}

	evts := collectUntilCompleted(t, fx.events)
	require.NotEmpty(t, evts)
	assert.Equal(t, events.EventSyncStarted, evts[0].Type)

	synced := 0
	for _, evt := range evts {
		if evt.Type == events.EventMutationSynced {
			synced++
		}
	}
	assert.Equal(t, 3, synced)

	final := evts[len(evts)-1]
	require.NotNil(t, final.Session)
	assert.Equal(t, 3, final.Session.Succeeded)
	assert.Equal(t, 0, final.Session.Aborted)

	// A later session must not re-deliver anything already synced.
	again, err := fx.engine.Run(context.Background(), models.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Processed)
	assert.Equal(t, 3, fx.executor.CallCount())
}

func TestRunRetriesTransientUntilSuccess(t *testing.T) {
	fx := newEngineFixture(t, config.DefaultConfig().Sync)

	m, err := fx.store.Enqueue(models.KindMemoryUpload, []byte(`{"note":"breathing"}`), "")
	require.NoError(t, err)

	flaky := models.Transient(models.ErrCodeServer, errors.New("HTTP 503: try later"))
	fx.executor.Script(m.ID, flaky, flaky, nil)

	done := fx.runAsync(context.Background(), models.TriggerManual)

	// The first retry waits 1s, the second 2s.
	fx.clock.BlockUntil(1)
	fx.clock.Advance(time.Second)
	fx.clock.BlockUntil(1)
	fx.clock.Advance(2 * time.Second)

	res := waitSession(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.session.Processed)
	assert.Equal(t, 1, res.session.Succeeded)
	assert.Equal(t, 2, res.session.Retried)
	assert.Equal(t, 3, res.session.Passes)

	got, err := fx.store.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynced, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Nil(t, got.LastError)
	assert.Equal(t, 3, fx.executor.CallsFor(m.ID))
}

func TestRunPermanentFailureFirstAttempt(t *testing.T) {
	fx := newEngineFixture(t, config.DefaultConfig().Sync)

	m, err := fx.store.Enqueue(models.KindGenericRequest, []byte(`{"op":"export"}`), "")
	require.NoError(t, err)
	fx.executor.DefaultErr = models.Permanent(models.ErrCodeRejected, errors.New("HTTP 422: bad payload"))

	session, err := fx.engine.Run(context.Background(), models.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, 1, session.Processed)
	assert.Equal(t, 1, session.Failed)
	assert.Equal(t, 0, session.Succeeded)
	assert.Equal(t, 0, session.Retried)
	assert.NotEmpty(t, session.LastError)

	got, err := fx.store.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Equal(t, models.ErrCodeRejected, got.LastError.Code)
	assert.False(t, got.LastError.Transient)

	// Permanent rejections never consume further attempts.
	assert.Equal(t, 1, fx.executor.CallCount())

	evts := collectUntilCompleted(t, fx.events)
	var failed *events.Event
	for i := range evts {
		if evts[i].Type == events.EventMutationSyncFailed {
			failed = &evts[i]
		}
	}
	require.NotNil(t, failed)
	require.NotNil(t, failed.Mutation)
	assert.Equal(t, models.StatusFailed, failed.Mutation.Status)
	assert.True(t, models.IsPermanent(failed.Error))
}

func TestRunExhaustsRetryBudget(t *testing.T) {
	fx := newEngineFixture(t, config.DefaultConfig().Sync)

	m, err := fx.store.Enqueue(models.KindMoodLog, []byte(`{"mood":1}`), "")
	require.NoError(t, err)
	fx.executor.DefaultErr = models.Transient(models.ErrCodeNetwork, errors.New("connection reset"))

	done := fx.runAsync(context.Background(), models.TriggerManual)

	fx.clock.BlockUntil(1)
	fx.clock.Advance(time.Second)
	fx.clock.BlockUntil(1)
	fx.clock.Advance(2 * time.Second)

	res := waitSession(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.session.Processed)
	assert.Equal(t, 1, res.session.Failed)
	assert.Equal(t, 2, res.session.Retried)

	got, err := fx.store.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.True(t, got.LastError.Transient)

	// Exactly MaxAttempts delivery attempts, not more.
	assert.Equal(t, 3, fx.executor.CallCount())
}

func TestRunKeepsPerKeyOrder(t *testing.T) {
	cfg := config.DefaultConfig().Sync
	cfg.Concurrency = 4
	fx := newEngineFixture(t, cfg)

	var habit, journal []string
	for i := 0; i < 3; i++ {
		m, err := fx.store.Enqueue(models.KindGenericRequest, []byte(fmt.Sprintf(`{"rep":%d}`, i)), "habit:42")
		require.NoError(t, err)
		habit = append(habit, m.ID)
	}
	for i := 0; i < 2; i++ {
		m, err := fx.store.Enqueue(models.KindMemoryUpload, []byte(fmt.Sprintf(`{"page":%d}`, i)), "journal:7")
		require.NoError(t, err)
		journal = append(journal, m.ID)
	}
	loose, err := fx.store.Enqueue(models.KindMoodLog, []byte(`{"mood":5}`), "")
	require.NoError(t, err)

	session, err := fx.engine.Run(context.Background(), models.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 6, session.Succeeded)

	pos := make(map[string]int)
	for i, id := range fx.executor.CalledIDs() {
		pos[id] = i
	}
	assert.Less(t, pos[habit[0]], pos[habit[1]])
	assert.Less(t, pos[habit[1]], pos[habit[2]])
	assert.Less(t, pos[journal[0]], pos[journal[1]])
	assert.Contains(t, pos, loose.ID)
}

func TestRunOfflineAbortsRemainder(t *testing.T) {
	fx := newEngineFixture(t, config.DefaultConfig().Sync)

	first, err := fx.store.Enqueue(models.KindMoodLog, []byte(`{"mood":2}`), "mood:today")
	require.NoError(t, err)
	second, err := fx.store.Enqueue(models.KindMoodLog, []byte(`{"mood":4}`), "mood:today")
	require.NoError(t, err)

	// Connectivity drops right after the first delivery.
	fx.executor.OnExecute = func(m *models.QueuedMutation) {
		if m.ID == first.ID {
			fx.monitor.SetOnline(false)
		}
	}

	session, err := fx.engine.Run(context.Background(), models.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, 1, session.Processed)
	assert.Equal(t, 1, session.Succeeded)
	assert.Equal(t, 0, session.Failed)
	assert.Equal(t, 1, session.Aborted)

	// The aborted mutation keeps its status and was not charged an
	// attempt.
	got, err := fx.store.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, 1, fx.executor.CallCount())

	evts := collectUntilCompleted(t, fx.events)
	final := evts[len(evts)-1]
	require.NotNil(t, final.Session)
	assert.Equal(t, 1, final.Session.Aborted)
}

func TestRunOfflineAtStart(t *testing.T) {
	fx := newEngineFixture(t, config.DefaultConfig().Sync)
	fx.monitor.SetOnline(false)

	_, err := fx.store.Enqueue(models.KindMoodLog, []byte(`{"mood":3}`), "")
	require.NoError(t, err)

	session, err := fx.engine.Run(context.Background(), models.TriggerManual)
	assert.ErrorIs(t, err, models.ErrOffline)
	assert.Nil(t, session)
	assert.Equal(t, 0, fx.executor.CallCount())

	select {
	case evt := <-fx.events:
		t.Fatalf("unexpected event %s", evt.Type)
	default:
	}
}

func TestRunSecondTriggerCollapses(t *testing.T) {
	fx := newEngineFixture(t, config.DefaultConfig().Sync)

	_, err := fx.store.Enqueue(models.KindGenericRequest, []byte(`{"op":"a"}`), "")
	require.NoError(t, err)

	executing := make(chan struct{})
	release := make(chan struct{})
	fx.executor.OnExecute = func(*models.QueuedMutation) {
		close(executing)
		<-release
	}

	done := fx.runAsync(context.Background(), models.TriggerManual)

	select {
	case <-executing:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never started")
	}

	_, err = fx.engine.Run(context.Background(), models.TriggerManual)
	assert.ErrorIs(t, err, models.ErrSyncInProgress)
	assert.True(t, fx.engine.Syncing())

	close(release)
	res := waitSession(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.session.Succeeded)
	assert.False(t, fx.engine.Syncing())
}

func TestRunEmptyQueue(t *testing.T) {
	fx := newEngineFixture(t, config.DefaultConfig().Sync)

	session, err := fx.engine.Run(context.Background(), models.TriggerInterval)
	require.NoError(t, err)
	assert.Equal(t, 0, session.Processed)
	assert.Equal(t, 0, session.Passes)

	evts := collectUntilCompleted(t, fx.events)
	require.Len(t, evts, 2)
	assert.Equal(t, events.EventSyncStarted, evts[0].Type)
	assert.Equal(t, events.EventSyncCompleted, evts[1].Type)
}

func TestRunSyncedNeverRedelivered(t *testing.T) {
	fx := newEngineFixture(t, config.DefaultConfig().Sync)

	first, err := fx.store.Enqueue(models.KindMoodLog, []byte(`{"mood":2}`), "")
	require.NoError(t, err)
	_, err = fx.engine.Run(context.Background(), models.TriggerManual)
	require.NoError(t, err)

	second, err := fx.store.Enqueue(models.KindMoodLog, []byte(`{"mood":5}`), "")
	require.NoError(t, err)
	session, err := fx.engine.Run(context.Background(), models.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, 1, session.Processed)
	assert.Equal(t, 1, fx.executor.CallsFor(first.ID))
	assert.Equal(t, 1, fx.executor.CallsFor(second.ID))
	assert.Equal(t, 2, fx.executor.CallCount())
}

func TestRunSessionBudgetLeavesRemainder(t *testing.T) {
	cfg := config.DefaultConfig().Sync
	cfg.SessionBudget = 1500 * time.Millisecond
	cfg.MaxPasses = 10
	fx := newEngineFixture(t, cfg)

	start := fx.clock.Now()
	m, err := fx.store.Enqueue(models.KindGenericRequest, []byte(`{"op":"slow"}`), "")
	require.NoError(t, err)
	fx.executor.DefaultErr = models.Transient(models.ErrCodeTimeout, errors.New("deadline exceeded"))

	done := fx.runAsync(context.Background(), models.TriggerManual)

	// Attempt 1 schedules a retry at +1s, inside the budget. Attempt 2
	// schedules one at +3s, past the budget, so the session ends
	// instead of waiting.
	fx.clock.BlockUntil(1)
	fx.clock.Advance(time.Second)

	res := waitSession(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, 2, res.session.Passes)
	assert.Equal(t, 1, res.session.Processed)
	assert.Equal(t, 2, res.session.Retried)
	assert.Equal(t, 0, res.session.Failed)
	assert.Equal(t, 0, res.session.Aborted)

	got, err := fx.store.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.WithinDuration(t, start.Add(3*time.Second), got.NextAttemptAt, 0)
}

func TestRunPassLimitLeavesRemainder(t *testing.T) {
	cfg := config.DefaultConfig().Sync
	cfg.MaxPasses = 1
	fx := newEngineFixture(t, cfg)

	m, err := fx.store.Enqueue(models.KindGenericRequest, []byte(`{"op":"x"}`), "")
	require.NoError(t, err)
	fx.executor.DefaultErr = models.Transient(models.ErrCodeServer, errors.New("HTTP 500"))

	session, err := fx.engine.Run(context.Background(), models.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, session.Passes)
	assert.Equal(t, 1, session.Retried)
	assert.Equal(t, 0, session.Aborted)

	got, err := fx.store.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestRunCancellationKeepsRemainderPending(t *testing.T) {
	cfg := config.DefaultConfig().Sync
	cfg.Concurrency = 1
	fx := newEngineFixture(t, cfg)

	first, err := fx.store.Enqueue(models.KindMoodLog, []byte(`{"mood":1}`), "morning")
	require.NoError(t, err)
	second, err := fx.store.Enqueue(models.KindMoodLog, []byte(`{"mood":2}`), "evening")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx.executor.OnExecute = func(m *models.QueuedMutation) {
		if m.ID == first.ID {
			cancel()
		}
	}

	session, err := fx.engine.Run(ctx, models.TriggerManual)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, session)

	// The in-flight delivery ran to completion; the undispatched one
	// never started.
	assert.Equal(t, 1, session.Succeeded)
	assert.Equal(t, 1, session.Aborted)
	assert.Equal(t, 1, fx.executor.CallCount())

	got, err := fx.store.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
}

func TestRunSnapshotErrorEndsSession(t *testing.T) {
	fx := newEngineFixture(t, config.DefaultConfig().Sync)
	require.NoError(t, fx.store.Close())

	session, err := fx.engine.Run(context.Background(), models.TriggerManual)
	require.Error(t, err)
	require.NotNil(t, session)
	assert.NotEmpty(t, session.LastError)

	// The started/completed pair still brackets the failed session.
	evts := collectUntilCompleted(t, fx.events)
	assert.Equal(t, events.EventSyncStarted, evts[0].Type)
}
