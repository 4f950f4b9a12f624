package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lumenhealth/syncbox/internal/clock"
	"github.com/lumenhealth/syncbox/internal/config"
	"github.com/lumenhealth/syncbox/internal/events"
	"github.com/lumenhealth/syncbox/internal/models"
	"github.com/lumenhealth/syncbox/internal/netmon"
	"github.com/lumenhealth/syncbox/internal/queue"
)

// Service owns the engine's trigger sources: the monitor subscription
// (an offline to online transition fires a reconnect session), manual
// triggers, and the optional interval timer. It also republishes
// network transitions on the event emitter.
type Service struct {
	store   queue.Store
	engine  *Engine
	monitor netmon.Monitor
	emitter *events.Emitter
	clock   clock.Clock
	logger  *events.Logger

	interval time.Duration

	mu          sync.Mutex
	started     bool
	closed      bool
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// NewService wires a drain service around an engine.
func NewService(
	store queue.Store,
	engine *Engine,
	monitor netmon.Monitor,
	emitter *events.Emitter,
	cfg config.SyncConfig,
	clk clock.Clock,
	logger *events.Logger,
) *Service {
	return &Service{
		store:    store,
		engine:   engine,
		monitor:  monitor,
		emitter:  emitter,
		clock:    clk,
		logger:   logger.WithField("component", "sync_service"),
		interval: cfg.Interval,
	}
}

// Start subscribes to connectivity transitions and, when configured,
// starts the interval trigger. Background sessions derive from ctx and
// stop at Close.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.closed {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)

	s.unsubscribe = s.monitor.Subscribe(func(state models.NetworkState) {
		s.onNetworkChange(ctx, state)
	})

	if s.interval > 0 {
		s.wg.Add(1)
		go s.intervalLoop(ctx)
	}

	s.logger.WithField("interval", s.interval.String()).Info("Sync service started")
}

// Trigger runs a session now and waits for it. Callers get
// models.ErrSyncInProgress when one is already draining and
// models.ErrOffline when the monitor reports offline.
func (s *Service) Trigger(ctx context.Context, trigger models.Trigger) (*models.SyncSession, error) {
	return s.engine.Run(ctx, trigger)
}

// Close stops the trigger sources and waits for any background session
// to finish. In-flight remote calls run to completion; undelivered
// mutations stay pending for the next start.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancel
	unsubscribe := s.unsubscribe
	s.cancel = nil
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.logger.Info("Sync service stopped")
}

// onNetworkChange republishes the transition and fires a reconnect
// session when the network comes back. The monitor only notifies on
// committed transitions, so online here always means a reconnect.
func (s *Service) onNetworkChange(ctx context.Context, state models.NetworkState) {
	s.logger.WithField("online", state.Online).Info("Network state changed")

	st := state
	if s.emitter != nil {
		s.emitter.Emit(events.Event{
			Type:      events.EventNetworkChanged,
			Timestamp: s.clock.Now(),
			Network:   &st,
		})
	}

	if state.Online {
		s.triggerAsync(ctx, models.TriggerReconnect)
	}
}

// intervalLoop fires periodic sessions while online with a non-empty
// queue.
func (s *Service) intervalLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.interval):
		}

		if !s.monitor.State().Online {
			continue
		}
		stats, err := s.store.Stats()
		if err != nil {
			s.logger.WithError(err).Warn("Interval trigger could not read queue stats")
			continue
		}
		if stats.Pending == 0 {
			continue
		}
		s.triggerAsync(ctx, models.TriggerInterval)
	}
}

// triggerAsync starts a session in the background. Overlapping triggers
// collapse into the already running session.
func (s *Service) triggerAsync(ctx context.Context, trigger models.Trigger) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()

		_, err := s.engine.Run(ctx, trigger)
		switch {
		case err == nil:
		case errors.Is(err, models.ErrSyncInProgress):
			s.logger.WithField("trigger", string(trigger)).Debug("Session already draining, trigger collapsed")
		case errors.Is(err, models.ErrOffline):
			s.logger.WithField("trigger", string(trigger)).Debug("Offline, trigger skipped")
		case errors.Is(err, context.Canceled):
		default:
			s.logger.WithError(err).Error("Sync session failed")
		}
	}()
}
