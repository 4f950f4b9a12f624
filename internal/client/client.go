// Package client assembles the queue store, connectivity monitor,
// remote executor, and drain service behind one facade. The host
// application embeds a Client; the CLI is just another caller.
package client

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/lumenhealth/syncbox/internal/clock"
	"github.com/lumenhealth/syncbox/internal/config"
	"github.com/lumenhealth/syncbox/internal/events"
	"github.com/lumenhealth/syncbox/internal/models"
	"github.com/lumenhealth/syncbox/internal/netmon"
	"github.com/lumenhealth/syncbox/internal/queue"
	"github.com/lumenhealth/syncbox/internal/services/sync"
	"github.com/lumenhealth/syncbox/internal/transport"
)

// Client provides the high-level API for the offline mutation queue.
type Client struct {
	config   *config.Config
	logger   *events.Logger
	clock    clock.Clock
	store    queue.Store
	executor transport.Executor
	monitor  netmon.Monitor
	emitter  *events.Emitter
	engine   *sync.Engine
	service  *sync.Service
	reporter *sync.Reporter

	closed atomic.Bool
}

// New creates a client with the HTTP executor built from config.
func New(cfg *config.Config, logger *events.Logger) (*Client, error) {
	return NewWithExecutor(cfg, transport.NewHTTPExecutor(cfg.Executor, logger), logger)
}

// NewWithExecutor creates a client around a caller-supplied executor.
// Hosts use it to attach their own transport (auth headers, custom
// encodings); tests inject mocks.
func NewWithExecutor(cfg *config.Config, executor transport.Executor, logger *events.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidConfig, err)
	}

	clk := clock.New()

	store, err := newStore(cfg, clk, logger)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}

	monitor := newMonitor(cfg, clk, logger)
	emitter := events.NewEmitter(logger)

	engine := sync.NewEngine(store, executor, monitor, emitter, cfg.Sync, clk, logger)
	service := sync.NewService(store, engine, monitor, emitter, cfg.Sync, clk, logger)
	reporter := sync.NewReporter(store, engine, clk)

	return &Client{
		config:   cfg,
		logger:   logger,
		clock:    clk,
		store:    store,
		executor: executor,
		monitor:  monitor,
		emitter:  emitter,
		engine:   engine,
		service:  service,
		reporter: reporter,
	}, nil
}

// newStore opens the configured queue backend. Disk backends get their
// directories created first.
func newStore(cfg *config.Config, clk clock.Clock, logger *events.Logger) (queue.Store, error) {
	limits := queue.LimitsFromConfig(cfg.Queue)

	switch cfg.Storage.Backend {
	case "memory":
		return queue.NewMemoryStore(limits, clk, logger)
	case "file":
		if err := cfg.EnsureDirectories(); err != nil {
			return nil, err
		}
		return queue.NewFileStore(cfg.Storage.QueueFilePath(), limits, clk, logger)
	case "sqlite":
		if err := cfg.EnsureDirectories(); err != nil {
			return nil, err
		}
		return queue.NewSQLiteStore(cfg.Storage.QueueDBPath(), limits, clk, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Storage.Backend)
	}
}

// newMonitor builds the configured connectivity source. "none" pins the
// monitor online so executor errors speak for the network.
func newMonitor(cfg *config.Config, clk clock.Clock, logger *events.Logger) netmon.Monitor {
	switch cfg.Network.Source {
	case "probe":
		return netmon.NewProbeMonitor(cfg.Network, clk, logger)
	case "websocket":
		return netmon.NewWSMonitor(cfg.Network, clk, logger)
	case "static":
		return netmon.NewStaticMonitor(true, cfg.Network.DebounceWindow, clk)
	default:
		return netmon.Nop()
	}
}

// Enqueue validates, admits, and durably persists a mutation. When it
// returns nil the mutation is on disk and will eventually be delivered.
func (c *Client) Enqueue(kind models.Kind, payload []byte, logicalKey string) (*models.QueuedMutation, error) {
	return c.store.Enqueue(kind, payload, logicalKey)
}

// Sync runs a drain session now and waits for it. Callers get
// models.ErrSyncInProgress when a session is already draining and
// models.ErrOffline when the monitor reports offline.
func (c *Client) Sync(ctx context.Context) (*models.SyncSession, error) {
	return c.service.Trigger(ctx, models.TriggerManual)
}

// Start enables background triggers: reconnect sessions from the
// monitor and, when configured, the interval timer.
func (c *Client) Start(ctx context.Context) {
	c.service.Start(ctx)
}

// Close stops trigger sources, waits for any running session to settle,
// and releases the monitor, emitter, and store. Safe to call twice.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.service.Close()

	err := c.monitor.Close()
	c.emitter.Close()
	if cerr := c.store.Close(); err == nil {
		err = cerr
	}
	return err
}

// Summary reports queue counts and the last session outcome.
func (c *Client) Summary() (sync.Summary, error) {
	return c.reporter.Summary()
}

// LastSession returns a copy of the most recent session record, nil
// before the first session.
func (c *Client) LastSession() *models.SyncSession {
	return c.engine.LastSession()
}

// Network returns the current debounced connectivity state.
func (c *Client) Network() models.NetworkState {
	return c.monitor.State()
}

// Events subscribes to lifecycle events. Cancel when done; a subscriber
// that falls behind loses events rather than stalling the pipeline.
func (c *Client) Events() (<-chan events.Event, func()) {
	return c.emitter.Subscribe()
}

// Queue exposes the underlying store for management operations.
func (c *Client) Queue() queue.Store {
	return c.store
}

// PurgeSynced deletes synced mutations older than the window, returning
// how many were removed.
func (c *Client) PurgeSynced(olderThan time.Duration) (int, error) {
	return c.store.PurgeSynced(c.clock.Now().Add(-olderThan))
}

// ClearFailed deletes all terminally failed mutations, returning how
// many were removed.
func (c *Client) ClearFailed() (int, error) {
	return c.store.ClearFailed()
}
