package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Queue persistence
	Storage StorageConfig `json:"storage"`

	// Queue admission and retention
	Queue QueueConfig `json:"queue"`

	// Drain session behavior
	Sync SyncConfig `json:"sync"`

	// Connectivity monitoring
	Network NetworkConfig `json:"network"`

	// Remote executor
	Executor ExecutorConfig `json:"executor"`

	// Logging
	Log LogConfig `json:"log"`
}

// StorageConfig selects and locates the queue backend.
type StorageConfig struct {
	Backend  string `json:"backend"`   // sqlite, file, memory
	DataDir  string `json:"data_dir"`  // Base directory for all data
	StateDir string `json:"state_dir"` // Queue database / file location
	TempDir  string `json:"temp_dir"`  // Scratch space for atomic writes
}

// QueueDBPath returns the sqlite database location.
func (s StorageConfig) QueueDBPath() string {
	return filepath.Join(s.StateDir, "queue.db")
}

// QueueFilePath returns the JSON file store location.
func (s StorageConfig) QueueFilePath() string {
	return filepath.Join(s.StateDir, "queue.json")
}

// Mutation priorities for queue admission.
const (
	PriorityHigh = "high"
	PriorityLow  = "low"
)

// QueueConfig bounds queue growth and admission.
type QueueConfig struct {
	MaxPending      int           `json:"max_pending"`       // Backpressure threshold (pending + in-flight)
	MaxPayloadBytes int           `json:"max_payload_bytes"` // Per-mutation payload cap
	MaxAttempts     int           `json:"max_attempts"`      // Delivery budget per mutation
	FailedRetention int           `json:"failed_retention"`  // Terminal failed entries kept in memory backend
	SyncedRetention time.Duration `json:"synced_retention"`  // Default purge window for synced entries

	// Priorities maps mutation kinds to "high" or "low". High-priority
	// kinds are admitted past MaxPending; unlisted kinds are low.
	Priorities map[string]string `json:"priorities,omitempty"`
}

// PriorityOf returns the admission priority for a kind.
func (q QueueConfig) PriorityOf(kind string) string {
	if p, ok := q.Priorities[kind]; ok {
		return p
	}
	return PriorityLow
}

// SyncConfig for drain session behavior.
type SyncConfig struct {
	MaxBatch      int           `json:"max_batch"`      // Snapshot size per session
	Concurrency   int           `json:"concurrency"`    // Simultaneous remote calls across lanes
	SessionBudget time.Duration `json:"session_budget"` // Wall-clock cap on in-session retry waits
	MaxPasses     int           `json:"max_passes"`     // Dispatch passes over one snapshot
	Interval      time.Duration `json:"interval"`       // Periodic trigger, 0 disables
	BackoffBase   time.Duration `json:"backoff_base"`
	BackoffFactor float64       `json:"backoff_factor"`
	BackoffCap    time.Duration `json:"backoff_cap"`
}

// NetworkConfig selects the connectivity signal source.
type NetworkConfig struct {
	Source         string        `json:"source"`    // probe, websocket, static, none
	ProbeURL       string        `json:"probe_url"` // Endpoint for HTTP probing
	ProbeInterval  time.Duration `json:"probe_interval"`
	ProbeTimeout   time.Duration `json:"probe_timeout"`
	WebsocketURL   string        `json:"websocket_url"`
	DebounceWindow time.Duration `json:"debounce_window"` // Raw flips shorter than this are noise
}

// ExecutorConfig for the HTTP remote executor.
type ExecutorConfig struct {
	BaseURL   string            `json:"base_url"`
	Timeout   time.Duration     `json:"timeout"` // Hard per-call deadline
	UserAgent string            `json:"user_agent"`
	Routes    map[string]string `json:"routes,omitempty"`  // kind -> request path
	Headers   map[string]string `json:"headers,omitempty"` // Static headers (auth belongs to the caller)
}

// RouteFor returns the request path for a kind, falling back to the
// generic mutations endpoint.
func (e ExecutorConfig) RouteFor(kind string) string {
	if p, ok := e.Routes[kind]; ok {
		return p
	}
	return "/v1/mutations"
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
	File   string `json:"file"`   // Log file path (empty = stderr)
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".syncbox"

	return &Config{
		Storage: StorageConfig{
			Backend:  "sqlite",
			DataDir:  dataDir,
			StateDir: filepath.Join(dataDir, "state"),
			TempDir:  filepath.Join(dataDir, "temp"),
		},
		Queue: QueueConfig{
			MaxPending:      1000,
			MaxPayloadBytes: 256 * 1024,
			MaxAttempts:     3,
			FailedRetention: 100,
			SyncedRetention: 7 * 24 * time.Hour,
			Priorities: map[string]string{
				"mood_log":      PriorityHigh,
				"memory_upload": PriorityHigh,
			},
		},
		Sync: SyncConfig{
			MaxBatch:      200,
			Concurrency:   4,
			SessionBudget: 60 * time.Second,
			MaxPasses:     3,
			Interval:      0,
			BackoffBase:   time.Second,
			BackoffFactor: 2.0,
			BackoffCap:    30 * time.Second,
		},
		Network: NetworkConfig{
			Source:         "none",
			ProbeInterval:  15 * time.Second,
			ProbeTimeout:   3 * time.Second,
			DebounceWindow: 2 * time.Second,
		},
		Executor: ExecutorConfig{
			Timeout:   15 * time.Second,
			UserAgent: "syncbox/1.0",
			Routes: map[string]string{
				"mood_log":      "/v1/moods",
				"memory_upload": "/v1/memories",
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			File:   "",
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "sqlite", "file", "memory":
	default:
		return fmt.Errorf("invalid storage backend: %s", c.Storage.Backend)
	}

	if c.Queue.MaxPending <= 0 {
		return errors.New("queue.max_pending must be positive")
	}

	if c.Queue.MaxPayloadBytes <= 0 {
		return errors.New("queue.max_payload_bytes must be positive")
	}

	if c.Queue.MaxAttempts <= 0 {
		return errors.New("queue.max_attempts must be positive")
	}

	for kind, priority := range c.Queue.Priorities {
		if priority != PriorityHigh && priority != PriorityLow {
			return fmt.Errorf("invalid priority for kind %s: %s", kind, priority)
		}
	}

	if c.Sync.MaxBatch <= 0 {
		return errors.New("sync.max_batch must be positive")
	}

	if c.Sync.Concurrency <= 0 {
		return errors.New("sync.concurrency must be positive")
	}

	if c.Sync.MaxPasses <= 0 {
		return errors.New("sync.max_passes must be positive")
	}

	if c.Sync.BackoffBase <= 0 {
		return errors.New("sync.backoff_base must be positive")
	}

	if c.Sync.BackoffFactor < 1 {
		return errors.New("sync.backoff_factor must be at least 1")
	}

	if c.Sync.BackoffCap < c.Sync.BackoffBase {
		return errors.New("sync.backoff_cap must be at least sync.backoff_base")
	}

	switch c.Network.Source {
	case "probe":
		if c.Network.ProbeURL == "" {
			return errors.New("network.probe_url is required for probe source")
		}
	case "websocket":
		if c.Network.WebsocketURL == "" {
			return errors.New("network.websocket_url is required for websocket source")
		}
	case "static", "none":
	default:
		return fmt.Errorf("invalid network source: %s", c.Network.Source)
	}

	if c.Network.DebounceWindow < 0 {
		return errors.New("network.debounce_window cannot be negative")
	}

	if c.Executor.Timeout <= 0 {
		return errors.New("executor.timeout must be positive")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		c.Storage.StateDir,
		c.Storage.TempDir,
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
