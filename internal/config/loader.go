package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
}

// NewLoader creates a config loader. An empty path searches the default
// locations.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load reads configuration from defaults, file, and SYNCBOX_* environment
// variables, in increasing precedence.
func (l *Loader) Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if l.configPath != "" {
		v.SetConfigFile(l.configPath)
	} else {
		v.SetConfigName("syncbox")
		v.AddConfigPath(".")
		if homeDir, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(homeDir, ".config", "syncbox"))
			v.AddConfigPath(filepath.Join(homeDir, ".syncbox"))
		}
	}

	v.SetEnvPrefix("SYNCBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if l.configPath != "" {
			return nil, fmt.Errorf("read config %s: %w", l.configPath, err)
		}
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No config file anywhere is fine; defaults + env apply.
	}

	cfg := fromViper(v)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// setDefaults registers every key so environment-only overrides resolve.
func setDefaults(v *viper.Viper) {
	def := DefaultConfig()

	v.SetDefault("storage.backend", def.Storage.Backend)
	v.SetDefault("storage.data_dir", def.Storage.DataDir)
	// state_dir and temp_dir derive from data_dir unless set explicitly.
	v.SetDefault("storage.state_dir", "")
	v.SetDefault("storage.temp_dir", "")

	v.SetDefault("queue.max_pending", def.Queue.MaxPending)
	v.SetDefault("queue.max_payload_bytes", def.Queue.MaxPayloadBytes)
	v.SetDefault("queue.max_attempts", def.Queue.MaxAttempts)
	v.SetDefault("queue.failed_retention", def.Queue.FailedRetention)
	v.SetDefault("queue.synced_retention", def.Queue.SyncedRetention)
	v.SetDefault("queue.priorities", def.Queue.Priorities)

	v.SetDefault("sync.max_batch", def.Sync.MaxBatch)
	v.SetDefault("sync.concurrency", def.Sync.Concurrency)
	v.SetDefault("sync.session_budget", def.Sync.SessionBudget)
	v.SetDefault("sync.max_passes", def.Sync.MaxPasses)
	v.SetDefault("sync.interval", def.Sync.Interval)
	v.SetDefault("sync.backoff_base", def.Sync.BackoffBase)
	v.SetDefault("sync.backoff_factor", def.Sync.BackoffFactor)
	v.SetDefault("sync.backoff_cap", def.Sync.BackoffCap)

	v.SetDefault("network.source", def.Network.Source)
	v.SetDefault("network.probe_url", def.Network.ProbeURL)
	v.SetDefault("network.probe_interval", def.Network.ProbeInterval)
	v.SetDefault("network.probe_timeout", def.Network.ProbeTimeout)
	v.SetDefault("network.websocket_url", def.Network.WebsocketURL)
	v.SetDefault("network.debounce_window", def.Network.DebounceWindow)

	v.SetDefault("executor.base_url", def.Executor.BaseURL)
	v.SetDefault("executor.timeout", def.Executor.Timeout)
	v.SetDefault("executor.user_agent", def.Executor.UserAgent)
	v.SetDefault("executor.routes", def.Executor.Routes)
	v.SetDefault("executor.headers", def.Executor.Headers)

	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("log.file", def.Log.File)
}

// fromViper maps resolved keys onto the config tree.
func fromViper(v *viper.Viper) *Config {
	cfg := &Config{
		Storage: StorageConfig{
			Backend:  v.GetString("storage.backend"),
			DataDir:  v.GetString("storage.data_dir"),
			StateDir: v.GetString("storage.state_dir"),
			TempDir:  v.GetString("storage.temp_dir"),
		},
		Queue: QueueConfig{
			MaxPending:      v.GetInt("queue.max_pending"),
			MaxPayloadBytes: v.GetInt("queue.max_payload_bytes"),
			MaxAttempts:     v.GetInt("queue.max_attempts"),
			FailedRetention: v.GetInt("queue.failed_retention"),
			SyncedRetention: v.GetDuration("queue.synced_retention"),
			Priorities:      v.GetStringMapString("queue.priorities"),
		},
		Sync: SyncConfig{
			MaxBatch:      v.GetInt("sync.max_batch"),
			Concurrency:   v.GetInt("sync.concurrency"),
			SessionBudget: v.GetDuration("sync.session_budget"),
			MaxPasses:     v.GetInt("sync.max_passes"),
			Interval:      v.GetDuration("sync.interval"),
			BackoffBase:   v.GetDuration("sync.backoff_base"),
			BackoffFactor: v.GetFloat64("sync.backoff_factor"),
			BackoffCap:    v.GetDuration("sync.backoff_cap"),
		},
		Network: NetworkConfig{
			Source:         v.GetString("network.source"),
			ProbeURL:       v.GetString("network.probe_url"),
			ProbeInterval:  v.GetDuration("network.probe_interval"),
			ProbeTimeout:   v.GetDuration("network.probe_timeout"),
			WebsocketURL:   v.GetString("network.websocket_url"),
			DebounceWindow: v.GetDuration("network.debounce_window"),
		},
		Executor: ExecutorConfig{
			BaseURL:   v.GetString("executor.base_url"),
			Timeout:   v.GetDuration("executor.timeout"),
			UserAgent: v.GetString("executor.user_agent"),
			Routes:    v.GetStringMapString("executor.routes"),
			Headers:   v.GetStringMapString("executor.headers"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(v.GetString("log.level")),
			Format: strings.ToLower(v.GetString("log.format")),
			File:   v.GetString("log.file"),
		},
	}

	if cfg.Storage.StateDir == "" {
		cfg.Storage.StateDir = filepath.Join(cfg.Storage.DataDir, "state")
	}
	if cfg.Storage.TempDir == "" {
		cfg.Storage.TempDir = filepath.Join(cfg.Storage.DataDir, "temp")
	}

	return cfg
}

// SaveExample writes an example config file.
func SaveExample(path string) error {
	cfg := DefaultConfig()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	return nil
}
