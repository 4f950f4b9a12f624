package testutil

import (
	"context"
	"path/filepath"
	"time"

	"github.com/lumenhealth/syncbox/internal/config"
)

// TestConfigWithDir builds a file-backed config rooted at dataDir with
// fast backoff so in-session retries complete quickly.
func TestConfigWithDir(dataDir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = "file"
	cfg.Storage.DataDir = dataDir
	cfg.Storage.StateDir = filepath.Join(dataDir, "state")
	cfg.Storage.TempDir = filepath.Join(dataDir, "temp")
	cfg.Network.Source = "none"
	cfg.Sync.SessionBudget = 5 * time.Second
	cfg.Sync.BackoffBase = 50 * time.Millisecond
	cfg.Sync.BackoffCap = 200 * time.Millisecond
	cfg.Log.Level = "error"
	return cfg
}

// TestTimeout provides a timeout context for tests.
func TestTimeout(duration time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), duration)
}

// TestContext creates a test context with a reasonable timeout.
func TestContext() (context.Context, context.CancelFunc) {
	return TestTimeout(30 * time.Second)
}
