package queue

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/lumenhealth/syncbox/internal/clock"
	"github.com/lumenhealth/syncbox/internal/events"
	"github.com/lumenhealth/syncbox/internal/models"
)

// FileStore implements queue storage as a single JSON document with
// checksum verification and automatic backup recovery. It suits hosts
// without cgo where the sqlite backend is unavailable.
type FileStore struct {
	path   string
	limits Limits
	clock  clock.Clock
	logger *events.Logger

	mu        sync.RWMutex
	mutations map[string]*models.QueuedMutation
	order     []string
	closed    bool
}

// queueDocument is the on-disk representation.
type queueDocument struct {
	SchemaVersion int                      `json:"schema_version"`
	SavedAt       time.Time                `json:"saved_at"`
	Checksum      string                   `json:"checksum"`
	Mutations     []*models.QueuedMutation `json:"mutations"`
}

// NewFileStore opens (or creates) the queue document at path. In-flight
// mutations left over from an interrupted run are demoted to pending.
func NewFileStore(path string, limits Limits, clk clock.Clock, logger *events.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}

	store := &FileStore{
		path:      path,
		limits:    limits,
		clock:     clk,
		logger:    logger.WithField("component", "file_queue_store"),
		mutations: make(map[string]*models.QueuedMutation),
	}

	if err := store.load(); err != nil {
		return nil, err
	}

	if demoted := store.demoteInFlight(); demoted > 0 {
		store.logger.WithField("count", demoted).Warn("Demoted interrupted in-flight mutations to pending")
		if err := store.save(); err != nil {
			return nil, err
		}
	}

	return store, nil
}

// load reads the document, falling back to the backup when the primary
// file is corrupt.
func (fs *FileStore) load() error {
	data, err := os.ReadFile(fs.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return &models.StorageError{Op: "load", Err: err}
	}

	doc, err := fs.parseDocument(data)
	if err != nil {
		fs.logger.WithError(err).Warn("Queue file unreadable, trying backup")
		doc, err = fs.loadBackup()
		if err != nil {
			return err
		}
	}

	if doc.SchemaVersion != CurrentSchemaVersion {
		return fmt.Errorf("%w: found %d, want %d", ErrSchemaVersion, doc.SchemaVersion, CurrentSchemaVersion)
	}

	for _, m := range doc.Mutations {
		fs.mutations[m.ID] = m
		fs.order = append(fs.order, m.ID)
	}
	sort.Slice(fs.order, func(i, j int) bool {
		return fs.mutations[fs.order[i]].Before(fs.mutations[fs.order[j]])
	})

	return nil
}

// parseDocument unmarshals and verifies the checksum.
func (fs *FileStore) parseDocument(data []byte) (*queueDocument, error) {
	var doc queueDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
	}

	if doc.Checksum != "" {
		expected := doc.Checksum
		if actual := computeChecksum(&doc); actual != expected {
			return nil, fmt.Errorf("%w: checksum mismatch", ErrStoreCorrupt)
		}
	}

	return &doc, nil
}

// loadBackup attempts recovery from the .backup copy.
func (fs *FileStore) loadBackup() (*queueDocument, error) {
	data, err := os.ReadFile(fs.path + ".backup")
	if err != nil {
		return nil, fmt.Errorf("%w: no usable backup", ErrStoreCorrupt)
	}

	doc, err := fs.parseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("%w: backup also corrupt", ErrStoreCorrupt)
	}

	fs.logger.Warn("Recovered queue from backup file")
	return doc, nil
}

func (fs *FileStore) demoteInFlight() int {
	demoted := 0
	now := fs.clock.Now().UTC()
	for _, m := range fs.mutations {
		if m.Status == models.StatusInFlight {
			m.Status = models.StatusPending
			m.UpdatedAt = now
			demoted++
		}
	}
	return demoted
}

// save writes the document atomically, keeping a backup of the previous
// version. Callers must hold the write lock.
func (fs *FileStore) save() error {
	doc := &queueDocument{
		SchemaVersion: CurrentSchemaVersion,
		SavedAt:       fs.clock.Now().UTC(),
		Mutations:     make([]*models.QueuedMutation, 0, len(fs.order)),
	}
	for _, id := range fs.order {
		doc.Mutations = append(doc.Mutations, fs.mutations[id])
	}
	doc.Checksum = computeChecksum(doc)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &models.StorageError{Op: "save", Err: err}
	}

	if _, err := os.Stat(fs.path); err == nil {
		if err := copyFile(fs.path, fs.path+".backup"); err != nil {
			fs.logger.WithError(err).Warn("Failed to create backup")
		}
	}

	tempPath := fs.path + ".tmp"
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return &models.StorageError{Op: "save", Err: err}
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tempPath)
		return &models.StorageError{Op: "save", Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return &models.StorageError{Op: "save", Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return &models.StorageError{Op: "save", Err: err}
	}

	if err := os.Rename(tempPath, fs.path); err != nil {
		os.Remove(tempPath)
		return &models.StorageError{Op: "save", Err: err}
	}

	return nil
}

// Enqueue validates, admits, and persists a new mutation.
func (fs *FileStore) Enqueue(kind models.Kind, payload []byte, logicalKey string) (*models.QueuedMutation, error) {
	m, err := fs.limits.newMutation(kind, payload, logicalKey, fs.clock.Now())
	if err != nil {
		return nil, err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return nil, ErrStoreClosed
	}

	live := 0
	for _, existing := range fs.mutations {
		if !existing.Status.Terminal() {
			live++
		}
	}
	if err := fs.limits.admit(kind, live); err != nil {
		return nil, err
	}

	fs.mutations[m.ID] = m
	fs.order = append(fs.order, m.ID)

	if err := fs.save(); err != nil {
		delete(fs.mutations, m.ID)
		fs.order = fs.order[:len(fs.order)-1]
		return nil, err
	}

	fs.logger.WithFields(map[string]interface{}{
		"mutation_id": m.ID,
		"kind":        string(m.Kind),
		"logical_key": m.LogicalKey,
	}).Debug("Enqueued mutation")

	return m.Clone(), nil
}

// ListPending returns non-terminal mutations in creation order.
func (fs *FileStore) ListPending(limit int) ([]*models.QueuedMutation, error) {
	return fs.list(limit, func(m *models.QueuedMutation) bool {
		return !m.Status.Terminal()
	})
}

// List returns all mutations in creation order.
func (fs *FileStore) List(limit int) ([]*models.QueuedMutation, error) {
	return fs.list(limit, func(*models.QueuedMutation) bool { return true })
}

func (fs *FileStore) list(limit int, include func(*models.QueuedMutation) bool) ([]*models.QueuedMutation, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if fs.closed {
		return nil, ErrStoreClosed
	}

	var result []*models.QueuedMutation
	for _, id := range fs.order {
		m := fs.mutations[id]
		if !include(m) {
			continue
		}
		result = append(result, m.Clone())
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Get retrieves a single mutation.
func (fs *FileStore) Get(id string) (*models.QueuedMutation, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if fs.closed {
		return nil, ErrStoreClosed
	}

	m, ok := fs.mutations[id]
	if !ok {
		return nil, ErrMutationNotFound
	}
	return m.Clone(), nil
}

// MarkInFlight transitions pending -> in_flight.
func (fs *FileStore) MarkInFlight(id string) error {
	return fs.transition(id, models.StatusInFlight, func(m *models.QueuedMutation) {})
}

// MarkSynced transitions in_flight -> synced.
func (fs *FileStore) MarkSynced(id string, attempts int) error {
	return fs.transition(id, models.StatusSynced, func(m *models.QueuedMutation) {
		m.Attempts = attempts
		m.NextAttemptAt = time.Time{}
		m.LastError = nil
	})
}

// MarkFailed transitions in_flight -> failed.
func (fs *FileStore) MarkFailed(id string, attempts int, info models.ErrorInfo) error {
	return fs.transition(id, models.StatusFailed, func(m *models.QueuedMutation) {
		m.Attempts = attempts
		m.NextAttemptAt = time.Time{}
		m.LastError = &info
	})
}

// Requeue transitions in_flight -> pending with retry bookkeeping.
func (fs *FileStore) Requeue(id string, attempts int, nextAttempt time.Time, info models.ErrorInfo) error {
	return fs.transition(id, models.StatusPending, func(m *models.QueuedMutation) {
		m.Attempts = attempts
		m.NextAttemptAt = nextAttempt.UTC()
		m.LastError = &info
	})
}

func (fs *FileStore) transition(id string, to models.Status, apply func(*models.QueuedMutation)) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return ErrStoreClosed
	}

	m, ok := fs.mutations[id]
	if !ok {
		return ErrMutationNotFound
	}

	if !canTransition(m.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, to)
	}

	prev := m.Clone()
	m.Status = to
	m.UpdatedAt = fs.clock.Now().UTC()
	apply(m)

	if err := fs.save(); err != nil {
		fs.mutations[id] = prev
		return err
	}
	return nil
}

// Stats returns queue counts.
func (fs *FileStore) Stats() (Stats, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var stats Stats
	if fs.closed {
		return stats, ErrStoreClosed
	}

	for _, m := range fs.mutations {
		switch m.Status {
		case models.StatusPending:
			stats.Pending++
			if stats.OldestPendingAt.IsZero() || m.CreatedAt.Before(stats.OldestPendingAt) {
				stats.OldestPendingAt = m.CreatedAt
			}
		case models.StatusInFlight:
			stats.InFlight++
		case models.StatusSynced:
			stats.Synced++
		case models.StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// PurgeSynced garbage-collects old synced mutations.
func (fs *FileStore) PurgeSynced(olderThan time.Time) (int, error) {
	return fs.remove(func(m *models.QueuedMutation) bool {
		return m.Status == models.StatusSynced && m.UpdatedAt.Before(olderThan)
	})
}

// ClearFailed removes all failed mutations.
func (fs *FileStore) ClearFailed() (int, error) {
	return fs.remove(func(m *models.QueuedMutation) bool {
		return m.Status == models.StatusFailed
	})
}

func (fs *FileStore) remove(match func(*models.QueuedMutation) bool) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return 0, ErrStoreClosed
	}

	removed := 0
	kept := fs.order[:0]
	for _, id := range fs.order {
		if match(fs.mutations[id]) {
			delete(fs.mutations, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	fs.order = kept

	if removed == 0 {
		return 0, nil
	}

	if err := fs.save(); err != nil {
		return 0, err
	}
	return removed, nil
}

// importMutation inserts a record verbatim (migration path).
func (fs *FileStore) importMutation(m *models.QueuedMutation) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return ErrStoreClosed
	}

	clone := m.Clone()
	fs.mutations[clone.ID] = clone
	fs.order = append(fs.order, clone.ID)
	sort.Slice(fs.order, func(i, j int) bool {
		return fs.mutations[fs.order[i]].Before(fs.mutations[fs.order[j]])
	})

	return fs.save()
}

// Close flushes and disables the store.
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return nil
	}
	fs.closed = true
	return nil
}

// computeChecksum hashes the document with the checksum field zeroed.
func computeChecksum(doc *queueDocument) string {
	docCopy := *doc
	docCopy.Checksum = ""
	data, err := json.Marshal(docCopy)
	if err != nil {
		return ""
	}
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
