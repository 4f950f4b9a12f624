package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lumenhealth/syncbox/internal/clock"
	"github.com/lumenhealth/syncbox/internal/events"
	"github.com/lumenhealth/syncbox/internal/models"
)

// SQLiteStore implements SQLite-backed queue storage.
type SQLiteStore struct {
	db     *sql.DB
	limits Limits
	clock  clock.Clock
	logger *events.Logger
}

// NewSQLiteStore opens (or creates) the queue database. Any mutation
// found in_flight from a previous run is demoted to pending: the
// outcome of its remote call is unknown, so it must be retried, never
// assumed synced.
func NewSQLiteStore(dbPath string, limits Limits, clk clock.Clock, logger *events.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		limits: limits,
		clock:  clk,
		logger: logger.WithField("component", "sqlite_queue_store"),
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	if err := store.demoteInFlight(); err != nil {
		db.Close()
		return nil, fmt.Errorf("recover in-flight mutations: %w", err)
	}

	return store, nil
}

// initialize creates the schema and verifies its version.
func (s *SQLiteStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS mutations (
        id TEXT PRIMARY KEY,
        kind TEXT NOT NULL,
        logical_key TEXT NOT NULL DEFAULT '',
        payload BLOB NOT NULL,
        status TEXT NOT NULL DEFAULT 'pending',
        attempts INTEGER NOT NULL DEFAULT 0,
        max_attempts INTEGER NOT NULL DEFAULT 3,
        created_at TIMESTAMP NOT NULL,
        updated_at TIMESTAMP NOT NULL,
        next_attempt_at TIMESTAMP,
        error_code TEXT,
        error_message TEXT,
        error_transient INTEGER,
        error_at TIMESTAMP
    );

    CREATE INDEX IF NOT EXISTS idx_mutations_status_created ON mutations(status, created_at);

    CREATE TABLE IF NOT EXISTS schema_info (
        version INTEGER PRIMARY KEY
    );

    INSERT OR IGNORE INTO schema_info (version) VALUES (?);
    `

	if _, err := s.db.Exec(schema, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT MAX(version) FROM schema_info").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != CurrentSchemaVersion {
		return fmt.Errorf("%w: found %d, want %d", ErrSchemaVersion, version, CurrentSchemaVersion)
	}

	return nil
}

// demoteInFlight resets interrupted deliveries to pending.
func (s *SQLiteStore) demoteInFlight() error {
	res, err := s.db.Exec(`
        UPDATE mutations
        SET status = ?, updated_at = ?
        WHERE status = ?
    `, models.StatusPending, s.clock.Now().UTC(), models.StatusInFlight)
	if err != nil {
		return err
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.WithField("count", n).Warn("Demoted interrupted in-flight mutations to pending")
	}
	return nil
}

// Enqueue validates, admits, and inserts a new mutation.
func (s *SQLiteStore) Enqueue(kind models.Kind, payload []byte, logicalKey string) (*models.QueuedMutation, error) {
	m, err := s.limits.newMutation(kind, payload, logicalKey, s.clock.Now())
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, &models.StorageError{Op: "enqueue", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	var live int
	err = tx.QueryRow(`
        SELECT COUNT(*) FROM mutations WHERE status IN (?, ?)
    `, models.StatusPending, models.StatusInFlight).Scan(&live)
	if err != nil {
		return nil, &models.StorageError{Op: "enqueue", Err: err}
	}

	if err := s.limits.admit(kind, live); err != nil {
		return nil, err
	}

	_, err = tx.Exec(`
        INSERT INTO mutations (id, kind, logical_key, payload, status, attempts, max_attempts, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, m.ID, string(m.Kind), m.LogicalKey, []byte(m.Payload), m.Status, m.Attempts, m.MaxAttempts, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return nil, &models.StorageError{Op: "enqueue", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &models.StorageError{Op: "enqueue", Err: err}
	}

	s.logger.WithFields(map[string]interface{}{
		"mutation_id": m.ID,
		"kind":        string(m.Kind),
		"logical_key": m.LogicalKey,
	}).Debug("Enqueued mutation")

	return m.Clone(), nil
}

// ListPending returns non-terminal mutations in creation order.
func (s *SQLiteStore) ListPending(limit int) ([]*models.QueuedMutation, error) {
	return s.list(`WHERE status IN ('pending', 'in_flight')`, limit)
}

// List returns all mutations in creation order.
func (s *SQLiteStore) List(limit int) ([]*models.QueuedMutation, error) {
	return s.list("", limit)
}

func (s *SQLiteStore) list(where string, limit int) ([]*models.QueuedMutation, error) {
	query := `
        SELECT id, kind, logical_key, payload, status, attempts, max_attempts,
               created_at, updated_at, next_attempt_at, error_code, error_message, error_transient, error_at
        FROM mutations ` + where + `
        ORDER BY created_at, id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, &models.StorageError{Op: "list", Err: err}
	}
	defer rows.Close()

	var mutations []*models.QueuedMutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, &models.StorageError{Op: "list", Err: err}
		}
		mutations = append(mutations, m)
	}

	if err := rows.Err(); err != nil {
		return nil, &models.StorageError{Op: "list", Err: err}
	}
	return mutations, nil
}

// Get retrieves a single mutation.
func (s *SQLiteStore) Get(id string) (*models.QueuedMutation, error) {
	row := s.db.QueryRow(`
        SELECT id, kind, logical_key, payload, status, attempts, max_attempts,
               created_at, updated_at, next_attempt_at, error_code, error_message, error_transient, error_at
        FROM mutations WHERE id = ?
    `, id)

	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMutationNotFound
	}
	if err != nil {
		return nil, &models.StorageError{Op: "get", Err: err}
	}
	return m, nil
}

// MarkInFlight transitions pending -> in_flight.
func (s *SQLiteStore) MarkInFlight(id string) error {
	return s.transition(id, models.StatusInFlight, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
            UPDATE mutations SET status = ?, updated_at = ? WHERE id = ?
        `, models.StatusInFlight, s.clock.Now().UTC(), id)
		return err
	})
}

// MarkSynced transitions in_flight -> synced.
func (s *SQLiteStore) MarkSynced(id string, attempts int) error {
	return s.transition(id, models.StatusSynced, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
            UPDATE mutations
            SET status = ?, updated_at = ?, attempts = ?, next_attempt_at = NULL,
                error_code = NULL, error_message = NULL, error_transient = NULL, error_at = NULL
            WHERE id = ?
        `, models.StatusSynced, s.clock.Now().UTC(), attempts, id)
		return err
	})
}

// MarkFailed transitions in_flight -> failed.
func (s *SQLiteStore) MarkFailed(id string, attempts int, info models.ErrorInfo) error {
	return s.transition(id, models.StatusFailed, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
            UPDATE mutations
            SET status = ?, updated_at = ?, attempts = ?, next_attempt_at = NULL,
                error_code = ?, error_message = ?, error_transient = ?, error_at = ?
            WHERE id = ?
        `, models.StatusFailed, s.clock.Now().UTC(), attempts, info.Code, info.Message, info.Transient, info.At.UTC(), id)
		return err
	})
}

// Requeue transitions in_flight -> pending with retry bookkeeping.
func (s *SQLiteStore) Requeue(id string, attempts int, nextAttempt time.Time, info models.ErrorInfo) error {
	return s.transition(id, models.StatusPending, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
            UPDATE mutations
            SET status = ?, updated_at = ?, attempts = ?, next_attempt_at = ?,
                error_code = ?, error_message = ?, error_transient = ?, error_at = ?
            WHERE id = ?
        `, models.StatusPending, s.clock.Now().UTC(), attempts, nextAttempt.UTC(),
			info.Code, info.Message, info.Transient, info.At.UTC(), id)
		return err
	})
}

// transition validates the status machine inside one transaction.
func (s *SQLiteStore) transition(id string, to models.Status, apply func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return &models.StorageError{Op: "transition", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	var current models.Status
	err = tx.QueryRow("SELECT status FROM mutations WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrMutationNotFound
	}
	if err != nil {
		return &models.StorageError{Op: "transition", Err: err}
	}

	if !canTransition(current, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
	}

	if err := apply(tx); err != nil {
		return &models.StorageError{Op: "transition", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &models.StorageError{Op: "transition", Err: err}
	}
	return nil
}

// Stats returns queue counts.
func (s *SQLiteStore) Stats() (Stats, error) {
	var stats Stats

	rows, err := s.db.Query("SELECT status, COUNT(*) FROM mutations GROUP BY status")
	if err != nil {
		return stats, &models.StorageError{Op: "stats", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var status models.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, &models.StorageError{Op: "stats", Err: err}
		}
		switch status {
		case models.StatusPending:
			stats.Pending = count
		case models.StatusInFlight:
			stats.InFlight = count
		case models.StatusSynced:
			stats.Synced = count
		case models.StatusFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return stats, &models.StorageError{Op: "stats", Err: err}
	}

	var oldest sql.NullTime
	err = s.db.QueryRow(`
        SELECT MIN(created_at) FROM mutations WHERE status = 'pending'
    `).Scan(&oldest)
	if err != nil {
		return stats, &models.StorageError{Op: "stats", Err: err}
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time
	}

	return stats, nil
}

// PurgeSynced garbage-collects old synced mutations.
func (s *SQLiteStore) PurgeSynced(olderThan time.Time) (int, error) {
	res, err := s.db.Exec(`
        DELETE FROM mutations WHERE status = 'synced' AND updated_at < ?
    `, olderThan.UTC())
	if err != nil {
		return 0, &models.StorageError{Op: "purge_synced", Err: err}
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, &models.StorageError{Op: "purge_synced", Err: err}
	}

	if n > 0 {
		s.logger.WithField("count", n).Debug("Purged synced mutations")
	}
	return int(n), nil
}

// ClearFailed removes all failed mutations.
func (s *SQLiteStore) ClearFailed() (int, error) {
	res, err := s.db.Exec("DELETE FROM mutations WHERE status = 'failed'")
	if err != nil {
		return 0, &models.StorageError{Op: "clear_failed", Err: err}
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, &models.StorageError{Op: "clear_failed", Err: err}
	}

	if n > 0 {
		s.logger.WithField("count", n).Info("Cleared failed mutations")
	}
	return int(n), nil
}

// importMutation inserts a record verbatim (migration path).
func (s *SQLiteStore) importMutation(m *models.QueuedMutation) error {
	var nextAttempt interface{}
	if !m.NextAttemptAt.IsZero() {
		nextAttempt = m.NextAttemptAt.UTC()
	}

	var errCode, errMessage interface{}
	var errTransient, errAt interface{}
	if m.LastError != nil {
		errCode = m.LastError.Code
		errMessage = m.LastError.Message
		errTransient = m.LastError.Transient
		errAt = m.LastError.At.UTC()
	}

	_, err := s.db.Exec(`
        INSERT INTO mutations (id, kind, logical_key, payload, status, attempts, max_attempts,
                               created_at, updated_at, next_attempt_at, error_code, error_message, error_transient, error_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, m.ID, string(m.Kind), m.LogicalKey, []byte(m.Payload), m.Status, m.Attempts, m.MaxAttempts,
		m.CreatedAt.UTC(), m.UpdatedAt.UTC(), nextAttempt, errCode, errMessage, errTransient, errAt)
	if err != nil {
		return &models.StorageError{Op: "import", Err: err}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMutation(row rowScanner) (*models.QueuedMutation, error) {
	var m models.QueuedMutation
	var kind string
	var payload []byte
	var nextAttempt, errAt sql.NullTime
	var errCode, errMessage sql.NullString
	var errTransient sql.NullBool

	err := row.Scan(&m.ID, &kind, &m.LogicalKey, &payload, &m.Status, &m.Attempts, &m.MaxAttempts,
		&m.CreatedAt, &m.UpdatedAt, &nextAttempt, &errCode, &errMessage, &errTransient, &errAt)
	if err != nil {
		return nil, err
	}

	m.Kind = models.Kind(kind)
	m.Payload = payload
	if nextAttempt.Valid {
		m.NextAttemptAt = nextAttempt.Time
	}
	if errCode.Valid || errMessage.Valid {
		m.LastError = &models.ErrorInfo{
			Code:      errCode.String,
			Message:   errMessage.String,
			Transient: errTransient.Bool,
		}
		if errAt.Valid {
			m.LastError.At = errAt.Time
		}
	}

	return &m, nil
}
