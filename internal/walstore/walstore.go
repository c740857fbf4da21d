// Package walstore implements the write-ahead log and durable outbox (§4.3):
// every write the sync engine queues is logged here before being applied,
// and every operation that must reach a remote backend sits in the outbox
// until it is durably synced, surviving process crashes in between.
//
// Grounded on original_source/ax-remote/src/wal.rs for the schema, PRAGMA
// settings, and config defaults, and on
// other_examples/.../mycelian-memory__...outbox-worker.go for the idiomatic
// Go database/sql query shape (parameterized SQL, row scanning into typed
// structs, capped-exponential-backoff UPDATE on failure).
package walstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// OpType is the kind of operation a WAL or outbox row records.
type OpType string

const (
	OpWrite  OpType = "write"
	OpDelete OpType = "delete"
	OpAppend OpType = "append"
)

// OutboxStatus is the lifecycle state of an outbox row.
type OutboxStatus string

const (
	StatusPending    OutboxStatus = "pending"
	StatusProcessing OutboxStatus = "processing"
	StatusFailed     OutboxStatus = "failed"
)

// Config configures the WAL/outbox store. Field names and defaults mirror
// original_source/ax-remote/src/wal.rs's WalConfig.
type Config struct {
	MaxRetries             int
	BaseBackoff            time.Duration
	RecoverOnStartup       bool
	StuckTimeout           time.Duration
	AutoCheckpointThreshold int
	CheckpointMaxAge       time.Duration
}

// DefaultConfig mirrors WalConfig::default().
func DefaultConfig() Config {
	return Config{
		MaxRetries:              5,
		BaseBackoff:             2 * time.Second,
		RecoverOnStartup:        true,
		StuckTimeout:            300 * time.Second,
		AutoCheckpointThreshold: 500,
		CheckpointMaxAge:        24 * time.Hour,
	}
}

// WalEntry is one logged operation.
type WalEntry struct {
	ID        int64
	OpType    OpType
	Path      string
	Content   []byte
	MountPath string
	Timestamp int64
	Applied   bool
}

// OutboxEntry is one pending-or-failed remote sync operation.
type OutboxEntry struct {
	ID          int64
	OpType      OpType
	Path        string
	Content     []byte
	MountPath   string
	Status      OutboxStatus
	Attempts    int
	CreatedAt   int64
	LastAttempt sql.NullInt64
	Error       sql.NullString
}

// OutboxStats summarizes outbox depth by status.
type OutboxStats struct {
	Pending    int64
	Processing int64
	Failed     int64
}

const schema = `
CREATE TABLE IF NOT EXISTS wal_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	op_type TEXT NOT NULL,
	path TEXT NOT NULL,
	content BLOB,
	mount_path TEXT NOT NULL DEFAULT '',
	timestamp INTEGER NOT NULL,
	applied INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS outbox (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	op_type TEXT NOT NULL,
	path TEXT NOT NULL,
	content BLOB,
	mount_path TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	last_attempt INTEGER,
	error TEXT
);

CREATE TABLE IF NOT EXISTS sync_profiles (
	mount_path TEXT PRIMARY KEY,
	profile TEXT NOT NULL DEFAULT 'local_first'
);

CREATE INDEX IF NOT EXISTS idx_wal_applied ON wal_log(applied);
CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status);
CREATE INDEX IF NOT EXISTS idx_outbox_path ON outbox(path);
`

// Store is the WAL + outbox backed by a local embedded SQLite database.
// All access goes through a single *sql.DB; SQLite's own locking combined
// with the single-writer WAL journal mode serializes writers, mirroring the
// original's Mutex<Connection>.
type Store struct {
	db     *sql.DB
	config Config
	log    *slog.Logger
}

// Open opens (and, if necessary, creates) the WAL store at path. Pass
// ":memory:" for an ephemeral store suitable for tests and the simulation
// harness.
func Open(path string, config Config) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("walstore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite WAL mode: one writer at a time.

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("walstore: set pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("walstore: create schema: %w", err)
	}

	s := &Store{db: db, config: config, log: slog.Default().With("component", "walstore")}

	if config.RecoverOnStartup {
		if n, err := s.RecoverStuck(context.Background()); err != nil {
			db.Close()
			return nil, err
		} else if n > 0 {
			s.log.Warn("recovered stuck outbox entries on startup", "count", n)
		}
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// LogWrite appends a WAL entry before the operation is applied to the
// backend, returning its row id for the subsequent MarkApplied call.
func (s *Store) LogWrite(ctx context.Context, op OpType, path string, content []byte, mountPath string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO wal_log (op_type, path, content, mount_path, timestamp, applied) VALUES (?, ?, ?, ?, ?, 0)`,
		string(op), path, content, mountPath, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("walstore: log write: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("walstore: log write: %w", err)
	}
	s.log.Debug("wal logged", "id", id, "op", op, "path", path)
	return id, nil
}

// MarkApplied marks a WAL entry as applied to local state (delivery to the
// backend is tracked by the outbox, not here), and
// opportunistically checkpoints (prunes) old applied entries once the
// auto-checkpoint threshold is crossed.
func (s *Store) MarkApplied(ctx context.Context, walID int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE wal_log SET applied = 1 WHERE id = ?`, walID); err != nil {
		return fmt.Errorf("walstore: mark applied: %w", err)
	}

	if s.config.AutoCheckpointThreshold <= 0 {
		return nil
	}
	var appliedCount int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM wal_log WHERE applied = 1`).Scan(&appliedCount); err != nil {
		return nil // best-effort; checkpointing is not correctness-critical
	}
	if appliedCount < s.config.AutoCheckpointThreshold {
		return nil
	}
	cutoff := time.Now().Add(-s.config.CheckpointMaxAge).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM wal_log WHERE applied = 1 AND timestamp < ?`, cutoff)
	if err == nil {
		if n, _ := res.RowsAffected(); n > 0 {
			s.log.Debug("wal auto-checkpoint", "pruned", n)
		}
	}
	return nil
}

// Checkpoint prunes applied WAL entries older than CheckpointMaxAge and
// truncates the WAL journal.
func (s *Store) Checkpoint(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.config.CheckpointMaxAge).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM wal_log WHERE applied = 1 AND timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("walstore: checkpoint: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE);`); err != nil {
			return n, fmt.Errorf("walstore: checkpoint truncate: %w", err)
		}
	}
	return n, nil
}

// GetUnapplied returns every WAL entry not yet marked applied, in id order,
// for crash recovery.
func (s *Store) GetUnapplied(ctx context.Context) ([]WalEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, op_type, path, content, mount_path, timestamp, applied FROM wal_log WHERE applied = 0 ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("walstore: get unapplied: %w", err)
	}
	defer rows.Close()

	var entries []WalEntry
	for rows.Next() {
		var e WalEntry
		var applied int
		if err := rows.Scan(&e.ID, &e.OpType, &e.Path, &e.Content, &e.MountPath, &e.Timestamp, &applied); err != nil {
			return nil, fmt.Errorf("walstore: scan wal entry: %w", err)
		}
		e.Applied = applied != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// EnqueueOutbox adds an entry to the outbox for remote sync, coalescing
// with any existing pending entry for the same path+mount (so a burst of
// writes to one path produces one outbox row, not one per write).
func (s *Store) EnqueueOutbox(ctx context.Context, op OpType, path string, content []byte, mountPath string) (int64, error) {
	now := time.Now().Unix()

	var existingID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM outbox WHERE path = ? AND mount_path = ? AND status = 'pending'`,
		path, mountPath).Scan(&existingID)
	switch {
	case err == nil:
		if _, err := s.db.ExecContext(ctx,
			`UPDATE outbox SET op_type = ?, content = ?, created_at = ? WHERE id = ?`,
			string(op), content, now, existingID); err != nil {
			return 0, fmt.Errorf("walstore: update outbox: %w", err)
		}
		return existingID, nil
	case err == sql.ErrNoRows:
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO outbox (op_type, path, content, mount_path, status, attempts, created_at) VALUES (?, ?, ?, ?, 'pending', 0, ?)`,
			string(op), path, content, mountPath, now)
		if err != nil {
			return 0, fmt.Errorf("walstore: insert outbox: %w", err)
		}
		return res.LastInsertId()
	default:
		return 0, fmt.Errorf("walstore: lookup outbox: %w", err)
	}
}

// FetchReady returns up to limit pending outbox entries whose backoff
// window has elapsed, oldest first.
func (s *Store) FetchReady(ctx context.Context, limit int) ([]OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, op_type, path, content, mount_path, status, attempts, created_at, last_attempt, error
		 FROM outbox
		 WHERE status = 'pending'
		   AND (last_attempt IS NULL OR last_attempt + (? * (1 << MIN(attempts, 10))) <= ?)
		 ORDER BY created_at ASC
		 LIMIT ?`,
		int64(s.config.BaseBackoff.Seconds()), time.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("walstore: fetch ready: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.OpType, &e.Path, &e.Content, &e.MountPath, &e.Status, &e.Attempts, &e.CreatedAt, &e.LastAttempt, &e.Error); err != nil {
			return nil, fmt.Errorf("walstore: scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkProcessing flags an outbox entry as currently being drained.
func (s *Store) MarkProcessing(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox SET status = 'processing', last_attempt = ? WHERE id = ?`, time.Now().Unix(), id)
	return err
}

// CompleteOutbox removes a successfully synced outbox entry.
func (s *Store) CompleteOutbox(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	return err
}

// FailOutbox records a failed delivery attempt and either requeues the
// entry as pending or, once attempts reaches MaxRetries, moves it to the
// terminal failed (dead-letter) state. The returned bool reports which
// happened, so a caller recording metrics can distinguish a retryable
// failure from a dead-lettered one.
func (s *Store) FailOutbox(ctx context.Context, id int64, cause error) (deadLettered bool, err error) {
	var attempts int
	if err := s.db.QueryRowContext(ctx, `SELECT attempts FROM outbox WHERE id = ?`, id).Scan(&attempts); err != nil {
		return false, fmt.Errorf("walstore: get attempts: %w", err)
	}
	newAttempts := attempts + 1
	now := time.Now().Unix()
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}

	if newAttempts >= s.config.MaxRetries {
		_, err := s.db.ExecContext(ctx,
			`UPDATE outbox SET status = 'failed', attempts = ?, last_attempt = ?, error = ? WHERE id = ?`,
			newAttempts, now, errMsg, id)
		if err == nil {
			s.log.Warn("outbox entry moved to failed", "id", id, "attempts", newAttempts, "error", errMsg)
		}
		return true, err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE outbox SET status = 'pending', attempts = ?, last_attempt = ?, error = ? WHERE id = ?`,
		newAttempts, now, errMsg, id)
	return false, err
}

// RecoverStuck resets outbox entries left in StatusProcessing past
// StuckTimeout back to StatusPending — the Go equivalent of the original's
// crash-recovery sweep for a process that died mid-drain.
func (s *Store) RecoverStuck(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.config.StuckTimeout).Unix()
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = 'pending' WHERE status = 'processing' AND (last_attempt IS NULL OR last_attempt <= ?)`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("walstore: recover stuck: %w", err)
	}
	return res.RowsAffected()
}

// Stats reports outbox depth by status; internal/syncengine reads it to set
// the outbox gauges in internal/metrics.
func (s *Store) Stats(ctx context.Context) (OutboxStats, error) {
	var st OutboxStats
	row := s.db.QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(*) FROM outbox WHERE status = 'pending'),
			(SELECT COUNT(*) FROM outbox WHERE status = 'processing'),
			(SELECT COUNT(*) FROM outbox WHERE status = 'failed')`)
	if err := row.Scan(&st.Pending, &st.Processing, &st.Failed); err != nil {
		return OutboxStats{}, fmt.Errorf("walstore: stats: %w", err)
	}
	return st, nil
}
