package syncqueue

import (
	"context"
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"restopos/backend/internal/clock"
	"restopos/backend/internal/domain"
	"restopos/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - initial table
// 1 - index on ordering_key for per-order lookups
const currentSchemaVersion = 1

var (
	ErrNotFound = errors.New("queue entry not found")
	// ErrCorrupt marks rows whose payload no longer matches its checksum or
	// cannot be decoded. Such rows are reported and kept.
	ErrCorrupt = errors.New("corrupt queue entry")
)

// Entry is a queued operation with its storage bookkeeping.
type Entry struct {
	domain.SyncOperation
	Seq         int64
	OrderingKey string
	// Err is set when the row failed its checksum or payload decoding.
	Err error
}

// CorruptEntry is one row reported by Verify.
type CorruptEntry struct {
	ID     string
	Seq    int64
	Reason string
}

// Queue is the durable terminal-side outbox backed by SQLite.
type Queue struct {
	db     *sql.DB
	clock  clock.Clock
	signal chan struct{}
}

// Open creates or opens the queue database at path, applying pragmas and
// migrations. Use ":memory:" only for throwaway queues.
func Open(path string, clk clock.Clock) (*Queue, error) {
	if clk == nil {
		clk = clock.System{}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect queue database: %w", err)
	}

	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Queue{db: db, clock: clk, signal: make(chan struct{}, 1)}, nil
}

func (q *Queue) Close() error {
	if q.db == nil {
		return nil
	}
	return q.db.Close()
}

// Signal fires after every enqueue. It is buffered by one, so bursts coalesce.
func (q *Queue) Signal() <-chan struct{} {
	return q.signal
}

// Enqueue persists payload as a pending operation and wakes the drainer.
func (q *Queue) Enqueue(ctx context.Context, payload domain.OperationPayload) (domain.SyncOperation, error) {
	data, err := domain.EncodePayload(payload)
	if err != nil {
		return domain.SyncOperation{}, fmt.Errorf("enqueue: %w", err)
	}

	now := q.clock.Now()
	op := domain.SyncOperation{
		ID:        xid.New(""),
		Type:      payload.OperationType(),
		Payload:   payload,
		Timestamp: now,
		Status:    domain.OperationPending,
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO sync_operations
		(id, type, ordering_key, data, checksum, timestamp, status, attempts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
	`,
		op.ID,
		string(op.Type),
		payload.OrderingKey(),
		string(data),
		checksum(data),
		now.UnixNano(),
		string(op.Status),
		now.UnixNano(),
	)
	if err != nil {
		return domain.SyncOperation{}, fmt.Errorf("enqueue %s: %w", op.Type, err)
	}

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return op, nil
}

// List returns every entry oldest first. Rows that fail their checksum or
// decoding are returned with Err set rather than dropped.
func (q *Queue) List(ctx context.Context) ([]Entry, error) {
	return q.query(ctx, "")
}

// Pending returns entries that have not failed yet, oldest first.
func (q *Queue) Pending(ctx context.Context) ([]Entry, error) {
	return q.query(ctx, "WHERE status = 'pending'")
}

func (q *Queue) Count(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_operations").Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return n, nil
}

// Delete removes an acknowledged entry.
func (q *Queue) Delete(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, "DELETE FROM sync_operations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return requireAffected(res, id)
}

// MarkFailed records a failed submission and schedules the next attempt.
// It returns the new attempt count.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error, nextAttempt time.Time) (int, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	var attempts int
	err := q.db.QueryRowContext(ctx, `
		UPDATE sync_operations
		SET status = 'failed', attempts = attempts + 1, last_error = ?, next_attempt_at = ?, updated_at = ?
		WHERE id = ?
		RETURNING attempts
	`, msg, nextAttempt.UnixNano(), q.clock.Now().UnixNano(), id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("mark failed %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("mark failed %s: %w", id, err)
	}
	return attempts, nil
}

// Retry makes a failed entry eligible immediately. Attempts are kept.
func (q *Queue) Retry(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE sync_operations
		SET status = 'pending', next_attempt_at = NULL, updated_at = ?
		WHERE id = ?
	`, q.clock.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("retry %s: %w", id, err)
	}
	if err := requireAffected(res, id); err != nil {
		return err
	}
	q.wake()
	return nil
}

// RetryAll resets every failed entry and returns how many were reset.
func (q *Queue) RetryAll(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE sync_operations
		SET status = 'pending', next_attempt_at = NULL, updated_at = ?
		WHERE status = 'failed'
	`, q.clock.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("retry all: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("retry all: %w", err)
	}
	if n > 0 {
		q.wake()
	}
	return int(n), nil
}

// Verify runs SQLite's integrity check and re-validates every row. The
// returned error wraps ErrCorrupt when anything is wrong. Nothing is deleted.
func (q *Queue) Verify(ctx context.Context) ([]CorruptEntry, error) {
	var integrity string
	if err := q.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&integrity); err != nil {
		return nil, fmt.Errorf("integrity check: %w", err)
	}
	if integrity != "ok" {
		return nil, fmt.Errorf("%w: integrity check: %s", ErrCorrupt, integrity)
	}

	entries, err := q.List(ctx)
	if err != nil {
		return nil, err
	}
	var corrupt []CorruptEntry
	for _, e := range entries {
		if e.Err != nil {
			corrupt = append(corrupt, CorruptEntry{ID: e.ID, Seq: e.Seq, Reason: e.Err.Error()})
		}
	}
	if len(corrupt) > 0 {
		return corrupt, fmt.Errorf("%w: %d of %d entries", ErrCorrupt, len(corrupt), len(entries))
	}
	return nil, nil
}

func (q *Queue) query(ctx context.Context, where string) ([]Entry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT seq, id, type, ordering_key, data, checksum, timestamp, status, attempts, last_error, next_attempt_at
		FROM sync_operations `+where+`
		ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, 32)
	for rows.Next() {
		var (
			e           Entry
			opType      string
			status      string
			data        string
			sum         string
			timestamp   int64
			nextAttempt sql.NullInt64
		)
		if err := rows.Scan(&e.Seq, &e.ID, &opType, &e.OrderingKey, &data, &sum, &timestamp, &status, &e.Attempts, &e.LastError, &nextAttempt); err != nil {
			return nil, fmt.Errorf("scan queue row: %w", err)
		}
		e.Type = domain.OperationType(opType)
		e.Status = domain.OperationStatus(status)
		e.Timestamp = time.Unix(0, timestamp).UTC()
		if nextAttempt.Valid {
			at := time.Unix(0, nextAttempt.Int64).UTC()
			e.NextAttemptAt = &at
		}

		if checksum([]byte(data)) != sum {
			e.Err = fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
		} else if payload, err := domain.DecodePayload(e.Type, []byte(data)); err != nil {
			e.Err = fmt.Errorf("%w: %v", ErrCorrupt, err)
		} else {
			e.Payload = payload
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	return entries, nil
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func requireAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 1 {
		if _, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_sync_operations_key ON sync_operations (ordering_key)"); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}
