// Package slicestore persists recording state and binary audio slices in a
// local SQLite database so that an interrupted capture survives process death.
//
// Durability contract: every write is committed before the call returns — there
// is no write-behind buffering that a crash could lose. Slices are keyed by
// (session id, sequence index) and always read back ordered by index,
// regardless of physical insertion order.
//
// Failures of the underlying database are surfaced wrapped in
// [ErrStorageUnavailable]; the recorder treats them as fatal to the active
// capture while everything already persisted stays recoverable.
package slicestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultMaxSessionBytes bounds the persisted payload volume of one session.
const DefaultMaxSessionBytes = 512 << 20 // 512 MiB

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const schema = `
CREATE TABLE IF NOT EXISTS slices (
	session_id TEXT    NOT NULL,
	idx        INTEGER NOT NULL,
	codec      TEXT    NOT NULL,
	payload    BLOB    NOT NULL,
	size       INTEGER NOT NULL,
	created_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	PRIMARY KEY (session_id, idx)
);

CREATE TABLE IF NOT EXISTS session_state (
	id              INTEGER PRIMARY KEY CHECK (id = 1),
	call_record_id  TEXT    NOT NULL,
	total_start_ms  INTEGER NOT NULL,
	last_update_ms  INTEGER NOT NULL,
	recording       INTEGER NOT NULL,
	elapsed_ms      INTEGER NOT NULL
);
`

// Slice is one persisted bounded-duration segment of encoded audio.
type Slice struct {
	SessionID string
	Index     int
	Codec     string
	Payload   []byte
}

// Store manages slice and session-state persistence backed by SQLite.
// All methods are safe for concurrent use.
type Store struct {
	db              *sql.DB
	path            string
	maxSessionBytes int64
}

// Option customises a [Store].
type Option func(*Store)

// WithMaxSessionBytes overrides [DefaultMaxSessionBytes].
func WithMaxSessionBytes(n int64) Option {
	return func(s *Store) { s.maxSessionBytes = n }
}

// Open initialises or connects to the slice database at path. The schema is
// created if missing and WAL journaling is enabled so readers never block the
// capture path's writes.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("slicestore: open %q: %w: %w", path, ErrStorageUnavailable, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("slicestore: apply pragma %q: %w: %w", pragma, ErrStorageUnavailable, execErr)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("slicestore: init schema: %w: %w", ErrStorageUnavailable, err)
	}

	s := &Store{db: db, path: path, maxSessionBytes: DefaultMaxSessionBytes}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Ping verifies the database is reachable and writable enough to answer a
// query. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("slicestore: ping: %w: %w", ErrStorageUnavailable, err)
	}
	return nil
}

// PutSlice persists one slice. The write is committed before PutSlice returns.
// Persisting a slice that would push the session past the configured byte
// ceiling fails with [ErrSessionBytesExceeded] (which wraps
// [ErrStorageUnavailable]); the slice is not written and prior slices are
// untouched. The ceiling deliberately rejects the new slice instead of
// evicting the oldest one: eviction would punch a hole in a sequence that
// must stay gap-free for recovery, while rejecting keeps every byte already
// persisted intact.
func (s *Store) PutSlice(ctx context.Context, sessionID string, index int, payload []byte, codec string) error {
	var used int64
	err := s.queryRowWithRetry(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM slices WHERE session_id = ?`, sessionID,
	).Scan(&used)
	if err != nil {
		return fmt.Errorf("slicestore: put slice %d: size check: %w: %w", index, ErrStorageUnavailable, err)
	}
	if used+int64(len(payload)) > s.maxSessionBytes {
		return fmt.Errorf("slicestore: put slice %d: %w: %w (%d+%d > %d bytes)",
			index, ErrStorageUnavailable, ErrSessionBytesExceeded, used, len(payload), s.maxSessionBytes)
	}

	err = s.execWithRetry(ctx,
		`INSERT OR REPLACE INTO slices (session_id, idx, codec, payload, size) VALUES (?, ?, ?, ?, ?)`,
		sessionID, index, codec, payload, len(payload),
	)
	if err != nil {
		return fmt.Errorf("slicestore: put slice %d: %w: %w", index, ErrStorageUnavailable, err)
	}
	return nil
}

// Slices returns every persisted slice for sessionID ordered by sequence
// index, regardless of physical insertion order.
func (s *Store) Slices(ctx context.Context, sessionID string) ([]Slice, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, idx, codec, payload FROM slices WHERE session_id = ? ORDER BY idx`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("slicestore: list slices: %w: %w", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var slices []Slice
	for rows.Next() {
		var sl Slice
		if err := rows.Scan(&sl.SessionID, &sl.Index, &sl.Codec, &sl.Payload); err != nil {
			return nil, fmt.Errorf("slicestore: scan slice: %w: %w", ErrStorageUnavailable, err)
		}
		slices = append(slices, sl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("slicestore: list slices: %w: %w", ErrStorageUnavailable, err)
	}
	return slices, nil
}

// SessionBytes reports the total persisted payload volume for sessionID.
func (s *Store) SessionBytes(ctx context.Context, sessionID string) (int64, error) {
	var used int64
	err := s.queryRowWithRetry(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM slices WHERE session_id = ?`, sessionID,
	).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("slicestore: session bytes: %w: %w", ErrStorageUnavailable, err)
	}
	return used, nil
}

// DeleteSession removes every slice for sessionID and clears the saved state.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.execWithRetry(ctx, `DELETE FROM slices WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("slicestore: delete session slices: %w: %w", ErrStorageUnavailable, err)
	}
	if err := s.execWithRetry(ctx, `DELETE FROM session_state`); err != nil {
		return fmt.Errorf("slicestore: delete session state: %w: %w", ErrStorageUnavailable, err)
	}
	return nil
}

// SaveState persists the recording session state, replacing any previous
// state. At most one session state exists at a time.
func (s *Store) SaveState(ctx context.Context, session *RecordingSession) error {
	err := s.execWithRetry(ctx, `
		INSERT INTO session_state (id, call_record_id, total_start_ms, last_update_ms, recording, elapsed_ms)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			call_record_id = excluded.call_record_id,
			total_start_ms = excluded.total_start_ms,
			last_update_ms = excluded.last_update_ms,
			recording      = excluded.recording,
			elapsed_ms     = excluded.elapsed_ms`,
		session.CallRecordID,
		session.TotalStartMillis,
		session.LastUpdateMillis,
		session.Recording,
		session.ElapsedMillis,
	)
	if err != nil {
		return fmt.Errorf("slicestore: save state: %w: %w", ErrStorageUnavailable, err)
	}
	return nil
}

// LoadState returns the previously saved session state, or nil when none
// exists. A state that fails [RecordingSession.Validate] is discarded as
// corrupt — logged, cleared, and reported as absent — rather than resumed.
func (s *Store) LoadState(ctx context.Context) (*RecordingSession, error) {
	var (
		session   RecordingSession
		recording int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT call_record_id, total_start_ms, last_update_ms, recording, elapsed_ms
		FROM session_state WHERE id = 1`,
	).Scan(
		&session.CallRecordID,
		&session.TotalStartMillis,
		&session.LastUpdateMillis,
		&recording,
		&session.ElapsedMillis,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("slicestore: load state: %w: %w", ErrStorageUnavailable, err)
	}
	session.Recording = recording != 0

	if verr := session.Validate(); verr != nil {
		slog.Warn("slicestore: discarding corrupt session state",
			"call_record_id", session.CallRecordID,
			"err", verr,
		)
		if clearErr := s.execWithRetry(ctx, `DELETE FROM session_state`); clearErr != nil {
			slog.Warn("slicestore: clear corrupt session state failed", "err", clearErr)
		}
		return nil, nil
	}

	return &session, nil
}

// ContiguousIndices verifies that slices (already ordered by index) form a
// contiguous, gap-free sequence starting at 0. A session whose slices fail
// this check must not be treated as complete.
func ContiguousIndices(slices []Slice) error {
	for i, sl := range slices {
		if sl.Index != i {
			return fmt.Errorf("slicestore: slice sequence gap: position %d holds index %d", i, sl.Index)
		}
	}
	return nil
}

// --- SQLite busy retry -------------------------------------------------------

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

// queryRowWithRetry exists because a busy database can fail even single-row
// reads under WAL checkpointing. It retries the query, returning the final
// row handle for scanning.
func (s *Store) queryRowWithRetry(ctx context.Context, query string, args ...any) *sql.Row {
	var row *sql.Row
	_ = retryOnBusy(ctx, func() error {
		row = s.db.QueryRowContext(ctx, query, args...)
		return row.Err()
	})
	return row
}
