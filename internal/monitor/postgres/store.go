// Package postgres implements the monitor's read-only record store against
// the pipeline's PostgreSQL database.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/callvault/callvault/internal/monitor"
)

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store queries call and analysis records owned by the processing pipeline.
// It is strictly read-only; the tables belong to another service.
type Store struct {
	db DB
}

// Compile-time interface check.
var _ monitor.RecordStore = (*Store)(nil)

// New creates a [Store] over an existing connection or pool.
func New(db DB) *Store {
	return &Store{db: db}
}

// Connect establishes a connection pool to the pipeline database at dsn and
// returns a [Store] over it, plus the pool so the caller can close it.
func Connect(ctx context.Context, dsn string) (*Store, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("monitor postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("monitor postgres: ping: %w", err)
	}
	return New(pool), pool, nil
}

// ListCreatedSince implements [monitor.RecordStore].
func (s *Store) ListCreatedSince(ctx context.Context, cutoff time.Time) ([]monitor.CallRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, created_at, COALESCE(transcript, '') AS transcript,
		       COALESCE(duration_seconds, 0) AS duration_seconds
		FROM call_records
		WHERE created_at >= $1
		ORDER BY created_at
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("monitor postgres: list call records: %w", err)
	}
	defer rows.Close()

	var records []monitor.CallRecord
	for rows.Next() {
		var rec monitor.CallRecord
		if err := rows.Scan(&rec.ID, &rec.CreatedAt, &rec.Transcript, &rec.DurationSeconds); err != nil {
			return nil, fmt.Errorf("monitor postgres: scan call record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor postgres: list call records: %w", err)
	}
	return records, nil
}

// HasAnalysis implements [monitor.RecordStore].
func (s *Store) HasAnalysis(ctx context.Context, callRecordID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM call_analyses WHERE call_record_id = $1)
	`, callRecordID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("monitor postgres: analysis lookup %s: %w", callRecordID, err)
	}
	return exists, nil
}
