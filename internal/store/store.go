// Tally is a durable character-counting job service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store provides the SQLite-backed persistence layer for tally:
// schema migrations, job rows, and the conditional lease operations that
// workers and the reaper race through.
//
// Every operation that grants, extends, or revokes execution rights is a
// single conditional UPDATE whose predicate runs inside the statement;
// success is decided by RowsAffected, never by a read followed by a
// write. Two workers racing on one id get exactly one winner.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"tally/pkg/models"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// Error text caps. A retry keeps less because the row may carry
	// several of them over its lifetime; the final failure keeps more.
	retryErrorMax  = 1000
	failedErrorMax = 2000
)

var (
	// ErrNotFound indicates no rows matched the query.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists indicates an insert hit an existing primary key.
	ErrAlreadyExists = errors.New("already exists")
)

// Store wraps a SQLite database connection and provides typed accessors.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	// DSN with pragmas for durability and concurrency.
	// - busy_timeout: backoff on locked database
	// - journal_mode=WAL: better concurrency
	// - foreign_keys=ON: enforce referential integrity
	// - synchronous=NORMAL: reasonable safety/perf tradeoff
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Reasonable pool settings for a single-node embedded DB
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	// Verify connection
	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
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

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return pingContext(ctx, s.db)
}

// --------------- Inserts and reads ---------------

// Insert creates a new pending job row with zero attempts and null
// result, error, and lease fields. Returns ErrAlreadyExists on an id
// collision, which random 128-bit ids make essentially unreachable.
func (s *Store) Insert(ctx context.Context, id, text string, now time.Time) error {
	const ins = `
INSERT INTO jobs (id, status, text, attempts, created_at, updated_at)
VALUES (?, 'pending', ?, 0, ?, ?)
ON CONFLICT(id) DO NOTHING;`
	res, err := s.db.ExecContext(ctx, ins, id, text, now.UTC(), now.UTC())
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected != 1 {
		return ErrAlreadyExists
	}
	return nil
}

// GetJob retrieves a full job row by id, including the text and lease
// bookkeeping columns.
func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	const q = `SELECT id, status, text, result_chars, attempts, last_error, processing_by, lease_until, created_at, updated_at
FROM jobs WHERE id=?`

	var row struct {
		id, status, text     string
		resultChars          sql.NullInt64
		attempts             int
		lastError            sql.NullString
		processingBy         sql.NullString
		leaseUntil           sql.NullTime
		createdAt, updatedAt time.Time
	}
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&row.id, &row.status, &row.text, &row.resultChars, &row.attempts,
		&row.lastError, &row.processingBy, &row.leaseUntil, &row.createdAt, &row.updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	return &models.Job{
		ID:           row.id,
		Status:       models.JobStatus(row.status),
		Text:         row.text,
		ResultChars:  fromNullInt64Ptr(row.resultChars),
		Attempts:     row.attempts,
		LastError:    fromNullStringPtr(row.lastError),
		ProcessingBy: fromNullStringPtr(row.processingBy),
		LeaseUntil:   fromNullTimePtr(row.leaseUntil),
		CreatedAt:    row.createdAt.UTC(),
		UpdatedAt:    row.updatedAt.UTC(),
	}, nil
}

// FetchText returns only the submitted text of a job.
func (s *Store) FetchText(ctx context.Context, id string) (string, error) {
	const q = `SELECT text FROM jobs WHERE id=?`
	var text string
	err := s.db.QueryRowContext(ctx, q, id).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("fetch text: %w", err)
	}
	return text, nil
}

// Attempts returns the current attempts count of a job.
func (s *Store) Attempts(ctx context.Context, id string) (int, error) {
	const q = `SELECT attempts FROM jobs WHERE id=?`
	var n int
	err := s.db.QueryRowContext(ctx, q, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read attempts: %w", err)
	}
	return n, nil
}

// GetView retrieves the client-facing projection of a job.
func (s *Store) GetView(ctx context.Context, id string) (*models.View, error) {
	const q = `SELECT id, status, result_chars, attempts, last_error, processing_by, lease_until, created_at, updated_at
FROM jobs WHERE id=?`

	v, err := scanView(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get view: %w", err)
	}
	return v, nil
}

// ListViews returns the most recently created jobs, newest first.
// If limit <= 0, a default of 20 is applied.
func (s *Store) ListViews(ctx context.Context, limit int) ([]models.View, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `SELECT id, status, result_chars, attempts, last_error, processing_by, lease_until, created_at, updated_at
FROM jobs ORDER BY created_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list views: %w", err)
	}
	defer rows.Close()

	var out []models.View
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, fmt.Errorf("scan view: %w", err)
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate views: %w", err)
	}
	return out, nil
}

// CountByStatus returns the number of jobs in each status. Statuses with
// no jobs are absent from the map.
func (s *Store) CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	const q = `SELECT status, COUNT(*) FROM jobs GROUP BY status`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[models.JobStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[models.JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return out, nil
}

// --------------- Lease operations ---------------

// Claim attempts to atomically lease a pending job for a worker,
// transitioning it to started. This is the sole primitive that grants
// exclusive execution rights; an id taken from the queue means nothing
// until the claim lands. Returns whether the claim succeeded.
func (s *Store) Claim(ctx context.Context, id, workerLabel string, leaseUntil, now time.Time) (bool, error) {
	const upd = `UPDATE jobs
SET status='started', processing_by=?, lease_until=?, updated_at=?
WHERE id=? AND status='pending' AND (lease_until IS NULL OR lease_until < ?)`
	res, err := s.db.ExecContext(ctx, upd, workerLabel, leaseUntil.UTC(), now.UTC(), id, now.UTC())
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkProcessing transitions a started job to processing. Returns
// ErrNotFound if the job is not currently started, which means the
// claim has been lost in the meantime.
func (s *Store) MarkProcessing(ctx context.Context, id string, now time.Time) error {
	const upd = `UPDATE jobs SET status='processing', updated_at=? WHERE id=? AND status='started'`
	res, err := s.db.ExecContext(ctx, upd, now.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected != 1 {
		return ErrNotFound
	}
	return nil
}

// ExtendLease pushes out the lease deadline of a job the worker still
// owns, without changing status. Returns whether the extension applied;
// false means the lease was lost to the reaper or another worker.
func (s *Store) ExtendLease(ctx context.Context, id, workerLabel string, newLeaseUntil, now time.Time) (bool, error) {
	const upd = `UPDATE jobs
SET lease_until=?, updated_at=?
WHERE id=? AND processing_by=? AND status IN ('started','processing')`
	res, err := s.db.ExecContext(ctx, upd, newLeaseUntil.UTC(), now.UTC(), id, workerLabel)
	if err != nil {
		return false, fmt.Errorf("extend lease: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Complete records a successful count and transitions the job to done,
// clearing the lease fields. Requires the job to be started or
// processing; completing a terminal row returns ErrNotFound. Duplicate
// executions after a lease expiry are harmless because both writers
// store the same deterministic count.
func (s *Store) Complete(ctx context.Context, id string, resultChars int, now time.Time) error {
	const upd = `UPDATE jobs
SET status='done', result_chars=?, processing_by=NULL, lease_until=NULL, updated_at=?
WHERE id=? AND status IN ('started','processing')`
	res, err := s.db.ExecContext(ctx, upd, resultChars, now.UTC(), id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected != 1 {
		return ErrNotFound
	}
	return nil
}

// RecordRetry counts a failed execution and returns the job to the
// pending pool: attempts+1, last_error set, lease fields cleared.
// Terminal rows are left untouched and reported as ErrNotFound.
func (s *Store) RecordRetry(ctx context.Context, id, errText string, now time.Time) error {
	const upd = `UPDATE jobs
SET attempts=attempts+1, last_error=?, status='pending', processing_by=NULL, lease_until=NULL, updated_at=?
WHERE id=? AND status NOT IN ('done','failed')`
	res, err := s.db.ExecContext(ctx, upd, truncate(errText, retryErrorMax), now.UTC(), id)
	if err != nil {
		return fmt.Errorf("record retry: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected != 1 {
		return ErrNotFound
	}
	return nil
}

// RecordFailed marks a job permanently failed once its retry budget is
// spent. Attempts is not incremented here; the retries that preceded the
// cap already counted each failed execution.
func (s *Store) RecordFailed(ctx context.Context, id, errText string, now time.Time) error {
	const upd = `UPDATE jobs
SET status='failed', last_error=?, processing_by=NULL, lease_until=NULL, updated_at=?
WHERE id=? AND status NOT IN ('done','failed')`
	res, err := s.db.ExecContext(ctx, upd, truncate(errText, failedErrorMax), now.UTC(), id)
	if err != nil {
		return fmt.Errorf("record failed: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected != 1 {
		return ErrNotFound
	}
	return nil
}

// --------------- Reaper and recovery scans ---------------

// ScanExpiredLeases returns ids of started or processing jobs whose
// lease deadline has passed, oldest lease first, up to limit.
func (s *Store) ScanExpiredLeases(ctx context.Context, now time.Time, limit int) ([]string, error) {
	const q = `SELECT id FROM jobs
WHERE status IN ('started','processing') AND lease_until IS NOT NULL AND lease_until < ?
ORDER BY lease_until ASC LIMIT ?`
	return s.scanIDs(ctx, q, now.UTC(), limit)
}

// ResetExpired returns one expired job to the pending pool if it is
// still expired at update time. The predicate re-checks expiry inside
// the statement so a worker that finished in the meantime wins.
func (s *Store) ResetExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	const upd = `UPDATE jobs
SET status='pending', processing_by=NULL, lease_until=NULL, updated_at=?
WHERE id=? AND status IN ('started','processing') AND lease_until IS NOT NULL AND lease_until < ?`
	res, err := s.db.ExecContext(ctx, upd, now.UTC(), id, now.UTC())
	if err != nil {
		return false, fmt.Errorf("reset expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ScanStalePending returns ids of pending jobs whose rows have not moved
// since olderThan, oldest first, up to limit. These are jobs whose queue
// entry was lost (full queue at submit, crash between store and queue);
// re-offering them restores the pending ⇒ eventually-claimed guarantee.
func (s *Store) ScanStalePending(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	const q = `SELECT id FROM jobs
WHERE status='pending' AND updated_at < ?
ORDER BY updated_at ASC LIMIT ?`
	return s.scanIDs(ctx, q, olderThan.UTC(), limit)
}

// RecoverAbandoned resets every started or processing job with a null or
// expired lease back to pending in one statement, returning the count.
// Called once at boot before workers start: rows abandoned by a previous
// process cannot be extended by anyone, so the sweep is safe.
func (s *Store) RecoverAbandoned(ctx context.Context, now time.Time) (int64, error) {
	const upd = `UPDATE jobs
SET status='pending', processing_by=NULL, lease_until=NULL, updated_at=?
WHERE status IN ('started','processing') AND (lease_until IS NULL OR lease_until < ?)`
	res, err := s.db.ExecContext(ctx, upd, now.UTC(), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("recover abandoned: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PendingIDs returns pending job ids oldest first, up to limit. Used at
// boot to refill the in-memory queue from the durable truth.
func (s *Store) PendingIDs(ctx context.Context, limit int) ([]string, error) {
	const q = `SELECT id FROM jobs WHERE status='pending' ORDER BY created_at ASC LIMIT ?`
	return s.scanIDs(ctx, q, limit)
}

// --------------- Internal helpers ---------------

func (s *Store) scanIDs(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return out, nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanView(sc scanner) (*models.View, error) {
	var row struct {
		id, status           string
		resultChars          sql.NullInt64
		attempts             int
		lastError            sql.NullString
		processingBy         sql.NullString
		leaseUntil           sql.NullTime
		createdAt, updatedAt time.Time
	}
	if err := sc.Scan(&row.id, &row.status, &row.resultChars, &row.attempts, &row.lastError, &row.processingBy, &row.leaseUntil, &row.createdAt, &row.updatedAt); err != nil {
		return nil, err
	}
	return &models.View{
		ID:           row.id,
		Status:       models.JobStatus(row.status),
		Result:       fromNullInt64Ptr(row.resultChars),
		Error:        fromNullStringPtr(row.lastError),
		Attempts:     row.attempts,
		ProcessingBy: fromNullStringPtr(row.processingBy),
		LeaseUntil:   fromNullTimePtr(row.leaseUntil),
		CreatedAt:    row.createdAt.UTC(),
		UpdatedAt:    row.updatedAt.UTC(),
	}, nil
}

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func fromNullStringPtr(ns sql.NullString) *string {
	if ns.Valid {
		v := ns.String
		return &v
	}
	return nil
}

func fromNullInt64Ptr(ni sql.NullInt64) *int64 {
	if ni.Valid {
		v := ni.Int64
		return &v
	}
	return nil
}

func fromNullTimePtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time.UTC()
		return &t
	}
	return nil
}
