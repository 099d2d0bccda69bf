package store

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

// Tests for the store layer: migrations, job round trips, and the
// conditional claim, lease, retry, and recovery operations.

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tally/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	s, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustInsert(t *testing.T, s *Store, id, text string, now time.Time) {
	t.Helper()
	if err := s.Insert(context.Background(), id, text, now); err != nil {
		t.Fatalf("Insert(%s) failed: %v", id, err)
	}
}

func TestOpenAndMigrations_InsertRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	mustInsert(t, s, "job-1", "héllo🌍", now)

	got, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.ID != "job-1" || got.Status != models.StatusPending || got.Text != "héllo🌍" {
		t.Fatalf("job mismatch: %+v", got)
	}
	if got.Attempts != 0 || got.ResultChars != nil || got.LastError != nil || got.ProcessingBy != nil || got.LeaseUntil != nil {
		t.Fatalf("fresh job should have zero attempts and null fields: %+v", got)
	}
	if !got.CreatedAt.Equal(now) || !got.UpdatedAt.Equal(now) {
		t.Fatalf("timestamp mismatch: created=%v updated=%v want=%v", got.CreatedAt, got.UpdatedAt, now)
	}

	// Duplicate id must be rejected without touching the existing row.
	err = s.Insert(ctx, "job-1", "other text", now.Add(time.Second))
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate insert: got %v, want ErrAlreadyExists", err)
	}
	got, err = s.GetJob(ctx, "job-1")
	if err != nil || got.Text != "héllo🌍" {
		t.Fatalf("duplicate insert mutated row: %+v err=%v", got, err)
	}

	if _, err := s.GetJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetJob(missing): got %v, want ErrNotFound", err)
	}
}

func TestClaimLifecycleHappyPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	lease := now.Add(30 * time.Second)

	mustInsert(t, s, "job-1", "hello", now)

	ok, err := s.Claim(ctx, "job-1", "w-1", lease, now)
	if err != nil || !ok {
		t.Fatalf("Claim failed: ok=%v err=%v", ok, err)
	}

	// Second claim on a started job must lose.
	ok, err = s.Claim(ctx, "job-1", "w-2", lease, now)
	if err != nil {
		t.Fatalf("second Claim errored: %v", err)
	}
	if ok {
		t.Fatalf("second Claim succeeded; exclusive execution rights are broken")
	}

	job, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != models.StatusStarted {
		t.Fatalf("status after claim = %s, want started", job.Status)
	}
	if job.ProcessingBy == nil || *job.ProcessingBy != "w-1" {
		t.Fatalf("processing_by = %v, want w-1", job.ProcessingBy)
	}
	if job.LeaseUntil == nil || !job.LeaseUntil.Equal(lease) {
		t.Fatalf("lease_until = %v, want %v", job.LeaseUntil, lease)
	}

	if err := s.MarkProcessing(ctx, "job-1", now.Add(time.Second)); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}
	// MarkProcessing again must fail: job is no longer started.
	if err := s.MarkProcessing(ctx, "job-1", now.Add(2*time.Second)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second MarkProcessing: got %v, want ErrNotFound", err)
	}

	if err := s.Complete(ctx, "job-1", 5, now.Add(3*time.Second)); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	job, err = s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != models.StatusDone {
		t.Fatalf("status after complete = %s, want done", job.Status)
	}
	if job.ResultChars == nil || *job.ResultChars != 5 {
		t.Fatalf("result_chars = %v, want 5", job.ResultChars)
	}
	if job.ProcessingBy != nil || job.LeaseUntil != nil {
		t.Fatalf("lease fields not cleared on done: %+v", job)
	}

	// Terminal rows never transition again.
	if err := s.Complete(ctx, "job-1", 99, now.Add(4*time.Second)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Complete on done: got %v, want ErrNotFound", err)
	}
	ok, err = s.Claim(ctx, "job-1", "w-3", lease.Add(time.Minute), now.Add(4*time.Second))
	if err != nil || ok {
		t.Fatalf("Claim on done: ok=%v err=%v, want false", ok, err)
	}
	if err := s.RecordRetry(ctx, "job-1", "boom", now.Add(4*time.Second)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("RecordRetry on done: got %v, want ErrNotFound", err)
	}
	if job, _ := s.GetJob(ctx, "job-1"); job == nil || *job.ResultChars != 5 {
		t.Fatalf("terminal row mutated: %+v", job)
	}
}

func TestClaimConcurrentSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mustInsert(t, s, "job-1", "contended", now)

	const racers = 8
	var wg sync.WaitGroup
	wins := make(chan string, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(label string) {
			defer wg.Done()
			ok, err := s.Claim(ctx, "job-1", label, now.Add(30*time.Second), now)
			if err != nil {
				t.Errorf("Claim(%s) errored: %v", label, err)
				return
			}
			if ok {
				wins <- label
			}
		}("w-" + string(rune('a'+i)))
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winning claim, got %d: %v", len(winners), winners)
	}

	job, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.ProcessingBy == nil || *job.ProcessingBy != winners[0] {
		t.Fatalf("processing_by = %v, want winner %s", job.ProcessingBy, winners[0])
	}
}

func TestRecordRetryIncrementsAndResets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mustInsert(t, s, "job-1", "retry me", now)
	if ok, _ := s.Claim(ctx, "job-1", "w-1", now.Add(30*time.Second), now); !ok {
		t.Fatalf("claim failed")
	}

	if err := s.RecordRetry(ctx, "job-1", "transient fault", now.Add(time.Second)); err != nil {
		t.Fatalf("RecordRetry failed: %v", err)
	}

	job, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != models.StatusPending {
		t.Fatalf("status after retry = %s, want pending", job.Status)
	}
	if job.Attempts != 1 {
		t.Fatalf("attempts after retry = %d, want 1", job.Attempts)
	}
	if job.LastError == nil || *job.LastError != "transient fault" {
		t.Fatalf("last_error = %v, want transient fault", job.LastError)
	}
	if job.ProcessingBy != nil || job.LeaseUntil != nil {
		t.Fatalf("lease fields not cleared on retry: %+v", job)
	}

	n, err := s.Attempts(ctx, "job-1")
	if err != nil || n != 1 {
		t.Fatalf("Attempts = %d err=%v, want 1", n, err)
	}

	// The row is claimable again.
	if ok, err := s.Claim(ctx, "job-1", "w-2", now.Add(time.Minute), now.Add(2*time.Second)); err != nil || !ok {
		t.Fatalf("reclaim after retry: ok=%v err=%v", ok, err)
	}
}

func TestRecordFailedKeepsAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mustInsert(t, s, "job-1", "doomed", now)
	if ok, _ := s.Claim(ctx, "job-1", "w-1", now.Add(30*time.Second), now); !ok {
		t.Fatalf("claim failed")
	}
	if err := s.RecordRetry(ctx, "job-1", "fault one", now.Add(time.Second)); err != nil {
		t.Fatalf("RecordRetry failed: %v", err)
	}
	if ok, _ := s.Claim(ctx, "job-1", "w-1", now.Add(time.Minute), now.Add(2*time.Second)); !ok {
		t.Fatalf("reclaim failed")
	}
	if err := s.RecordRetry(ctx, "job-1", "fault two", now.Add(3*time.Second)); err != nil {
		t.Fatalf("RecordRetry failed: %v", err)
	}
	if ok, _ := s.Claim(ctx, "job-1", "w-1", now.Add(2*time.Minute), now.Add(4*time.Second)); !ok {
		t.Fatalf("reclaim failed")
	}

	// Budget spent: the final failure records the error without another bump.
	if err := s.RecordFailed(ctx, "job-1", "fault three", now.Add(5*time.Second)); err != nil {
		t.Fatalf("RecordFailed failed: %v", err)
	}

	job, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if job.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2 (RecordFailed must not increment)", job.Attempts)
	}
	if job.LastError == nil || *job.LastError != "fault three" {
		t.Fatalf("last_error = %v, want fault three", job.LastError)
	}
	if job.ProcessingBy != nil || job.LeaseUntil != nil {
		t.Fatalf("lease fields not cleared on failure: %+v", job)
	}

	// failed is terminal too.
	if err := s.RecordFailed(ctx, "job-1", "again", now.Add(6*time.Second)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("RecordFailed on failed: got %v, want ErrNotFound", err)
	}
}

func TestErrorTextTruncation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	long := strings.Repeat("x", 5000)

	mustInsert(t, s, "job-1", "a", now)
	if ok, _ := s.Claim(ctx, "job-1", "w-1", now.Add(time.Minute), now); !ok {
		t.Fatalf("claim failed")
	}
	if err := s.RecordRetry(ctx, "job-1", long, now); err != nil {
		t.Fatalf("RecordRetry failed: %v", err)
	}
	job, _ := s.GetJob(ctx, "job-1")
	if job.LastError == nil || len(*job.LastError) != 1000 {
		t.Fatalf("retry error not truncated to 1000: %d", len(str(job.LastError)))
	}

	if ok, _ := s.Claim(ctx, "job-1", "w-1", now.Add(time.Minute), now); !ok {
		t.Fatalf("reclaim failed")
	}
	if err := s.RecordFailed(ctx, "job-1", long, now); err != nil {
		t.Fatalf("RecordFailed failed: %v", err)
	}
	job, _ = s.GetJob(ctx, "job-1")
	if job.LastError == nil || len(*job.LastError) != 2000 {
		t.Fatalf("failure error not truncated to 2000: %d", len(str(job.LastError)))
	}
}

func TestExtendLeaseOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mustInsert(t, s, "job-1", "slow", now)
	if ok, _ := s.Claim(ctx, "job-1", "w-1", now.Add(30*time.Second), now); !ok {
		t.Fatalf("claim failed")
	}

	ok, err := s.ExtendLease(ctx, "job-1", "w-1", now.Add(time.Minute), now)
	if err != nil || !ok {
		t.Fatalf("ExtendLease by owner: ok=%v err=%v", ok, err)
	}
	job, _ := s.GetJob(ctx, "job-1")
	if job.LeaseUntil == nil || !job.LeaseUntil.After(now.Add(30*time.Second)) {
		t.Fatalf("lease not extended: %v", job.LeaseUntil)
	}

	// A non-owner cannot move the deadline.
	ok, err = s.ExtendLease(ctx, "job-1", "w-2", now.Add(2*time.Minute), now)
	if err != nil {
		t.Fatalf("ExtendLease by stranger errored: %v", err)
	}
	if ok {
		t.Fatalf("ExtendLease by stranger succeeded")
	}

	// Nor can the owner once the job returned to pending.
	if err := s.RecordRetry(ctx, "job-1", "fault", now); err != nil {
		t.Fatalf("RecordRetry failed: %v", err)
	}
	ok, _ = s.ExtendLease(ctx, "job-1", "w-1", now.Add(3*time.Minute), now)
	if ok {
		t.Fatalf("ExtendLease succeeded on pending row")
	}
}

func TestScanExpiredAndResetExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	// Three claimed jobs: two expired (oldest lease first), one live.
	mustInsert(t, s, "old-1", "a", base)
	mustInsert(t, s, "old-2", "b", base)
	mustInsert(t, s, "live", "c", base)
	if ok, _ := s.Claim(ctx, "old-1", "w-1", base.Add(-2*time.Minute), base); !ok {
		t.Fatalf("claim old-1 failed")
	}
	if ok, _ := s.Claim(ctx, "old-2", "w-2", base.Add(-1*time.Minute), base); !ok {
		t.Fatalf("claim old-2 failed")
	}
	if ok, _ := s.Claim(ctx, "live", "w-3", base.Add(time.Hour), base); !ok {
		t.Fatalf("claim live failed")
	}

	ids, err := s.ScanExpiredLeases(ctx, base, 100)
	if err != nil {
		t.Fatalf("ScanExpiredLeases failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "old-1" || ids[1] != "old-2" {
		t.Fatalf("expired scan = %v, want [old-1 old-2]", ids)
	}

	// Limit applies.
	ids, err = s.ScanExpiredLeases(ctx, base, 1)
	if err != nil || len(ids) != 1 || ids[0] != "old-1" {
		t.Fatalf("limited scan = %v err=%v, want [old-1]", ids, err)
	}

	ok, err := s.ResetExpired(ctx, "old-1", base)
	if err != nil || !ok {
		t.Fatalf("ResetExpired: ok=%v err=%v", ok, err)
	}
	job, _ := s.GetJob(ctx, "old-1")
	if job.Status != models.StatusPending || job.ProcessingBy != nil || job.LeaseUntil != nil {
		t.Fatalf("reset row not pending with null lease: %+v", job)
	}

	// Second reset finds nothing expired.
	ok, err = s.ResetExpired(ctx, "old-1", base)
	if err != nil {
		t.Fatalf("second ResetExpired errored: %v", err)
	}
	if ok {
		t.Fatalf("second ResetExpired applied")
	}

	// A live lease is not resettable.
	ok, _ = s.ResetExpired(ctx, "live", base)
	if ok {
		t.Fatalf("ResetExpired applied to live lease")
	}
}

func TestRecoverAbandonedAndPendingIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	mustInsert(t, s, "a", "1", base.Add(-3*time.Second))
	mustInsert(t, s, "b", "2", base.Add(-2*time.Second))
	mustInsert(t, s, "c", "3", base.Add(-1*time.Second))

	// b was mid-flight when the previous process died; its lease is stale.
	if ok, _ := s.Claim(ctx, "b", "w-1", base.Add(-time.Minute), base.Add(-2*time.Second)); !ok {
		t.Fatalf("claim b failed")
	}
	if err := s.MarkProcessing(ctx, "b", base.Add(-2*time.Second)); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}
	// c finished; terminal rows are not recovery candidates.
	if ok, _ := s.Claim(ctx, "c", "w-2", base.Add(time.Hour), base.Add(-1*time.Second)); !ok {
		t.Fatalf("claim c failed")
	}
	if err := s.Complete(ctx, "c", 1, base); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	n, err := s.RecoverAbandoned(ctx, base)
	if err != nil {
		t.Fatalf("RecoverAbandoned failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("RecoverAbandoned reset %d rows, want 1", n)
	}

	job, _ := s.GetJob(ctx, "b")
	if job.Status != models.StatusPending || job.ProcessingBy != nil || job.LeaseUntil != nil {
		t.Fatalf("abandoned row not recovered: %+v", job)
	}

	ids, err := s.PendingIDs(ctx, 100)
	if err != nil {
		t.Fatalf("PendingIDs failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("PendingIDs = %v, want [a b] oldest first", ids)
	}
}

func TestScanStalePending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	mustInsert(t, s, "stale", "x", base.Add(-time.Hour))
	mustInsert(t, s, "fresh", "y", base)

	ids, err := s.ScanStalePending(ctx, base.Add(-30*time.Minute), 10)
	if err != nil {
		t.Fatalf("ScanStalePending failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "stale" {
		t.Fatalf("stale scan = %v, want [stale]", ids)
	}
}

func TestListViewsAndCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	mustInsert(t, s, "a", "1", base.Add(-2*time.Second))
	mustInsert(t, s, "b", "22", base.Add(-1*time.Second))
	mustInsert(t, s, "c", "333", base)
	if ok, _ := s.Claim(ctx, "a", "w-1", base.Add(time.Minute), base); !ok {
		t.Fatalf("claim failed")
	}
	if err := s.Complete(ctx, "a", 1, base); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	views, err := s.ListViews(ctx, 2)
	if err != nil {
		t.Fatalf("ListViews failed: %v", err)
	}
	if len(views) != 2 || views[0].ID != "c" || views[1].ID != "b" {
		t.Fatalf("ListViews order = %v, want newest first [c b]", viewIDs(views))
	}

	v, err := s.GetView(ctx, "a")
	if err != nil {
		t.Fatalf("GetView failed: %v", err)
	}
	if v.Status != models.StatusDone || v.Result == nil || *v.Result != 1 {
		t.Fatalf("view of done job: %+v", v)
	}
	if _, err := s.GetView(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetView(missing): got %v, want ErrNotFound", err)
	}

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if counts[models.StatusPending] != 2 || counts[models.StatusDone] != 1 {
		t.Fatalf("counts = %v, want pending=2 done=1", counts)
	}
}

func viewIDs(vs []models.View) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.ID)
	}
	return out
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
