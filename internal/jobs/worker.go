package jobs

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

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"tally/internal/metrics"
)

// ErrSimulatedCrash aborts a worker loop abruptly while it owns a
// lease. The supervisor restarts the worker; the orphaned job sits on
// its lease until the reaper reclaims it. Used to exercise the recovery
// path end to end.
var ErrSimulatedCrash = errors.New("simulated crash")

// errLeaseLost marks an execution whose lease was taken away mid-job.
// The new owner carries the accounting from here, so the loser must not
// touch attempts or status.
var errLeaseLost = errors.New("lease lost")

// WorkerStore defines the persistence operations required by a worker.
type WorkerStore interface {
	Claim(ctx context.Context, id, workerLabel string, leaseUntil, now time.Time) (bool, error)
	MarkProcessing(ctx context.Context, id string, now time.Time) error
	ExtendLease(ctx context.Context, id, workerLabel string, newLeaseUntil, now time.Time) (bool, error)
	FetchText(ctx context.Context, id string) (string, error)
	Attempts(ctx context.Context, id string) (int, error)
	Complete(ctx context.Context, id string, resultChars int, now time.Time) error
	RecordRetry(ctx context.Context, id, errText string, now time.Time) error
	RecordFailed(ctx context.Context, id, errText string, now time.Time) error
}

// WorkerConfig controls leasing, retries, and the fault injection knobs.
type WorkerConfig struct {
	// Label is the stable worker identity recorded in processing_by
	// (w-1, w-2, ...). Survives supervisor restarts.
	Label string

	// LeaseTTL is the claim duration; must exceed the worst expected
	// transform latency. Default 30s.
	LeaseTTL time.Duration

	// MaxRetries caps failed executions before a job is marked failed.
	// Default 3.
	MaxRetries int

	// WorkDelay is the artificial transform latency. Zero disables it.
	WorkDelay time.Duration

	// Fault injection probabilities in [0,1], all default 0. CrashRate
	// kills the worker loop itself; the other three inject an error at
	// a specific step of the execution.
	CrashRate           float64
	FaultAfterClaimRate float64
	FaultRate           float64
	FaultBeforeDoneRate float64
}

// Worker drains the queue: take an id, claim it, count its text, and
// write the outcome. All error accounting happens inside the loop; the
// only error that ever escapes Run is a simulated crash.
type Worker struct {
	store  WorkerStore
	queue  Queue
	cfg    WorkerConfig
	logger *slog.Logger
	now    func() time.Time
	randFn func() float64
}

// NewWorker constructs a new Worker. Zero config values fall back to
// defaults; fault rates are clamped to [0,1].
func NewWorker(store WorkerStore, queue Queue, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.Label == "" {
		cfg.Label = "w-1"
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.WorkDelay < 0 {
		cfg.WorkDelay = 0
	}
	cfg.CrashRate = clampRate(cfg.CrashRate)
	cfg.FaultAfterClaimRate = clampRate(cfg.FaultAfterClaimRate)
	cfg.FaultRate = clampRate(cfg.FaultRate)
	cfg.FaultBeforeDoneRate = clampRate(cfg.FaultBeforeDoneRate)

	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:  store,
		queue:  queue,
		cfg:    cfg,
		logger: logger.With(slog.String("worker", cfg.Label)),
		now:    func() time.Time { return time.Now().UTC() },
		randFn: rand.Float64,
	}
}

// Run takes ids from the queue and processes them until ctx is done.
// Returns nil on graceful shutdown; a simulated crash escapes as an
// error for the supervisor to handle.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		slog.Duration("lease_ttl", w.cfg.LeaseTTL),
		slog.Int("max_retries", w.cfg.MaxRetries))
	defer w.logger.Info("worker stopped")

	for {
		id, err := w.queue.Take(ctx)
		if err != nil {
			return nil
		}
		// Store writes for the in-flight job must land even when
		// shutdown starts mid-execution; anything cut off by a hard
		// exit is recovered from the lease at next boot.
		if err := w.processOne(context.WithoutCancel(ctx), id); err != nil {
			return err
		}
	}
}

// processOne runs the full claim-to-outcome cycle for one id. Only a
// simulated crash is returned; every real error ends in RecordRetry or
// RecordFailed.
func (w *Worker) processOne(ctx context.Context, id string) error {
	now := w.now()
	won, err := w.store.Claim(ctx, id, w.cfg.Label, now.Add(w.cfg.LeaseTTL), now)
	if err != nil {
		// The id is still pending in the store; the reaper re-offers it.
		w.logger.Warn("claim errored", slog.String("job_id", id), slog.String("error", err.Error()))
		return nil
	}
	metrics.IncClaim(won)
	if !won {
		// Another worker owns it, it is terminal, or the reaper is
		// cycling it. Nothing to do.
		w.logger.Debug("claim lost", slog.String("job_id", id))
		return nil
	}

	if w.roll(w.cfg.CrashRate) {
		w.logger.Error("simulated crash while owning job", slog.String("job_id", id))
		return fmt.Errorf("%w: holding job %s", ErrSimulatedCrash, id)
	}

	start := w.now()
	execErr := w.execute(ctx, id)
	metrics.ObserveProcess(w.now().Sub(start))

	switch {
	case execErr == nil:
	case errors.Is(execErr, errLeaseLost):
		w.logger.Warn("lease lost mid-execution; abandoning job", slog.String("job_id", id))
	default:
		w.finalizeError(ctx, id, execErr)
	}
	return nil
}

// execute performs steps three through seven: mark processing, fetch,
// count, delay, complete. Any returned error is charged against the
// job's retry budget by the caller, except errLeaseLost.
func (w *Worker) execute(ctx context.Context, id string) error {
	if w.roll(w.cfg.FaultAfterClaimRate) {
		return errors.New("injected fault: after claim")
	}

	if err := w.store.MarkProcessing(ctx, id, w.now()); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	if w.roll(w.cfg.FaultRate) {
		return errors.New("injected fault: during processing")
	}

	text, err := w.store.FetchText(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch text: %w", err)
	}

	if err := w.workDelay(ctx, id); err != nil {
		return err
	}

	chars := CountChars(text)

	if w.roll(w.cfg.FaultBeforeDoneRate) {
		return errors.New("injected fault: before done")
	}

	if err := w.store.Complete(ctx, id, chars, w.now()); err != nil {
		// The lease expired during the delay and someone else finished
		// or reset the job. Their outcome stands.
		return fmt.Errorf("%w: complete refused: %v", errLeaseLost, err)
	}
	metrics.IncCompleted()
	w.logger.Info("job done", slog.String("job_id", id), slog.Int("chars", chars))
	return nil
}

// workDelay simulates transform latency. A delay long enough to
// threaten the lease extends it first, so slow work does not race the
// reaper by default.
func (w *Worker) workDelay(ctx context.Context, id string) error {
	delay := w.cfg.WorkDelay
	if delay <= 0 {
		return nil
	}

	if delay >= w.cfg.LeaseTTL/2 {
		now := w.now()
		ok, err := w.store.ExtendLease(ctx, id, w.cfg.Label, now.Add(delay+w.cfg.LeaseTTL), now)
		if err != nil {
			return fmt.Errorf("extend lease: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: extension refused", errLeaseLost)
		}
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("work delay interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// finalizeError converts an execution error into a retry or a permanent
// failure. The branch reads the attempts already on the row: below the
// cap the failure is counted and the job re-offered; at the cap the job
// is closed without another increment, so a permanently failed row
// shows exactly MaxRetries attempts.
func (w *Worker) finalizeError(ctx context.Context, id string, cause error) {
	attempts, err := w.store.Attempts(ctx, id)
	if err != nil {
		w.logger.Error("read attempts failed; leaving job to the reaper",
			slog.String("job_id", id), slog.String("error", err.Error()))
		return
	}

	if attempts < w.cfg.MaxRetries {
		if err := w.store.RecordRetry(ctx, id, cause.Error(), w.now()); err != nil {
			w.logger.Error("record retry failed", slog.String("job_id", id), slog.String("error", err.Error()))
			return
		}
		metrics.IncRetried()
		requeued := w.queue.TryOffer(id)
		w.logger.Warn("job failed; retrying",
			slog.String("job_id", id),
			slog.Int("attempts", attempts+1),
			slog.Int("max_retries", w.cfg.MaxRetries),
			slog.Bool("requeued", requeued),
			slog.String("error", cause.Error()))
		return
	}

	if err := w.store.RecordFailed(ctx, id, cause.Error(), w.now()); err != nil {
		w.logger.Error("record failed failed", slog.String("job_id", id), slog.String("error", err.Error()))
		return
	}
	metrics.IncFailed()
	w.logger.Error("job failed permanently",
		slog.String("job_id", id),
		slog.Int("attempts", attempts),
		slog.String("error", cause.Error()))
}

func (w *Worker) roll(p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return w.randFn() < p
}

func clampRate(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
