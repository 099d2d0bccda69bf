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
	"log/slog"
	"time"

	"tally/internal/metrics"
)

// ReaperStore defines the persistence operations required by the reaper.
type ReaperStore interface {
	ScanExpiredLeases(ctx context.Context, now time.Time, limit int) ([]string, error)
	ResetExpired(ctx context.Context, id string, now time.Time) (bool, error)
	ScanStalePending(ctx context.Context, olderThan time.Time, limit int) ([]string, error)
}

// ReaperConfig controls the sweep cadence and batch size.
type ReaperConfig struct {
	// Interval between sweeps. Default 5s.
	Interval time.Duration

	// Batch caps ids handled per category per sweep. Default 100.
	Batch int

	// LeaseTTL is the staleness horizon for pending jobs that never
	// made it onto the queue. Default 30s.
	LeaseTTL time.Duration
}

// Reaper is the failure detector. Each sweep returns expired-lease jobs
// to pending and re-offers them, then re-offers pending jobs the queue
// dropped or lost. Every reset is conditional, so a reaper racing a
// live worker loses cleanly.
type Reaper struct {
	store  ReaperStore
	queue  Queue
	cfg    ReaperConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewReaper constructs a new Reaper. Zero config values fall back to
// defaults.
func NewReaper(store ReaperStore, queue Queue, cfg ReaperConfig, logger *slog.Logger) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		store:  store,
		queue:  queue,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "reaper")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps on a fixed interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Info("reaper started",
		slog.Duration("interval", r.cfg.Interval),
		slog.Int("batch", r.cfg.Batch))
	defer r.logger.Info("reaper stopped")

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

// runOnce performs a single sweep. Errors are logged and the sweep
// moves on; the next tick retries whatever was missed.
func (r *Reaper) runOnce(ctx context.Context) {
	now := r.now()

	expired, err := r.store.ScanExpiredLeases(ctx, now, r.cfg.Batch)
	if err != nil {
		r.logger.Error("scan expired leases failed", slog.String("error", err.Error()))
	}
	for _, id := range expired {
		applied, err := r.store.ResetExpired(ctx, id, r.now())
		if err != nil {
			r.logger.Error("reset expired failed", slog.String("job_id", id), slog.String("error", err.Error()))
			continue
		}
		if !applied {
			// Completed, failed, or re-leased between scan and reset.
			continue
		}
		metrics.IncReaped(metrics.ReapExpired)
		requeued := r.queue.TryOffer(id)
		r.logger.Warn("reaped expired lease",
			slog.String("job_id", id),
			slog.Bool("requeued", requeued))
	}

	stale, err := r.store.ScanStalePending(ctx, now.Add(-r.cfg.LeaseTTL), r.cfg.Batch)
	if err != nil {
		r.logger.Error("scan stale pending failed", slog.String("error", err.Error()))
		return
	}
	for _, id := range stale {
		if !r.queue.TryOffer(id) {
			// Queue is full; the job stays pending for the next sweep.
			continue
		}
		metrics.IncReaped(metrics.ReapStale)
		r.logger.Info("re-offered stale pending job", slog.String("job_id", id))
	}
}
