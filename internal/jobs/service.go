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

// Package jobs implements the durable execution core: the submission
// service, the claim-and-count workers, the lease reaper, and the
// supervisor that keeps all of them running.
//
// The store is the single source of truth. The in-memory queue is only
// a hint of what might be runnable; every transition of consequence is
// a conditional store write, so lost hints, duplicate hints, worker
// crashes, and process restarts converge to the same terminal states.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"

	"tally/internal/metrics"
	"tally/pkg/models"
)

var (
	// ErrTextTooLarge rejects submissions over the configured byte cap.
	ErrTextTooLarge = errors.New("text too large")
	// ErrNotUTF8 rejects submissions that are not well-formed UTF-8.
	ErrNotUTF8 = errors.New("text is not valid UTF-8")
)

// CountChars returns the length of text in Unicode code points. This is
// the transform every job computes; "héllo🌍" counts 6, not its 10
// bytes. Deterministic and idempotent, so duplicate executions after a
// lost lease are harmless.
func CountChars(text string) int {
	return utf8.RuneCountInString(text)
}

// Queue is the dispatch hint shared by the service, workers, and reaper.
type Queue interface {
	TryOffer(id string) bool
	Take(ctx context.Context) (string, error)
	Len() int
	Cap() int
}

// ServiceStore defines the persistence operations required by the
// submission service.
type ServiceStore interface {
	Insert(ctx context.Context, id, text string, now time.Time) error
	GetView(ctx context.Context, id string) (*models.View, error)
	ListViews(ctx context.Context, limit int) ([]models.View, error)
	RecoverAbandoned(ctx context.Context, now time.Time) (int64, error)
	PendingIDs(ctx context.Context, limit int) ([]string, error)
	CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error)
	Ping(ctx context.Context) error
}

// ServiceConfig controls submission limits and the view cache.
type ServiceConfig struct {
	// MaxTextBytes caps the submitted payload size. Default 1 MiB.
	MaxTextBytes int
	// CacheSize bounds the terminal view cache. Default 1024 entries.
	CacheSize int
}

// Service accepts submissions, answers status queries, and performs
// boot-time recovery. It is the only path between the HTTP adapter and
// the durable core.
type Service struct {
	store  ServiceStore
	queue  Queue
	cfg    ServiceConfig
	logger *slog.Logger
	now    func() time.Time

	// Terminal views never change again (done and failed are absorbing
	// states), so caching them is sound and spares the store the
	// polling traffic of clients waiting on finished jobs.
	cache *lru.Cache[string, *models.View]
}

// NewService constructs a Service. Config zero values fall back to
// defaults.
func NewService(store ServiceStore, queue Queue, cfg ServiceConfig, logger *slog.Logger) (*Service, error) {
	if cfg.MaxTextBytes <= 0 {
		cfg.MaxTextBytes = 1 << 20
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	cache, err := lru.New[string, *models.View](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("view cache: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		queue:  queue,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		cache:  cache,
	}, nil
}

// Submit validates data, persists a pending job, and offers its id to
// the queue. The insert commits before the offer: a full queue or a
// crash right here leaves a pending row the reaper will re-offer.
func (s *Service) Submit(ctx context.Context, data []byte) (string, error) {
	if len(data) > s.cfg.MaxTextBytes {
		return "", fmt.Errorf("%w: %d bytes over limit %d", ErrTextTooLarge, len(data), s.cfg.MaxTextBytes)
	}
	if !utf8.Valid(data) {
		return "", ErrNotUTF8
	}

	id := models.NewJobID()
	if err := s.store.Insert(ctx, id, string(data), s.now()); err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	metrics.IncSubmitted()

	if !s.queue.TryOffer(id) {
		s.logger.Warn("queue full on submit; job stays pending until reaper re-offers",
			slog.String("job_id", id))
	}
	return id, nil
}

// View returns the client-facing projection of a job, serving terminal
// rows from the cache when possible.
func (s *Service) View(ctx context.Context, id string) (*models.View, error) {
	if v, ok := s.cache.Get(id); ok {
		return v, nil
	}
	v, err := s.store.GetView(ctx, id)
	if err != nil {
		return nil, err
	}
	if v.Status.IsTerminal() {
		s.cache.Add(id, v)
	}
	return v, nil
}

// ListRecent returns the most recently created jobs, newest first.
func (s *Service) ListRecent(ctx context.Context, limit int) ([]models.View, error) {
	return s.store.ListViews(ctx, limit)
}

// Healthy reports whether the store is reachable.
func (s *Service) Healthy(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Recover repairs state left behind by a previous process: rows stuck
// in started or processing with no live lease go back to pending, and
// every pending row is offered to the fresh, empty queue. Runs once at
// boot, before the workers start.
func (s *Service) Recover(ctx context.Context) error {
	n, err := s.store.RecoverAbandoned(ctx, s.now())
	if err != nil {
		return fmt.Errorf("recover abandoned: %w", err)
	}
	if n > 0 {
		s.logger.Info("recovered abandoned jobs", slog.Int64("count", n))
	}

	ids, err := s.store.PendingIDs(ctx, s.queue.Cap())
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	offered := 0
	for _, id := range ids {
		if s.queue.TryOffer(id) {
			offered++
		}
	}
	if len(ids) > 0 {
		s.logger.Info("re-enqueued pending jobs",
			slog.Int("pending", len(ids)), slog.Int("offered", offered))
	}
	return nil
}

// RunMetricsPoller publishes queue depth and per-status job counts on a
// fixed cadence until ctx is done. Run as a supervised task.
func (s *Service) RunMetricsPoller(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		metrics.SetQueueDepth(s.queue.Len())
		counts, err := s.store.CountByStatus(ctx)
		if err != nil {
			s.logger.Warn("status count poll failed", slog.String("error", err.Error()))
			continue
		}
		for _, st := range []models.JobStatus{
			models.StatusPending, models.StatusStarted, models.StatusProcessing,
			models.StatusDone, models.StatusFailed,
		} {
			metrics.SetJobsByStatus(st.String(), counts[st])
		}
	}
}
