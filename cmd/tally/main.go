package main

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
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tally/internal/api"
	"tally/internal/config"
	"tally/internal/jobs"
	"tally/internal/logging"
	"tally/internal/metrics"
	"tally/internal/middleware"
	"tally/internal/queue"
	"tally/internal/store"
)

// metricsPollInterval is how often gauge metrics are refreshed from
// the store.
const metricsPollInterval = 10 * time.Second

// parseConfig resolves the configuration from defaults, the optional
// YAML file, environment variables, and finally command-line flags.
func parseConfig() (config.Config, error) {
	configPath := flag.String("config", "", "Path to YAML config file")
	addr := flag.String("addr", "", "HTTP listen address (env ADDR)")
	dbPath := flag.String("db", "", "SQLite DB path (env DB_PATH)")
	workers := flag.Int("workers", 0, "Worker count (env WORKER_COUNT)")
	logLevel := flag.String("log-level", "", "Log level: debug|info|warn|error (env LOG_LEVEL)")
	workDelay := flag.Int("work-delay-ms", -1, "Artificial work delay in ms (env WORK_DELAY_MS)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return cfg, err
	}

	// Only flags the caller actually passed override the resolved
	// configuration.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = *addr
		case "db":
			cfg.DBPath = *dbPath
		case "workers":
			cfg.WorkerCount = *workers
		case "log-level":
			cfg.LogLevel = *logLevel
		case "work-delay-ms":
			cfg.WorkDelayMS = *workDelay
		}
	})

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func logConfig(logger *slog.Logger, cfg config.Config) {
	logger.Info("tally configuration",
		"addr", cfg.Addr,
		"db", cfg.DBPath,
		"workers", cfg.WorkerCount,
		"lease_seconds", cfg.LeaseSeconds,
		"reaper_interval", cfg.ReaperInterval,
		"batch", cfg.Batch,
		"max_retries", cfg.MaxRetries,
		"restart_backoff", cfg.RestartBackoff,
		"shutdown_grace", cfg.ShutdownGrace,
		"max_text_bytes", cfg.MaxTextBytes,
		"work_delay_ms", cfg.WorkDelayMS,
		"queue_capacity", cfg.QueueCapacity,
		"fault_rate", cfg.FaultRate,
		"crash_rate", cfg.CrashRate,
		"log_level", cfg.LogLevel,
	)
}

// newMux assembles the route table: the jobs API, the Prometheus
// endpoint, and a root banner that doubles as the catch-all 404.
func newMux(ap *api.API) *http.ServeMux {
	mux := http.NewServeMux()
	ap.Register(mux)
	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path != "/" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"detail": "Not Found"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"name":   "tally",
			"status": "ok",
		})
	})

	return mux
}

func run() error {
	cfg, err := parseConfig()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)
	logConfig(logger, cfg)

	st, err := store.Open(context.Background(), cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	q := queue.New(cfg.QueueCapacity)

	svc, err := jobs.NewService(st, q, jobs.ServiceConfig{
		MaxTextBytes: cfg.MaxTextBytes,
	}, logger)
	if err != nil {
		return fmt.Errorf("build job service: %w", err)
	}

	// Boot recovery: release leases orphaned by a previous hard stop
	// and re-offer every pending row before workers start.
	if err := svc.Recover(context.Background()); err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}

	sup := jobs.NewSupervisor(cfg.RestartBackoff, logger)
	for i := 0; i < cfg.WorkerCount; i++ {
		label := fmt.Sprintf("w-%d", i+1)
		w := jobs.NewWorker(st, q, jobs.WorkerConfig{
			Label:               label,
			LeaseTTL:            cfg.Lease(),
			MaxRetries:          cfg.MaxRetries,
			WorkDelay:           cfg.WorkDelay(),
			CrashRate:           cfg.CrashRate,
			FaultAfterClaimRate: cfg.FaultAfterClaimRate,
			FaultRate:           cfg.FaultRate,
			FaultBeforeDoneRate: cfg.FaultBeforeDoneRate,
		}, logger)
		sup.Add(label, w.Run)
	}

	rp := jobs.NewReaper(st, q, jobs.ReaperConfig{
		Interval: cfg.ReaperEvery(),
		Batch:    cfg.Batch,
		LeaseTTL: cfg.Lease(),
	}, logger)
	sup.Add("reaper", rp.Run)

	sup.Add("metrics-poller", func(ctx context.Context) error {
		return svc.RunMetricsPoller(ctx, metricsPollInterval)
	})

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	supDone := make(chan struct{})
	go func() {
		sup.Run(bgCtx)
		close(supDone)
	}()

	var handler http.Handler = newMux(api.New(svc, int64(cfg.MaxTextBytes), logger))
	handler = middleware.SecurityHeaders(middleware.DefaultSecurityHeadersConfig())(handler)

	var limiter *middleware.RateLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = middleware.NewRateLimiter(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateLimitBurst,
			Logger:            logger,
		})
		defer limiter.Stop()
		handler = limiter.Middleware(handler)
	}

	handler = middleware.RequestLogger(logger)(handler)
	handler = middleware.CorrelationID(handler)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server failed", "error", err)
	}

	// Stop intake first, then cancel background tasks and give
	// in-flight jobs until the grace deadline to finish. Jobs cut off
	// here are recovered from their leases on the next boot.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}

	bgCancel()
	select {
	case <-supDone:
		logger.Info("background tasks drained")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown grace expired with tasks still running")
	}

	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tally: %v\n", err)
		os.Exit(1)
	}
}
