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

// Package config loads the tally service configuration. Values are
// resolved in order: built-in defaults, then an optional YAML file,
// then environment variables. Command-line flags applied by the caller
// override all three.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the runtime configuration for the tally service.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr"`

	// DBPath is the SQLite database file path.
	DBPath string `yaml:"db_path"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// WorkerCount is the number of workers the supervisor launches.
	WorkerCount int `yaml:"worker_count"`

	// LeaseSeconds is the claim duration before the reaper may reclaim.
	LeaseSeconds int `yaml:"lease_seconds"`

	// ReaperInterval is the seconds between reaper sweeps.
	ReaperInterval int `yaml:"reaper_interval"`

	// Batch caps rows handled per reaper sweep.
	Batch int `yaml:"batch"`

	// MaxRetries is the retry cap before a job is marked failed.
	MaxRetries int `yaml:"max_retries"`

	// RestartBackoff is the delay before the supervisor relaunches a
	// crashed worker.
	RestartBackoff time.Duration `yaml:"restart_backoff"`

	// ShutdownGrace is the max seconds to wait for drain on shutdown.
	ShutdownGrace int `yaml:"shutdown_grace"`

	// MaxTextBytes is the upload size limit.
	MaxTextBytes int `yaml:"max_text_bytes"`

	// WorkDelayMS is the artificial delay before a job completes.
	WorkDelayMS int `yaml:"work_delay_ms"`

	// QueueCapacity bounds the in-memory dispatch queue.
	QueueCapacity int `yaml:"queue_capacity"`

	// Fault injection probabilities in [0,1], for robustness testing.
	FaultRate           float64 `yaml:"fault_rate"`
	CrashRate           float64 `yaml:"crash_rate"`
	FaultAfterClaimRate float64 `yaml:"fault_after_claim_rate"`
	FaultBeforeDoneRate float64 `yaml:"fault_before_done_rate"`

	// RateLimitRPS and RateLimitBurst shape the per-client API rate
	// limit. RPS <= 0 disables limiting.
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:           ":8080",
		DBPath:         "tally.db",
		LogLevel:       "info",
		WorkerCount:    1,
		LeaseSeconds:   30,
		ReaperInterval: 5,
		Batch:          100,
		MaxRetries:     3,
		RestartBackoff: time.Second,
		ShutdownGrace:  10,
		MaxTextBytes:   1 << 20,
		WorkDelayMS:    2000,
		QueueCapacity:  1024,
		RateLimitRPS:   50,
		RateLimitBurst: 100,
	}
}

// Load resolves the configuration: defaults, then the YAML file at
// path (if non-empty), then environment variables. The result is
// validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the configuration.
func (c *Config) applyEnv() error {
	if val := os.Getenv("ADDR"); val != "" {
		c.Addr = val
	}
	if val := os.Getenv("DB_PATH"); val != "" {
		c.DBPath = val
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.LogLevel = val
	}

	if val := os.Getenv("WORKER_COUNT"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid WORKER_COUNT: %w", err)
		}
		c.WorkerCount = n
	}
	if val := os.Getenv("LEASE_SECONDS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid LEASE_SECONDS: %w", err)
		}
		c.LeaseSeconds = n
	}
	if val := os.Getenv("REAPER_INTERVAL"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid REAPER_INTERVAL: %w", err)
		}
		c.ReaperInterval = n
	}
	if val := os.Getenv("BATCH"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid BATCH: %w", err)
		}
		c.Batch = n
	}
	if val := os.Getenv("MAX_RETRIES"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid MAX_RETRIES: %w", err)
		}
		c.MaxRetries = n
	}
	if val := os.Getenv("RESTART_BACKOFF"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid RESTART_BACKOFF: %w", err)
		}
		c.RestartBackoff = d
	}
	if val := os.Getenv("SHUTDOWN_GRACE"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid SHUTDOWN_GRACE: %w", err)
		}
		c.ShutdownGrace = n
	}
	if val := os.Getenv("MAX_TEXT_BYTES"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid MAX_TEXT_BYTES: %w", err)
		}
		c.MaxTextBytes = n
	}
	if val := os.Getenv("WORK_DELAY_MS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid WORK_DELAY_MS: %w", err)
		}
		c.WorkDelayMS = n
	}
	if val := os.Getenv("QUEUE_CAPACITY"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid QUEUE_CAPACITY: %w", err)
		}
		c.QueueCapacity = n
	}

	if val := os.Getenv("FAULT_RATE"); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("invalid FAULT_RATE: %w", err)
		}
		c.FaultRate = f
	}
	if val := os.Getenv("CRASH_RATE"); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("invalid CRASH_RATE: %w", err)
		}
		c.CrashRate = f
	}
	if val := os.Getenv("FAULT_AFTER_CLAIM_RATE"); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("invalid FAULT_AFTER_CLAIM_RATE: %w", err)
		}
		c.FaultAfterClaimRate = f
	}
	if val := os.Getenv("FAULT_BEFORE_DONE_RATE"); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("invalid FAULT_BEFORE_DONE_RATE: %w", err)
		}
		c.FaultBeforeDoneRate = f
	}

	if val := os.Getenv("RATE_LIMIT_RPS"); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("invalid RATE_LIMIT_RPS: %w", err)
		}
		c.RateLimitRPS = f
	}
	if val := os.Getenv("RATE_LIMIT_BURST"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid RATE_LIMIT_BURST: %w", err)
		}
		c.RateLimitBurst = n
	}

	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("ADDR cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1")
	}
	if c.LeaseSeconds < 1 {
		return fmt.Errorf("LEASE_SECONDS must be at least 1")
	}
	if c.ReaperInterval < 1 {
		return fmt.Errorf("REAPER_INTERVAL must be at least 1")
	}
	if c.Batch < 1 {
		return fmt.Errorf("BATCH must be at least 1")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES cannot be negative")
	}
	if c.RestartBackoff <= 0 {
		return fmt.Errorf("RESTART_BACKOFF must be positive")
	}
	if c.ShutdownGrace < 0 {
		return fmt.Errorf("SHUTDOWN_GRACE cannot be negative")
	}
	if c.MaxTextBytes < 1 {
		return fmt.Errorf("MAX_TEXT_BYTES must be at least 1")
	}
	if c.WorkDelayMS < 0 {
		return fmt.Errorf("WORK_DELAY_MS cannot be negative")
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("QUEUE_CAPACITY must be at least 1")
	}
	for name, rate := range map[string]float64{
		"FAULT_RATE":             c.FaultRate,
		"CRASH_RATE":             c.CrashRate,
		"FAULT_AFTER_CLAIM_RATE": c.FaultAfterClaimRate,
		"FAULT_BEFORE_DONE_RATE": c.FaultBeforeDoneRate,
	} {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("%s must be within [0,1]", name)
		}
	}
	return nil
}

// Lease returns the lease duration.
func (c *Config) Lease() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// ReaperEvery returns the reaper sweep interval.
func (c *Config) ReaperEvery() time.Duration {
	return time.Duration(c.ReaperInterval) * time.Second
}

// WorkDelay returns the artificial transform latency.
func (c *Config) WorkDelay() time.Duration {
	return time.Duration(c.WorkDelayMS) * time.Millisecond
}

// ShutdownTimeout returns the drain deadline.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownGrace) * time.Second
}
