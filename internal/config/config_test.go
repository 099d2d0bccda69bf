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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Addr != ":8080" {
		t.Errorf("unexpected default addr: %s", cfg.Addr)
	}
	if cfg.DBPath != "tally.db" {
		t.Errorf("unexpected default db path: %s", cfg.DBPath)
	}
	if cfg.WorkerCount != 1 {
		t.Errorf("unexpected default worker count: %d", cfg.WorkerCount)
	}
	if cfg.LeaseSeconds != 30 {
		t.Errorf("unexpected default lease seconds: %d", cfg.LeaseSeconds)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("unexpected default max retries: %d", cfg.MaxRetries)
	}
	if cfg.RestartBackoff != time.Second {
		t.Errorf("unexpected default restart backoff: %v", cfg.RestartBackoff)
	}
	if cfg.MaxTextBytes != 1<<20 {
		t.Errorf("unexpected default max text bytes: %d", cfg.MaxTextBytes)
	}
	if cfg.FaultRate != 0 || cfg.CrashRate != 0 {
		t.Error("expected fault injection to be off by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		check   func(*testing.T, Config)
		wantErr bool
	}{
		{
			name:    "default config when no env vars set",
			envVars: map[string]string{},
			check: func(t *testing.T, cfg Config) {
				if cfg.WorkerCount != 1 {
					t.Errorf("unexpected worker count: %d", cfg.WorkerCount)
				}
				if cfg.WorkDelayMS != 2000 {
					t.Errorf("unexpected work delay: %d", cfg.WorkDelayMS)
				}
			},
			wantErr: false,
		},
		{
			name: "custom worker count",
			envVars: map[string]string{
				"WORKER_COUNT": "4",
			},
			check: func(t *testing.T, cfg Config) {
				if cfg.WorkerCount != 4 {
					t.Errorf("unexpected worker count: %d", cfg.WorkerCount)
				}
			},
			wantErr: false,
		},
		{
			name: "custom restart backoff",
			envVars: map[string]string{
				"RESTART_BACKOFF": "250ms",
			},
			check: func(t *testing.T, cfg Config) {
				if cfg.RestartBackoff != 250*time.Millisecond {
					t.Errorf("unexpected restart backoff: %v", cfg.RestartBackoff)
				}
			},
			wantErr: false,
		},
		{
			name: "lease and reaper intervals",
			envVars: map[string]string{
				"LEASE_SECONDS":   "5",
				"REAPER_INTERVAL": "1",
			},
			check: func(t *testing.T, cfg Config) {
				if cfg.Lease() != 5*time.Second {
					t.Errorf("unexpected lease: %v", cfg.Lease())
				}
				if cfg.ReaperEvery() != time.Second {
					t.Errorf("unexpected reaper interval: %v", cfg.ReaperEvery())
				}
			},
			wantErr: false,
		},
		{
			name: "fault injection rates",
			envVars: map[string]string{
				"FAULT_RATE":             "0.25",
				"CRASH_RATE":             "0.1",
				"FAULT_AFTER_CLAIM_RATE": "1",
			},
			check: func(t *testing.T, cfg Config) {
				if cfg.FaultRate != 0.25 {
					t.Errorf("unexpected fault rate: %v", cfg.FaultRate)
				}
				if cfg.CrashRate != 0.1 {
					t.Errorf("unexpected crash rate: %v", cfg.CrashRate)
				}
				if cfg.FaultAfterClaimRate != 1 {
					t.Errorf("unexpected after-claim rate: %v", cfg.FaultAfterClaimRate)
				}
			},
			wantErr: false,
		},
		{
			name: "invalid worker count",
			envVars: map[string]string{
				"WORKER_COUNT": "many",
			},
			check:   func(t *testing.T, cfg Config) {},
			wantErr: true,
		},
		{
			name: "worker count out of range",
			envVars: map[string]string{
				"WORKER_COUNT": "0",
			},
			check:   func(t *testing.T, cfg Config) {},
			wantErr: true,
		},
		{
			name: "invalid restart backoff",
			envVars: map[string]string{
				"RESTART_BACKOFF": "later",
			},
			check:   func(t *testing.T, cfg Config) {},
			wantErr: true,
		},
		{
			name: "fault rate out of range",
			envVars: map[string]string{
				"FAULT_RATE": "1.5",
			},
			check:   func(t *testing.T, cfg Config) {},
			wantErr: true,
		},
		{
			name: "lease seconds out of range",
			envVars: map[string]string{
				"LEASE_SECONDS": "0",
			},
			check:   func(t *testing.T, cfg Config) {},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := Load("")

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error but got none")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			tt.check(t, cfg)
		})
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tally.yaml")
	data := []byte("addr: \":9090\"\nworker_count: 3\nlease_seconds: 10\nwork_delay_ms: 0\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Addr != ":9090" {
		t.Errorf("unexpected addr: %s", cfg.Addr)
	}
	if cfg.WorkerCount != 3 {
		t.Errorf("unexpected worker count: %d", cfg.WorkerCount)
	}
	if cfg.WorkDelayMS != 0 {
		t.Errorf("unexpected work delay: %d", cfg.WorkDelayMS)
	}
	// Values the file does not mention keep their defaults.
	if cfg.MaxRetries != 3 {
		t.Errorf("unexpected max retries: %d", cfg.MaxRetries)
	}
}

func TestEnvOverridesYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tally.yaml")
	if err := os.WriteFile(path, []byte("worker_count: 3\n"), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("WORKER_COUNT", "8")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.WorkerCount != 8 {
		t.Errorf("env should override file, got worker count %d", cfg.WorkerCount)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tally.yaml")
	if err := os.WriteFile(path, []byte("worker_count: [oops\n"), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "empty addr",
			mutate:  func(c *Config) { c.Addr = "" },
			wantErr: true,
		},
		{
			name:    "empty db path",
			mutate:  func(c *Config) { c.DBPath = "" },
			wantErr: true,
		},
		{
			name:    "zero batch",
			mutate:  func(c *Config) { c.Batch = 0 },
			wantErr: true,
		},
		{
			name:    "negative max retries",
			mutate:  func(c *Config) { c.MaxRetries = -1 },
			wantErr: true,
		},
		{
			name:    "zero retries allowed",
			mutate:  func(c *Config) { c.MaxRetries = 0 },
			wantErr: false,
		},
		{
			name:    "zero shutdown grace allowed",
			mutate:  func(c *Config) { c.ShutdownGrace = 0 },
			wantErr: false,
		},
		{
			name:    "negative crash rate",
			mutate:  func(c *Config) { c.CrashRate = -0.1 },
			wantErr: true,
		},
		{
			name:    "queue capacity zero",
			mutate:  func(c *Config) { c.QueueCapacity = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)

			err := cfg.Validate()

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error but got none")
				}
			} else {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			}
		})
	}
}
