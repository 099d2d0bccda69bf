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
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Task is a named long-running loop managed by the supervisor.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Supervisor runs tasks and restarts any that die, after a fixed
// backoff. A restarted task keeps its name, so a crashed worker comes
// back under the same label and its conditional updates line up with
// the rows it already owns. Restarts stop when ctx is done.
type Supervisor struct {
	tasks   []Task
	backoff time.Duration
	logger  *slog.Logger
}

// NewSupervisor constructs a Supervisor with the given restart backoff.
// A non-positive backoff falls back to one second.
func NewSupervisor(backoff time.Duration, logger *slog.Logger) *Supervisor {
	if backoff <= 0 {
		backoff = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		backoff: backoff,
		logger:  logger.With(slog.String("component", "supervisor")),
	}
}

// Add registers a task. Must be called before Run.
func (s *Supervisor) Add(name string, run func(ctx context.Context) error) {
	s.tasks = append(s.tasks, Task{Name: name, Run: run})
}

// Run supervises all registered tasks until ctx is done and every task
// has returned.
func (s *Supervisor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, task := range s.tasks {
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			s.supervise(ctx, task)
		}(task)
	}
	wg.Wait()
}

// supervise runs one task in a restart loop.
func (s *Supervisor) supervise(ctx context.Context, task Task) {
	for {
		err := runTask(ctx, task)

		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// A loop that returns nil while the context is live chose
			// to stop; respect that.
			s.logger.Info("task exited", slog.String("task", task.Name))
			return
		}

		s.logger.Error("task died; restarting",
			slog.String("task", task.Name),
			slog.Duration("backoff", s.backoff),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.backoff):
		}
	}
}

// runTask invokes the task, converting a panic into an error so one bad
// loop cannot take down the process.
func runTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
	}()
	return task.Run(ctx)
}
