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

// Package queue holds the bounded in-memory dispatch hint for runnable
// job ids. The store is the source of truth: a lost entry is repaired by
// the reaper, and a duplicate entry is harmless because the store's
// Claim admits exactly one winner. Nothing here persists or blocks a
// producer.
package queue

import "context"

// DefaultCapacity bounds the queue when the caller passes no capacity.
const DefaultCapacity = 1024

// Queue is a FIFO of job ids with a fixed capacity.
type Queue struct {
	ch chan string
}

// New returns a queue holding at most capacity ids. Non-positive
// capacities fall back to DefaultCapacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{ch: make(chan string, capacity)}
}

// TryOffer enqueues id without blocking and reports whether it fit.
// Callers treat false as "the reaper will get to it", not as an error.
func (q *Queue) TryOffer(id string) bool {
	select {
	case q.ch <- id:
		return true
	default:
		return false
	}
}

// Take blocks until an id is available or ctx is done.
func (q *Queue) Take(ctx context.Context) (string, error) {
	select {
	case id := <-q.ch:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Len returns the number of ids currently queued.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the fixed capacity.
func (q *Queue) Cap() int { return cap(q.ch) }
