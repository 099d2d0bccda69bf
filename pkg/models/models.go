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

// Package models contains shared data models and constants used by the
// tally API, workers, and tests.
package models

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a counting job.
// Transitions only ever move forward:
// pending → started → processing → {done|failed},
// with a failed attempt looping back to pending until retries run out.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusStarted    JobStatus = "started"
	StatusProcessing JobStatus = "processing"
	StatusDone       JobStatus = "done"
	StatusFailed     JobStatus = "failed"
)

// Valid reports whether the status is one of the allowed states.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusStarted, StatusProcessing, StatusDone, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is a terminal state (done or
// failed). Terminal rows never transition again and are safe to cache.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusDone, StatusFailed:
		return true
	default:
		return false
	}
}

// String returns the string value of the JobStatus.
func (s JobStatus) String() string { return string(s) }

// Job represents a single counting request and its lifecycle.
// The text column holds the submitted payload verbatim; it is persisted
// before the job is ever visible to a worker, so a crash between accept
// and first claim loses nothing.
type Job struct {
	ID           string     `json:"job_id" db:"id"`
	Status       JobStatus  `json:"status" db:"status"`
	Text         string     `json:"-" db:"text"`
	ResultChars  *int64     `json:"result,omitempty" db:"result_chars"`
	Attempts     int        `json:"attempts" db:"attempts"`
	LastError    *string    `json:"error,omitempty" db:"last_error"`
	ProcessingBy *string    `json:"processing_by,omitempty" db:"processing_by"`
	LeaseUntil   *time.Time `json:"lease_until,omitempty" db:"lease_until"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// View is the client-facing projection of a Job. It omits the submitted
// text, which can be up to a mebibyte per row. The lease columns are
// included so pollers can see which worker holds a job and until when.
type View struct {
	ID           string     `json:"job_id" db:"id"`
	Status       JobStatus  `json:"status" db:"status"`
	Result       *int64     `json:"result,omitempty" db:"result_chars"`
	Error        *string    `json:"error,omitempty" db:"last_error"`
	Attempts     int        `json:"attempts" db:"attempts"`
	ProcessingBy *string    `json:"processing_by,omitempty" db:"processing_by"`
	LeaseUntil   *time.Time `json:"lease_until,omitempty" db:"lease_until"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// NewJobID returns a fresh job identifier: 32 lowercase hex characters
// (a v4 UUID without dashes).
func NewJobID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// NewJob constructs a new Job with a fresh ID, pending status, and UTC
// timestamps.
func NewJob(text string) Job {
	now := time.Now().UTC()
	return Job{
		ID:        NewJobID(),
		Status:    StatusPending,
		Text:      text,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
