package api

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

// Package api implements the HTTP surface of the job service.
//
// Endpoints implemented in this file:
//   - POST /jobs              multipart upload, returns the new job id
//   - GET  /jobs              recent jobs, newest first
//   - GET  /jobs/{id}         full job view
//   - GET  /jobs/{id}/status  lifecycle snapshot for pollers
//   - GET  /jobs/{id}/result  the count, or why it is not ready
//   - GET  /healthz           liveness plus a store ping
//
// Error responses are a JSON object with a single "detail" field.
import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tally/internal/jobs"
	"tally/internal/store"
	"tally/pkg/models"
)

// multipartOverhead is slack on top of the upload limit for multipart
// boundaries and part headers, so a file exactly at the limit still
// parses.
const multipartOverhead = 64 << 10

// JobService defines the core operations the API needs.
// The jobs service (internal/jobs.Service) satisfies this interface.
type JobService interface {
	Submit(ctx context.Context, data []byte) (string, error)
	View(ctx context.Context, id string) (*models.View, error)
	ListRecent(ctx context.Context, limit int) ([]models.View, error)
	Healthy(ctx context.Context) error
}

// API is the HTTP layer for the job service.
type API struct {
	Jobs JobService

	// MaxUploadBytes bounds the accepted file size; larger uploads get
	// a 413.
	MaxUploadBytes int64

	// Logger is optional; if nil, the default slog logger is used.
	Logger *slog.Logger
}

// New constructs an API with its required dependencies.
func New(jobsSvc JobService, maxUploadBytes int64, logger *slog.Logger) *API {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 1 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		Jobs:           jobsSvc,
		MaxUploadBytes: maxUploadBytes,
		Logger:         logger,
	}
}

// Register attaches the API handlers to a mux under the expected routes.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/jobs", a.jobsHandler)
	mux.HandleFunc("/jobs/", a.jobByIDHandler)
	mux.HandleFunc("/healthz", a.healthzHandler)
}

// --------------- Models ---------------

// CreateJobResponse is returned for POST /jobs upon success (201).
type CreateJobResponse struct {
	JobID  string           `json:"job_id"`
	Status models.JobStatus `json:"status"`
}

// StatusResponse is returned for GET /jobs/{id}/status.
type StatusResponse struct {
	JobID        string           `json:"job_id"`
	Status       models.JobStatus `json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	ProcessingBy *string          `json:"processing_by,omitempty"`
	LeaseUntil   *time.Time       `json:"lease_until,omitempty"`
}

// ResultResponse is returned for GET /jobs/{id}/result once done.
type ResultResponse struct {
	JobID      string           `json:"job_id"`
	Status     models.JobStatus `json:"status"`
	Characters int64            `json:"characters"`
}

// ListJobsResponse is returned for GET /jobs.
type ListJobsResponse struct {
	Jobs []models.View `json:"jobs"`
}

// detailError is the error envelope for all non-2xx responses.
type detailError struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, detailError{Detail: detail})
}

// --------------- Routing ---------------

func (a *API) jobsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.handleCreateJob(w, r)
	case http.MethodGet:
		a.handleListJobs(w, r)
	default:
		writeDetail(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (a *API) jobByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeDetail(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	// Path format: /jobs/{id} or /jobs/{id}/{status|result}
	rest := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if rest == "" {
		writeDetail(w, http.StatusNotFound, "Job not found")
		return
	}
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeDetail(w, http.StatusNotFound, "Job not found")
		return
	}

	switch sub {
	case "":
		a.handleGetJob(w, r, id)
	case "status":
		a.handleGetStatus(w, r, id)
	case "result":
		a.handleGetResult(w, r, id)
	default:
		writeDetail(w, http.StatusNotFound, "Job not found")
	}
}

// --------------- POST /jobs ---------------

func (a *API) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, a.MaxUploadBytes+multipartOverhead)

	file, _, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeDetail(w, http.StatusRequestEntityTooLarge, "File is too large")
			return
		}
		writeDetail(w, http.StatusBadRequest, "Request must be multipart form data with a 'file' field")
		return
	}
	defer file.Close()

	// Read at most one byte past the limit; that is enough to reject.
	data, err := io.ReadAll(io.LimitReader(file, a.MaxUploadBytes+1))
	if err != nil {
		a.logger().Error("read upload failed", slog.String("error", err.Error()))
		writeDetail(w, http.StatusInternalServerError, "Failed to read upload")
		return
	}

	id, err := a.Jobs.Submit(ctx, data)
	switch {
	case err == nil:
	case errors.Is(err, jobs.ErrTextTooLarge):
		writeDetail(w, http.StatusRequestEntityTooLarge, "File is too large")
		return
	case errors.Is(err, jobs.ErrNotUTF8):
		writeDetail(w, http.StatusBadRequest, "File must be UTF-8 encoded text")
		return
	default:
		a.logger().Error("submit failed", slog.String("error", err.Error()))
		writeDetail(w, http.StatusInternalServerError, "Failed to create job")
		return
	}

	writeJSON(w, http.StatusCreated, CreateJobResponse{
		JobID:  id,
		Status: models.StatusPending,
	})
}

// --------------- GET /jobs ---------------

func (a *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeDetail(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	views, err := a.Jobs.ListRecent(r.Context(), limit)
	if err != nil {
		a.logger().Error("list jobs failed", slog.String("error", err.Error()))
		writeDetail(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}
	if views == nil {
		views = []models.View{}
	}
	writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: views})
}

// --------------- GET /jobs/{id} ---------------

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request, id string) {
	view, err := a.viewOr404(w, r.Context(), id)
	if view == nil || err != nil {
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// --------------- GET /jobs/{id}/status ---------------

func (a *API) handleGetStatus(w http.ResponseWriter, r *http.Request, id string) {
	view, err := a.viewOr404(w, r.Context(), id)
	if view == nil || err != nil {
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		JobID:        view.ID,
		Status:       view.Status,
		CreatedAt:    view.CreatedAt,
		UpdatedAt:    view.UpdatedAt,
		ProcessingBy: view.ProcessingBy,
		LeaseUntil:   view.LeaseUntil,
	})
}

// --------------- GET /jobs/{id}/result ---------------

func (a *API) handleGetResult(w http.ResponseWriter, r *http.Request, id string) {
	view, err := a.viewOr404(w, r.Context(), id)
	if view == nil || err != nil {
		return
	}

	switch {
	case view.Status == models.StatusFailed:
		errText := "unknown"
		if view.Error != nil && *view.Error != "" {
			errText = *view.Error
		}
		writeJSON(w, http.StatusConflict, map[string]any{
			"job_id":   view.ID,
			"status":   view.Status,
			"attempts": view.Attempts,
			"error":    errText,
		})
	case view.Status == models.StatusDone && view.Result != nil:
		writeJSON(w, http.StatusOK, ResultResponse{
			JobID:      view.ID,
			Status:     view.Status,
			Characters: *view.Result,
		})
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{
			"job_id": view.ID,
			"status": view.Status,
			"detail": "Result not ready",
		})
	}
}

// --------------- GET /healthz ---------------

func (a *API) healthzHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeDetail(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if err := a.Jobs.Healthy(r.Context()); err != nil {
		a.logger().Error("health check failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --------------- Helpers ---------------

// viewOr404 loads the view for id, writing the 404 or 500 itself when
// it cannot. Callers bail out on a nil view.
func (a *API) viewOr404(w http.ResponseWriter, ctx context.Context, id string) (*models.View, error) {
	view, err := a.Jobs.View(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeDetail(w, http.StatusNotFound, "Job not found")
			return nil, err
		}
		a.logger().Error("load job failed", slog.String("job_id", id), slog.String("error", err.Error()))
		writeDetail(w, http.StatusInternalServerError, "Failed to load job")
		return nil, err
	}
	return view, nil
}

func (a *API) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}
