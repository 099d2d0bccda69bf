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

package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobsSubmitted  prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsFailed     prometheus.Counter
	jobsRetried    prometheus.Counter
	jobsReaped     *prometheus.CounterVec
	claims         *prometheus.CounterVec
	processSeconds prometheus.Histogram
	queueDepth     prometheus.Gauge
	jobsByStatus   *prometheus.GaugeVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
)

// Claim outcomes.
const (
	ClaimWon  = "won"
	ClaimLost = "lost"
)

// Reaper reset reasons.
const (
	ReapExpired = "expired"
	ReapStale   = "stale"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncSubmitted counts an accepted job submission.
func IncSubmitted() {
	mu.RLock()
	defer mu.RUnlock()
	if jobsSubmitted != nil {
		jobsSubmitted.Inc()
	}
}

// IncCompleted counts a job reaching done.
func IncCompleted() {
	mu.RLock()
	defer mu.RUnlock()
	if jobsCompleted != nil {
		jobsCompleted.Inc()
	}
}

// IncFailed counts a job reaching failed with its retry budget spent.
func IncFailed() {
	mu.RLock()
	defer mu.RUnlock()
	if jobsFailed != nil {
		jobsFailed.Inc()
	}
}

// IncRetried counts a failed execution that went back to pending.
func IncRetried() {
	mu.RLock()
	defer mu.RUnlock()
	if jobsRetried != nil {
		jobsRetried.Inc()
	}
}

// IncReaped counts a job the reaper returned to pending; reason is one
// of ReapExpired or ReapStale.
func IncReaped(reason string) {
	mu.RLock()
	defer mu.RUnlock()
	if jobsReaped != nil {
		jobsReaped.WithLabelValues(sanitizeLabel(reason, "unknown")).Inc()
	}
}

// IncClaim counts a claim attempt by its outcome.
func IncClaim(won bool) {
	outcome := ClaimLost
	if won {
		outcome = ClaimWon
	}
	mu.RLock()
	defer mu.RUnlock()
	if claims != nil {
		claims.WithLabelValues(outcome).Inc()
	}
}

// ObserveProcess records the wall-clock duration of one job execution,
// from claim to terminal write or retry.
func ObserveProcess(duration time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if processSeconds != nil {
		processSeconds.Observe(durationSeconds(duration))
	}
}

// SetQueueDepth publishes the current number of queued ids.
func SetQueueDepth(n int) {
	mu.RLock()
	defer mu.RUnlock()
	if queueDepth != nil {
		queueDepth.Set(float64(n))
	}
}

// SetJobsByStatus publishes the number of jobs in one status.
func SetJobsByStatus(status string, n int64) {
	mu.RLock()
	defer mu.RUnlock()
	if jobsByStatus != nil {
		jobsByStatus.WithLabelValues(sanitizeLabel(status, "unknown")).Set(float64(n))
	}
}

// ObserveHTTPRequest records a completed HTTP request. The path is
// normalized so job ids do not explode label cardinality.
func ObserveHTTPRequest(method, path string, code int, duration time.Duration) {
	labelMethod := sanitizeLabel(method, "unknown")
	labelPath := normalizePath(path)
	status := "error"
	if code >= 0 {
		status = strconv.Itoa(code)
	}

	mu.RLock()
	defer mu.RUnlock()
	if httpRequests != nil {
		httpRequests.WithLabelValues(labelMethod, labelPath, status).Inc()
	}
	if httpDuration != nil {
		httpDuration.WithLabelValues(labelMethod, labelPath).Observe(durationSeconds(duration))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	submitted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tally",
		Subsystem: "jobs",
		Name:      "submitted_total",
		Help:      "Total jobs accepted through the submit endpoint.",
	})

	completed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tally",
		Subsystem: "jobs",
		Name:      "completed_total",
		Help:      "Total jobs that reached done.",
	})

	failed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tally",
		Subsystem: "jobs",
		Name:      "failed_total",
		Help:      "Total jobs that reached failed after exhausting retries.",
	})

	retried := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tally",
		Subsystem: "jobs",
		Name:      "retried_total",
		Help:      "Total failed executions that were returned to pending.",
	})

	reaped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tally",
		Subsystem: "jobs",
		Name:      "reaped_total",
		Help:      "Total jobs the reaper reset to pending, by reason.",
	}, []string{"reason"})

	claimsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tally",
		Subsystem: "jobs",
		Name:      "claims_total",
		Help:      "Total claim attempts by outcome (won or lost).",
	}, []string{"outcome"})

	process := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tally",
		Subsystem: "jobs",
		Name:      "process_seconds",
		Help:      "Duration of one job execution from claim to outcome.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	})

	depth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tally",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of job ids currently in the dispatch queue.",
	})

	byStatus := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tally",
		Subsystem: "jobs",
		Name:      "by_status",
		Help:      "Number of jobs currently in each status.",
	}, []string{"status"})

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tally",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests grouped by method, path, and status code.",
	}, []string{"method", "path", "code"})

	reqDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tally",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests by method and path.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"method", "path"})

	registry.MustRegister(submitted, completed, failed, retried, reaped, claimsTotal, process, depth, byStatus, requests, reqDuration)

	reg = registry
	jobsSubmitted = submitted
	jobsCompleted = completed
	jobsFailed = failed
	jobsRetried = retried
	jobsReaped = reaped
	claims = claimsTotal
	processSeconds = process
	queueDepth = depth
	jobsByStatus = byStatus
	httpRequests = requests
	httpDuration = reqDuration
}

// normalizePath replaces job id path segments with ":id" so the path
// label stays low-cardinality.
func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "unknown"
	}
	parts := strings.Split(p, "/")
	for i, part := range parts {
		if isHexID(part) {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

func isHexID(s string) bool {
	if len(s) != 32 {
		return false
	}
	for _, r := range s {
		ok := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')
		if !ok {
			return false
		}
	}
	return true
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.':
		default:
			r = '_'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
