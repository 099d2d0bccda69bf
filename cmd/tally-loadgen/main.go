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

// Command tally-loadgen submits text jobs to a running tally service,
// polls them to completion, and verifies the returned counts. It is a
// smoke test for a live deployment, not a benchmark.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"tally/internal/logging"
)

var version = "dev"

const sampleText = "héllo wörld 🌍 tally counts code points, not bytes\n"

type createResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type resultResponse struct {
	JobID      string `json:"job_id"`
	Status     string `json:"status"`
	Characters int64  `json:"characters"`
	Detail     string `json:"detail"`
	Error      string `json:"error"`
}

func main() {
	var (
		apiBase      = flag.String("api", "http://127.0.0.1:8080", "Base URL of the tally API")
		filePath     = flag.String("file", "", "Text file to submit (default: built-in sample)")
		count        = flag.Int("count", 3, "Number of jobs to submit")
		pollDelay    = flag.Duration("poll-delay", time.Second, "Delay between result polls")
		pollLimit    = flag.Int("poll-limit", 40, "Max polls per job before giving up")
		logLevel     = flag.String("log-level", "info", "Log level: debug|info|warn|error")
		printVersion = flag.Bool("version", false, "Print version and exit")
	)

	flag.Parse()

	if *printVersion {
		fmt.Println(version)
		return
	}

	logger := logging.New(*logLevel)
	logger = logger.With(slog.String("component", "loadgen"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	data := []byte(sampleText)
	if *filePath != "" {
		b, err := os.ReadFile(*filePath)
		if err != nil {
			logger.Error("read input file", slog.Any("err", err))
			os.Exit(1)
		}
		data = b
	}
	expected := int64(utf8.RuneCount(data))

	client := &http.Client{Timeout: 30 * time.Second}
	base := strings.TrimRight(*apiBase, "/")

	logger.Info("submitting jobs",
		slog.Int("count", *count),
		slog.Int("bytes", len(data)),
		slog.Int64("expected_chars", expected))

	ids := make([]string, 0, *count)
	for i := 0; i < *count; i++ {
		id, err := submitOne(ctx, client, base, data)
		if err != nil {
			logger.Error("submit failed", slog.Int("n", i+1), slog.Any("err", err))
			os.Exit(1)
		}
		logger.Info("job submitted", slog.String("job_id", id))
		ids = append(ids, id)
	}

	failures := 0
	for _, id := range ids {
		chars, status, err := waitResult(ctx, client, base, id, *pollDelay, *pollLimit)
		switch {
		case err != nil:
			logger.Error("job did not finish", slog.String("job_id", id), slog.Any("err", err))
			failures++
		case status != "done":
			logger.Error("job failed", slog.String("job_id", id), slog.String("status", status))
			failures++
		case chars != expected:
			logger.Error("count mismatch",
				slog.String("job_id", id),
				slog.Int64("got", chars),
				slog.Int64("want", expected))
			failures++
		default:
			logger.Info("job verified", slog.String("job_id", id), slog.Int64("characters", chars))
		}
	}

	if failures > 0 {
		logger.Error("load generation finished with failures", slog.Int("failures", failures))
		os.Exit(1)
	}
	logger.Info("all jobs verified", slog.Int("count", len(ids)))
}

// submitOne uploads data as a multipart file and returns the new job id.
func submitOne(ctx context.Context, client *http.Client, base string, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "input.txt")
	if err != nil {
		return "", fmt.Errorf("build multipart body: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write multipart body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("finish multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/jobs", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var created createResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decode create response: %w", err)
	}
	if created.JobID == "" {
		return "", fmt.Errorf("create response missing job_id")
	}
	return created.JobID, nil
}

// waitResult polls the result endpoint until the job reaches a
// terminal state or the poll budget runs out.
func waitResult(ctx context.Context, client *http.Client, base, id string, delay time.Duration, limit int) (int64, string, error) {
	url := fmt.Sprintf("%s/jobs/%s/result", base, id)

	for i := 0; i < limit; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return 0, "", err
		}
		resp, err := client.Do(req)
		if err != nil {
			return 0, "", err
		}

		var res resultResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&res)
		resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			if decodeErr != nil {
				return 0, "", fmt.Errorf("decode result: %w", decodeErr)
			}
			return res.Characters, res.Status, nil
		case http.StatusConflict:
			return 0, "failed", nil
		case http.StatusAccepted:
			// Still pending or in flight.
		default:
			return 0, "", fmt.Errorf("unexpected status %d polling %s", resp.StatusCode, id)
		}

		select {
		case <-ctx.Done():
			return 0, "", ctx.Err()
		case <-time.After(delay):
		}
	}

	return 0, "", fmt.Errorf("job %s not finished after %d polls", id, limit)
}
