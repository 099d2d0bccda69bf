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

// Package middleware provides the HTTP middleware chain for the tally
// API: correlation IDs, request logging, rate limiting, and security
// headers.
package middleware

import (
	"net/http"

	"tally/internal/ctxkeys"
)

// CorrelationHeader carries the correlation ID on requests and responses.
const CorrelationHeader = "X-Correlation-ID"

// CorrelationID returns middleware that attaches a correlation ID to
// the request context and echoes it in the response header. An inbound
// header value is honored so callers can trace a submission across
// poll requests; otherwise a fresh ID is generated.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if inbound := r.Header.Get(CorrelationHeader); inbound != "" {
			ctx = ctxkeys.WithCorrelationID(ctx, inbound)
		}
		ctx, id := ctxkeys.EnsureCorrelationID(ctx)

		w.Header().Set(CorrelationHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
