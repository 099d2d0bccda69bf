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

package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// SecurityHeadersConfig holds configuration for security headers middleware.
type SecurityHeadersConfig struct {
	// EnableHSTS enables Strict-Transport-Security (only behind TLS).
	EnableHSTS bool
	// HSTSMaxAge is the max-age value for the HSTS header.
	HSTSMaxAge int
	// EnableCORS enables CORS headers for browser clients.
	EnableCORS bool
	// CORSAllowedOrigins is the list of allowed origins.
	CORSAllowedOrigins []string
	// CORSAllowedMethods is the list of allowed HTTP methods.
	CORSAllowedMethods []string
	// CORSAllowedHeaders is the list of allowed request headers.
	CORSAllowedHeaders []string
	// CORSMaxAge is the preflight cache lifetime in seconds.
	CORSMaxAge int
}

// DefaultSecurityHeadersConfig returns defaults for a JSON API that is
// polled by scripts: no HSTS until TLS is in front, CORS opt-in.
func DefaultSecurityHeadersConfig() SecurityHeadersConfig {
	return SecurityHeadersConfig{
		EnableHSTS:         false,
		HSTSMaxAge:         31536000,
		EnableCORS:         false,
		CORSAllowedOrigins: []string{"*"},
		CORSAllowedMethods: []string{"GET", "POST", "OPTIONS"},
		CORSAllowedHeaders: []string{"Content-Type", "X-Correlation-ID"},
		CORSMaxAge:         3600,
	}
}

// SecurityHeaders returns middleware that adds baseline security headers:
// X-Content-Type-Options, X-Frame-Options, Referrer-Policy, and
// Cache-Control: no-store so poll responses are never served stale.
// HSTS and CORS are added when configured.
func SecurityHeaders(cfg SecurityHeadersConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")
			w.Header().Set("Cache-Control", "no-store")

			if cfg.EnableHSTS {
				w.Header().Set("Strict-Transport-Security", "max-age="+strconv.Itoa(cfg.HSTSMaxAge))
			}

			if cfg.EnableCORS {
				w.Header().Set("Access-Control-Allow-Origin", strings.Join(cfg.CORSAllowedOrigins, ","))
				if r.Method == http.MethodOptions {
					w.Header().Set("Access-Control-Allow-Methods", strings.Join(cfg.CORSAllowedMethods, ","))
					w.Header().Set("Access-Control-Allow-Headers", strings.Join(cfg.CORSAllowedHeaders, ","))
					if cfg.CORSMaxAge > 0 {
						w.Header().Set("Access-Control-Max-Age", strconv.Itoa(cfg.CORSMaxAge))
					}
					w.WriteHeader(http.StatusNoContent)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}
