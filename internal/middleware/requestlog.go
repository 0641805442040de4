// EdgeHome - Edge Cache Node for Distributed Image Delivery
// Copyright 2026 EdgeHome Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/veylan/edgehome

package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/veylan/edgehome/internal/logging"
)

// RequestLogger logs one line per request. Token path segments are
// stripped before logging; tokens grant access and must not end up in
// log files.
func RequestLogger() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			sw := &statusResponseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			logging.Info().
				Str("method", r.Method).
				Str("path", FilteredPath(r.URL.Path)).
				Str("remote", r.RemoteAddr).
				Int("status", sw.status).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
}

// FilteredPath drops everything before the image path proper, hiding
// any leading token segment.
func FilteredPath(path string) string {
	for _, marker := range []string{"/data/", "/data-saver/"} {
		if i := strings.Index(path, marker); i > 0 {
			return path[i:]
		}
	}
	return path
}
