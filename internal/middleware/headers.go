// EdgeHome - Edge Cache Node for Distributed Image Delivery
// Copyright 2026 EdgeHome Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/veylan/edgehome

// Package middleware holds the HTTP middleware shared by all routes:
// response headers, the referrer gate, request logging and Prometheus
// instrumentation.
package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// timingResponseWriter injects the X-Time-Taken header at WriteHeader
// time, since headers are sealed once the status line goes out.
type timingResponseWriter struct {
	http.ResponseWriter
	start       time.Time
	wroteHeader bool
}

func (w *timingResponseWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		elapsed := time.Since(w.start).Milliseconds()
		w.Header().Set("X-Time-Taken", strconv.FormatInt(elapsed, 10))
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *timingResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// CommonHeaders stamps every response with the node identity and the
// headers browsers need to time and trust cached images.
func CommonHeaders(frontendOrigin string, buildVersion int) func(http.Handler) http.Handler {
	serverID := fmt.Sprintf("EdgeHome %d", buildVersion)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Server", serverID)
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Access-Control-Expose-Headers", "*")
			if frontendOrigin != "" {
				h.Set("Timing-Allow-Origin", frontendOrigin)
			}

			next.ServeHTTP(&timingResponseWriter{ResponseWriter: w, start: time.Now()}, r)
		})
	}
}
