// EdgeHome - Edge Cache Node for Distributed Image Delivery
// Copyright 2026 EdgeHome Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/veylan/edgehome

package middleware

import (
	"net/http"
	"strings"

	"github.com/veylan/edgehome/internal/metrics"
)

// ReferrerGate rejects requests whose Referer header matches none of
// the allowed substrings. Requests without a Referer pass; an empty
// string in the allow-list additionally admits an explicitly empty
// header. An empty allow-list disables the gate.
func ReferrerGate(allowed []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(allowed) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			referrer, present := headerValue(r, "Referer")
			if !present {
				next.ServeHTTP(w, r)
				return
			}

			for _, a := range allowed {
				if a == "" {
					if referrer == "" {
						next.ServeHTTP(w, r)
						return
					}
					continue
				}
				if strings.Contains(referrer, a) {
					next.ServeHTTP(w, r)
					return
				}
			}

			metrics.RequestsRejected.WithLabelValues("referrer").Inc()
			http.Error(w, "forbidden", http.StatusForbidden)
		})
	}
}

// headerValue distinguishes an absent header from one sent empty.
func headerValue(r *http.Request, name string) (string, bool) {
	values, present := r.Header[http.CanonicalHeaderKey(name)]
	if !present || len(values) == 0 {
		return "", false
	}
	return values[0], true
}
