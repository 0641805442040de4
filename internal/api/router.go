// EdgeHome - Edge Cache Node for Distributed Image Delivery
// Copyright 2026 EdgeHome Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/veylan/edgehome

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/veylan/edgehome/internal/control"
	"github.com/veylan/edgehome/internal/middleware"
)

// RouterConfig carries the admission knobs the router needs.
type RouterConfig struct {
	FrontendOrigin   string
	AllowedReferrers []string

	RateLimitEnabled bool
	RateLimitMax     int
	RateLimitWindow  time.Duration
}

// NewRouter assembles the full route tree. Image routes run the
// admission stack (rate limit, referrer gate, instrumentation); the
// stats and metrics endpoints bypass it.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestLogger())
	r.Use(middleware.CommonHeaders(cfg.FrontendOrigin, control.BuildVersion))

	if cfg.FrontendOrigin != "" {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{cfg.FrontendOrigin},
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			ExposedHeaders: []string{"*"},
			MaxAge:         300,
		}))
	}

	r.Get("/stats", h.Stats)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if cfg.RateLimitEnabled && cfg.RateLimitMax > 0 {
			window := cfg.RateLimitWindow
			if window <= 0 {
				window = time.Minute
			}
			r.Use(httprate.LimitByIP(cfg.RateLimitMax, window))
		}
		r.Use(middleware.ReferrerGate(cfg.AllowedReferrers))
		r.Use(middleware.Prometheus)

		r.Get("/data/{chapterID}/{file}", h.Image(false))
		r.Get("/data-saver/{chapterID}/{file}", h.Image(true))
		r.Get("/{token}/data/{chapterID}/{file}", h.Image(false))
		r.Get("/{token}/data-saver/{chapterID}/{file}", h.Image(true))
	})

	return r
}
