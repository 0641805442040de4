// EdgeHome - Edge Cache Node for Distributed Image Delivery
// Copyright 2026 EdgeHome Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/veylan/edgehome

// Package api is the request-facing surface of the node: the image
// pipeline (admission, cache lookup, upstream fallback), the stats
// endpoint and the Prometheus endpoint.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/veylan/edgehome/internal/cache"
	"github.com/veylan/edgehome/internal/control"
	"github.com/veylan/edgehome/internal/logging"
	"github.com/veylan/edgehome/internal/metrics"
	"github.com/veylan/edgehome/internal/token"
)

// imageContentType accepts any image/* media type from the upstream.
var imageContentType = regexp.MustCompile(`^image/`)

// ImageCache is the cache surface the handlers need.
type ImageCache interface {
	Get(ctx context.Context, key string) *cache.Entry
	Put(entry *cache.Entry)
}

// SettingsSource yields the current control-plane settings.
type SettingsSource interface {
	Settings() (*control.RemoteSettings, error)
}

// Handler serves image requests from cache with upstream fallback.
type Handler struct {
	cache    ImageCache
	settings SettingsSource
	stats    *cache.Stats
	upstream *http.Client
}

// NewHandler wires the image pipeline. upstreamTimeout bounds a single
// origin fetch regardless of the requesting client's own lifetime.
func NewHandler(c ImageCache, settings SettingsSource, stats *cache.Stats, upstreamTimeout time.Duration) *Handler {
	if upstreamTimeout <= 0 {
		upstreamTimeout = 90 * time.Second
	}
	return &Handler{
		cache:    c,
		settings: settings,
		stats:    stats,
		upstream: &http.Client{Timeout: upstreamTimeout},
	}
}

// Image handles /data and /data-saver requests, with or without a
// leading token segment. The pipeline order is fixed: token gate,
// cache lookup, upstream fetch. Failed requests never touch stats or
// the cache.
func (h *Handler) Image(dataSaver bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		chapterID := chi.URLParam(r, "chapterID")
		file := chi.URLParam(r, "file")
		rawToken := chi.URLParam(r, "token")

		rs, err := h.settings.Settings()
		if err != nil {
			logging.Error().Err(err).Msg("serving without control-plane settings")
			http.Error(w, "server not ready", http.StatusInternalServerError)
			return
		}

		if _, err := token.Validate(rawToken, chapterID, rs.TokenKey.Bytes(), rs.ForceTokens, time.Now()); err != nil {
			metrics.RequestsRejected.WithLabelValues("token").Inc()
			http.Error(w, err.Error(), tokenStatus(err))
			return
		}

		canonical := cache.CanonicalPath(dataSaver, chapterID, file)
		key := cache.ContentKey(canonical)

		if entry := h.cache.Get(r.Context(), key); entry != nil {
			writeEntry(w, entry, "HIT")
			h.stats.RecordHit(time.Since(start))
			return
		}

		metrics.CacheMisses.Inc()
		entry, status := h.fetchUpstream(r.Context(), rs.ImageServer+canonical, key)
		if entry == nil {
			w.WriteHeader(status)
			return
		}

		h.cache.Put(entry)
		writeEntry(w, entry, "MISS")
		h.stats.RecordMiss(time.Since(start))
	}
}

// tokenStatus maps a validation failure to its response status.
// Malformed tokens are forbidden outright; well-formed tokens that no
// longer apply are gone, telling the client to fetch a fresh grant.
func tokenStatus(err error) int {
	if errors.Is(err, token.ErrExpired) || errors.Is(err, token.ErrInapplicable) {
		return http.StatusGone
	}
	return http.StatusForbidden
}

// fetchUpstream pulls the image from the origin. Returns the new entry,
// or nil with the status to send. The fetch context is detached from
// the client connection so a disconnecting client cannot abort a fetch
// another waiter could still use; the client timeout bounds it instead.
func (h *Handler) fetchUpstream(ctx context.Context, url, key string) (*cache.Entry, int) {
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodGet, url, nil)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("bad_request").Inc()
		return nil, http.StatusInternalServerError
	}

	fetchStart := time.Now()
	resp, err := h.upstream.Do(req)
	metrics.UpstreamDuration.Observe(time.Since(fetchStart).Seconds())
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("transport_error").Inc()
		logging.Warn().Err(err).Str("key", key).Msg("upstream fetch failed")
		return nil, http.StatusInternalServerError
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Mirror the origin's verdict verbatim; a 404 here is a 404
		// there, and nothing is cached.
		metrics.UpstreamRequests.WithLabelValues("bad_status").Inc()
		return nil, resp.StatusCode
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("transport_error").Inc()
		logging.Warn().Err(err).Str("key", key).Msg("upstream body read failed")
		return nil, http.StatusInternalServerError
	}
	if len(content) == 0 {
		metrics.UpstreamRequests.WithLabelValues("empty_body").Inc()
		return nil, http.StatusInternalServerError
	}

	contentType := resp.Header.Get("Content-Type")
	if !imageContentType.MatchString(contentType) {
		metrics.UpstreamRequests.WithLabelValues("bad_content_type").Inc()
		logging.Warn().Str("content_type", contentType).Str("key", key).Msg("upstream returned non-image content")
		return nil, http.StatusInternalServerError
	}

	now := time.Now()
	lastModified := now
	if t, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		lastModified = t
	}

	metrics.UpstreamRequests.WithLabelValues("ok").Inc()
	return cache.NewEntry(key, contentType, content, lastModified, now), 0
}

// writeEntry sends a cached image with the response contract headers.
func writeEntry(w http.ResponseWriter, entry *cache.Entry, cacheStatus string) {
	h := w.Header()
	h.Set("Content-Type", entry.ContentType)
	h.Set("Content-Length", strconv.FormatInt(entry.Size(), 10))
	h.Set("Last-Modified", entry.LastModified.UTC().Format(http.TimeFormat))
	h.Set("X-Cache", cacheStatus)
	h.Set("Cache-Control", "public, max-age=1209600")

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(entry.Content); err != nil {
		logging.Debug().Err(err).Msg("client went away mid-response")
	}
}

// Stats serves the live hit/miss snapshot. Never cached: the numbers
// move every request.
func (h *Handler) Stats(w http.ResponseWriter, _ *http.Request) {
	snap := h.stats.Snapshot(time.Now())

	body, err := json.Marshal(snap)
	if err != nil {
		http.Error(w, "stats unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(body)
}
