// EdgeHome - Edge Cache Node for Distributed Image Delivery
// Copyright 2026 EdgeHome Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/veylan/edgehome

package cache

import (
	"sync/atomic"
	"time"
)

// Stats accumulates hit/miss counters and time-to-first-byte totals.
// All methods are safe for concurrent use.
type Stats struct {
	start time.Time

	hits      atomic.Uint64
	misses    atomic.Uint64
	hitNanos  atomic.Int64
	missNanos atomic.Int64
}

// NewStats creates a Stats anchored at the given start time.
func NewStats(start time.Time) *Stats {
	return &Stats{start: start}
}

// RecordHit records one cache hit and its time to first byte.
func (s *Stats) RecordHit(ttfb time.Duration) {
	s.hits.Add(1)
	s.hitNanos.Add(int64(ttfb))
}

// RecordMiss records one cache miss and its time to first byte.
func (s *Stats) RecordMiss(ttfb time.Duration) {
	s.misses.Add(1)
	s.missNanos.Add(int64(ttfb))
}

// StatsSnapshot is the wire form served at /stats.
type StatsSnapshot struct {
	StartTime       time.Time `json:"start_time"`
	SnapshotTime    time.Time `json:"snapshot_time"`
	HitCount        uint64    `json:"hit_count"`
	MissCount       uint64    `json:"miss_count"`
	AverageHitTTFB  float64   `json:"average_hit_ttfb"`
	AverageMissTTFB float64   `json:"average_miss_ttfb"`
}

// Snapshot captures the counters at time now. Averages are reported in
// milliseconds and are zero while the corresponding count is zero.
func (s *Stats) Snapshot(now time.Time) StatsSnapshot {
	snap := StatsSnapshot{
		StartTime:    s.start,
		SnapshotTime: now,
		HitCount:     s.hits.Load(),
		MissCount:    s.misses.Load(),
	}
	if snap.HitCount > 0 {
		snap.AverageHitTTFB = float64(s.hitNanos.Load()) / float64(snap.HitCount) / float64(time.Millisecond)
	}
	if snap.MissCount > 0 {
		snap.AverageMissTTFB = float64(s.missNanos.Load()) / float64(snap.MissCount) / float64(time.Millisecond)
	}
	return snap
}
