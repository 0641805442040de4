// EdgeHome - Edge Cache Node for Distributed Image Delivery
// Copyright 2026 EdgeHome Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/veylan/edgehome

package cache

import (
	"sync"
	"testing"
	"time"
)

func TestStatsZeroCountsZeroAverages(t *testing.T) {
	start := time.Now()
	s := NewStats(start)

	snap := s.Snapshot(start.Add(time.Minute))
	if snap.HitCount != 0 || snap.MissCount != 0 {
		t.Errorf("counts = %d/%d, want 0/0", snap.HitCount, snap.MissCount)
	}
	if snap.AverageHitTTFB != 0 || snap.AverageMissTTFB != 0 {
		t.Errorf("averages = %v/%v, want 0/0", snap.AverageHitTTFB, snap.AverageMissTTFB)
	}
	if !snap.StartTime.Equal(start) {
		t.Errorf("start time = %v", snap.StartTime)
	}
}

func TestStatsAverages(t *testing.T) {
	s := NewStats(time.Now())

	s.RecordHit(10 * time.Millisecond)
	s.RecordHit(20 * time.Millisecond)
	s.RecordMiss(100 * time.Millisecond)

	snap := s.Snapshot(time.Now())
	if snap.HitCount != 2 {
		t.Errorf("hit count = %d, want 2", snap.HitCount)
	}
	if snap.MissCount != 1 {
		t.Errorf("miss count = %d, want 1", snap.MissCount)
	}
	if snap.AverageHitTTFB != 15 {
		t.Errorf("average hit ttfb = %v ms, want 15", snap.AverageHitTTFB)
	}
	if snap.AverageMissTTFB != 100 {
		t.Errorf("average miss ttfb = %v ms, want 100", snap.AverageMissTTFB)
	}
}

func TestStatsConcurrentRecording(t *testing.T) {
	s := NewStats(time.Now())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.RecordHit(time.Millisecond)
				s.RecordMiss(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	snap := s.Snapshot(time.Now())
	if snap.HitCount != 1000 || snap.MissCount != 1000 {
		t.Errorf("counts = %d/%d, want 1000/1000", snap.HitCount, snap.MissCount)
	}
}
