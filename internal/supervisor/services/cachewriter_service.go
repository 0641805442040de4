// EdgeHome - Edge Cache Node for Distributed Image Delivery
// Copyright 2026 EdgeHome Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/veylan/edgehome

package services

import (
	"context"
)

// WriteBehindRunner is the cache manager's background loop.
type WriteBehindRunner interface {
	Run(ctx context.Context) error
}

// CacheWriterService runs the write-behind drain and consolidation
// loop under supervision, so a panic in the durable tier is restarted
// without taking the request path down.
type CacheWriterService struct {
	runner WriteBehindRunner
}

// NewCacheWriterService wraps the cache manager for the supervisor.
func NewCacheWriterService(runner WriteBehindRunner) *CacheWriterService {
	return &CacheWriterService{runner: runner}
}

// Serve runs the loop until ctx is canceled.
func (s *CacheWriterService) Serve(ctx context.Context) error {
	return s.runner.Run(ctx)
}

func (s *CacheWriterService) String() string {
	return "cache-writer"
}
