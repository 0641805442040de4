// EdgeHome - Edge Cache Node for Distributed Image Delivery
// Copyright 2026 EdgeHome Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/veylan/edgehome

package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veylan/edgehome/internal/logging"
)

type countingService struct {
	serves atomic.Int64
}

func (s *countingService) Serve(ctx context.Context) error {
	s.serves.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func TestDefaultTreeConfig(t *testing.T) {
	cfg := DefaultTreeConfig()
	assert.Equal(t, 5.0, cfg.FailureThreshold)
	assert.Equal(t, 30.0, cfg.FailureDecay)
	assert.Equal(t, 15*time.Second, cfg.FailureBackoff)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
}

func TestTreeRunsServicesInAllLayers(t *testing.T) {
	tree := NewTree(logging.NewSlogLogger(), DefaultTreeConfig())

	cacheSvc := &countingService{}
	controlSvc := &countingService{}
	apiSvc := &countingService{}
	tree.AddCacheService(cacheSvc)
	tree.AddControlService(controlSvc)
	tree.AddAPIService(apiSvc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tree.Serve(ctx) }()

	require.Eventually(t, func() bool {
		return cacheSvc.serves.Load() >= 1 &&
			controlSvc.serves.Load() >= 1 &&
			apiSvc.serves.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond, "services never started")

	cancel()
	select {
	case err := <-done:
		assert.True(t, err == nil || errors.Is(err, context.Canceled), "Serve returned %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("tree did not stop on cancel")
	}
}

func TestTreeRestartsReturningService(t *testing.T) {
	tree := NewTree(logging.NewSlogLogger(), TreeConfig{
		FailureThreshold: 100,
		FailureDecay:     30,
		FailureBackoff:   10 * time.Millisecond,
		ShutdownTimeout:  time.Second,
	})

	var serves atomic.Int64
	tree.AddAPIService(serveFunc(func(ctx context.Context) error {
		if serves.Add(1) == 1 {
			// First run returns nil, the listener's rotation signal path.
			return nil
		}
		<-ctx.Done()
		return ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = tree.Serve(ctx) }()

	require.Eventually(t, func() bool {
		return serves.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond, "returning service was not restarted")
}

type serveFunc func(ctx context.Context) error

func (f serveFunc) Serve(ctx context.Context) error { return f(ctx) }
