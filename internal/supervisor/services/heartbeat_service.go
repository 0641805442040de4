// EdgeHome - Edge Cache Node for Distributed Image Delivery
// Copyright 2026 EdgeHome Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/veylan/edgehome

package services

import (
	"context"
	"time"
)

// Beater performs one control-plane heartbeat.
type Beater interface {
	Heartbeat(ctx context.Context)
}

// HeartbeatService pings the control server on a fixed interval. Beats
// run sequentially on one goroutine, so a slow control server delays
// the next beat rather than piling up concurrent pings.
type HeartbeatService struct {
	client   Beater
	interval time.Duration
}

// NewHeartbeatService builds the heartbeat loop. Default interval 20s.
func NewHeartbeatService(client Beater, interval time.Duration) *HeartbeatService {
	if interval <= 0 {
		interval = 20 * time.Second
	}
	return &HeartbeatService{client: client, interval: interval}
}

// Serve beats until ctx is canceled. Individual beat failures are
// handled inside the client and never stop the loop.
func (s *HeartbeatService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.client.Heartbeat(ctx)
		}
	}
}

func (s *HeartbeatService) String() string {
	return "heartbeat"
}
