// EdgeHome - Edge Cache Node for Distributed Image Delivery
// Copyright 2026 EdgeHome Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/veylan/edgehome

package control

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/veylan/edgehome/internal/config"
	"github.com/veylan/edgehome/internal/logging"
	"github.com/veylan/edgehome/internal/metrics"
)

// BuildVersion is reported to the control server so it can flag nodes
// running outdated software.
const BuildVersion = 19

// ErrNotLoggedIn is returned by Settings before the first successful
// ping. Request handling must fail loudly rather than run without an
// operating document.
var ErrNotLoggedIn = errors.New("control: not logged in")

// pingRequest is the heartbeat body, in the control server's wire names.
type pingRequest struct {
	Secret       string `json:"secret"`
	Port         int    `json:"port"`
	DiskSpace    int64  `json:"disk_space"`
	NetworkSpeed int64  `json:"network_speed"`
	BuildVersion int    `json:"build_version"`
	TLSCreatedAt string `json:"tls_created_at,omitempty"`
}

// stopRequest is the logout body.
type stopRequest struct {
	Secret string `json:"secret"`
}

// Client maintains the node's session with the control server. The
// current RemoteSettings document is swapped atomically on each ping;
// readers always see a complete document or ErrNotLoggedIn.
type Client struct {
	cfg  *config.ClientSettings
	http *http.Client

	settings atomic.Pointer[RemoteSettings]

	// restart carries at most one pending listener restart. Collapsing
	// back-to-back rotations into one restart is fine; the listener
	// reads the newest settings when it comes back up.
	restart chan struct{}
}

// NewClient builds a control-plane client from the node configuration.
func NewClient(cfg *config.ClientSettings) *Client {
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: 30 * time.Second},
		restart: make(chan struct{}, 1),
	}
}

// Settings returns the current operating document.
func (c *Client) Settings() (*RemoteSettings, error) {
	rs := c.settings.Load()
	if rs == nil {
		return nil, ErrNotLoggedIn
	}
	return rs, nil
}

// RestartSignals delivers one element per pending listener restart.
func (c *Client) RestartSignals() <-chan struct{} {
	return c.restart
}

// Login performs the first ping. Unlike later heartbeats a failure here
// is fatal: the node must not serve without an operating document, and
// the first document must carry TLS material.
func (c *Client) Login(ctx context.Context) error {
	next, err := c.ping(ctx)
	if err != nil {
		return fmt.Errorf("control: login failed: %w", err)
	}
	if next.TLS == nil {
		return errors.New("control: login response carried no TLS material")
	}
	c.adopt(next)
	logging.Info().Str("upstream", next.ImageServer).Msg("logged in to control server")
	return nil
}

// Heartbeat performs one periodic ping. Failures are logged and
// counted but never fatal; the node keeps serving under its last known
// settings.
func (c *Client) Heartbeat(ctx context.Context) {
	next, err := c.ping(ctx)
	if err != nil {
		metrics.HeartbeatFailures.Inc()
		logging.Warn().Err(err).Msg("heartbeat failed, keeping current settings")
		return
	}
	c.adopt(next)
}

// ping posts the heartbeat and decodes the settings document.
func (c *Client) ping(ctx context.Context) (*RemoteSettings, error) {
	req := pingRequest{
		Secret:       c.cfg.Secret,
		Port:         c.cfg.AdvertisedPort(),
		DiskSpace:    c.cfg.MaxCacheBytes(),
		NetworkSpeed: c.cfg.MaxKilobitsPerSecond,
		BuildVersion: BuildVersion,
	}
	if cur := c.settings.Load(); cur != nil && cur.TLS != nil {
		req.TLSCreatedAt = cur.TLS.CreatedAt
	}

	body, err := c.post(ctx, "/ping", req)
	if err != nil {
		return nil, err
	}

	var next RemoteSettings
	if err := json.Unmarshal(body, &next); err != nil {
		return nil, fmt.Errorf("decoding settings: %w", err)
	}
	return &next, nil
}

// adopt installs a settings document, carrying forward TLS material
// when the server omitted it, and queues a listener restart when the
// material actually changed.
func (c *Client) adopt(next *RemoteSettings) {
	cur := c.settings.Load()

	if next.TLS == nil && cur != nil {
		next.TLS = cur.TLS
	}
	c.settings.Store(next)

	if next.LatestBuild > BuildVersion {
		logging.Warn().
			Int("running", BuildVersion).
			Int("latest", next.LatestBuild).
			Msg("this node is running an outdated build")
	}
	if next.Compromised {
		logging.Error().Msg("control server marked this node compromised")
	}
	if next.Paused {
		logging.Warn().Msg("control server paused this node")
	}

	if cur != nil && next.TLS != nil && !next.TLS.Equal(cur.TLS) {
		logging.Info().Str("created_at", next.TLS.CreatedAt).Msg("certificate rotated, scheduling listener restart")
		select {
		case c.restart <- struct{}{}:
		default:
		}
	}
}

// Logout tells the control server to stop routing traffic here. Called
// once at shutdown, before connection draining begins.
func (c *Client) Logout(ctx context.Context) error {
	if _, err := c.post(ctx, "/stop", stopRequest{Secret: c.cfg.Secret}); err != nil {
		return fmt.Errorf("control: logout failed: %w", err)
	}
	logging.Info().Msg("logged out of control server")
	return nil
}

// post sends a JSON body and returns the response body on a 2xx status.
func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ControlServer+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}
	return body, nil
}
