// EdgeHome - Edge Cache Node for Distributed Image Delivery
// Copyright 2026 EdgeHome Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/veylan/edgehome

// Package services contains the suture services the supervisor tree
// runs: the TLS listener, the control-plane heartbeat and the cache
// write-behind loop.
package services

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/veylan/edgehome/internal/control"
	"github.com/veylan/edgehome/internal/logging"
	"github.com/veylan/edgehome/internal/metrics"
)

// SettingsProvider yields the current control-plane settings.
type SettingsProvider interface {
	Settings() (*control.RemoteSettings, error)
}

// ListenerService serves HTTPS with the certificate from the current
// settings document. Certificate rotation works through the supervisor:
// when a restart signal arrives the service drains and returns nil, and
// suture restarts it, at which point it reads the rotated material.
// Each signal produces exactly one restart.
type ListenerService struct {
	settings     SettingsProvider
	handler      http.Handler
	addr         string
	drainTimeout time.Duration
	restart      <-chan struct{}
}

// NewListenerService builds the listener. drainTimeout bounds
// connection draining on both restart and shutdown.
func NewListenerService(settings SettingsProvider, handler http.Handler, addr string, drainTimeout time.Duration, restart <-chan struct{}) *ListenerService {
	if drainTimeout <= 0 {
		drainTimeout = 30 * time.Second
	}
	return &ListenerService{
		settings:     settings,
		handler:      handler,
		addr:         addr,
		drainTimeout: drainTimeout,
		restart:      restart,
	}
}

// Serve runs the listener until shutdown, restart or failure. Missing
// or unparsable TLS material fails this serve attempt; the supervisor
// retries with backoff and picks up whatever the heartbeat has fetched
// since.
func (s *ListenerService) Serve(ctx context.Context) error {
	rs, err := s.settings.Settings()
	if err != nil {
		return fmt.Errorf("listener: %w", err)
	}
	if rs.TLS == nil {
		return errors.New("listener: no TLS material in current settings")
	}

	cert, err := tls.X509KeyPair([]byte(rs.TLS.Certificate), []byte(rs.TLS.PrivateKey))
	if err != nil {
		return fmt.Errorf("listener: loading certificate: %w", err)
	}

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		},
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listener: binding %s: %w", s.addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(tls.NewListener(ln, srv.TLSConfig))
	}()

	logging.Info().Str("addr", s.addr).Str("cert_created_at", rs.TLS.CreatedAt).Msg("listener up")

	select {
	case <-ctx.Done():
		s.drain(srv)
		<-errCh
		return ctx.Err()

	case <-s.restart:
		metrics.ListenerRestarts.Inc()
		logging.Info().Msg("draining listener for certificate rotation")
		s.drain(srv)
		<-errCh
		// Returning nil hands control back to the supervisor, which
		// restarts this service against the rotated settings.
		return nil

	case err := <-errCh:
		return fmt.Errorf("listener: %w", err)
	}
}

func (s *ListenerService) drain(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), s.drainTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logging.Warn().Err(err).Msg("listener drain incomplete, closing")
		_ = srv.Close()
	}
}

func (s *ListenerService) String() string {
	return "listener(" + s.addr + ")"
}
