// EdgeHome - Edge Cache Node for Distributed Image Delivery
// Copyright 2026 EdgeHome Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/veylan/edgehome

// Command server runs an EdgeHome node: it logs in to the control
// server, opens the durable cache, and serves images under supervision
// until signaled to stop.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/veylan/edgehome/internal/api"
	"github.com/veylan/edgehome/internal/cache"
	"github.com/veylan/edgehome/internal/config"
	"github.com/veylan/edgehome/internal/control"
	"github.com/veylan/edgehome/internal/logging"
	"github.com/veylan/edgehome/internal/store"
	"github.com/veylan/edgehome/internal/supervisor"
	"github.com/veylan/edgehome/internal/supervisor/services"
)

const heartbeatInterval = 20 * time.Second

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		logging.Fatal().Err(err).Msg("configuration rejected")
	}

	logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	if err := run(cfg); err != nil {
		logging.Fatal().Err(err).Msg("node stopped with error")
	}
	logging.Info().Msg("node stopped")
}

func run(cfg *config.ClientSettings) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := control.NewClient(cfg)

	// Login is fatal on failure: without an operating document the
	// node has no upstream, no token key and no certificate.
	loginCtx, cancelLogin := context.WithTimeout(ctx, 30*time.Second)
	err := client.Login(loginCtx)
	cancelLogin()
	if err != nil {
		return err
	}

	st, err := store.Open(store.Config{Path: cfg.CachePath})
	if err != nil {
		return err
	}

	manager := cache.NewManager(st, cache.ManagerConfig{
		MaxCacheBytes: cfg.MaxCacheBytes(),
		MemoryEntries: cfg.MaxEntriesInMemory,
	})

	stats := cache.NewStats(time.Now())
	handler := api.NewHandler(manager, client, stats, cfg.UpstreamTimeout)
	router := api.NewRouter(handler, api.RouterConfig{
		FrontendOrigin:   cfg.FrontendOrigin,
		AllowedReferrers: cfg.AllowedReferrers,
		RateLimitEnabled: cfg.RateLimit.Enabled,
		RateLimitMax:     cfg.RateLimit.RequestLimit,
		RateLimitWindow:  cfg.RateLimit.WindowLength,
	})

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddCacheService(services.NewCacheWriterService(manager))
	tree.AddControlService(services.NewHeartbeatService(client, heartbeatInterval))
	tree.AddAPIService(services.NewListenerService(client, router, cfg.ListenAddr(), cfg.GracefulShutdownWait, client.RestartSignals()))

	treeCtx, cancelTree := context.WithCancel(context.Background())
	defer cancelTree()
	treeErr := make(chan error, 1)
	go func() { treeErr <- tree.Serve(treeCtx) }()

	var runErr error
	select {
	case <-ctx.Done():
		// Logout first so the control server stops routing traffic
		// here, keep serving through the drain window, then stop.
		logging.Info().Msg("shutdown signal received")
		logoutCtx, cancelLogout := context.WithTimeout(context.Background(), 15*time.Second)
		if err := client.Logout(logoutCtx); err != nil {
			logging.Warn().Err(err).Msg("logout failed, stopping anyway")
		}
		cancelLogout()

		logging.Info().Dur("wait", cfg.GracefulShutdownWait).Msg("draining before stop")
		select {
		case <-time.After(cfg.GracefulShutdownWait):
		case err := <-treeErr:
			treeErr <- err
		}

		cancelTree()
		if err := <-treeErr; err != nil && !errors.Is(err, context.Canceled) {
			logging.Warn().Err(err).Msg("supervisor stopped uncleanly")
		}

	case err := <-treeErr:
		cancelTree()
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
	}

	closeCtx, cancelClose := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancelClose()
	if err := manager.Close(closeCtx); err != nil {
		logging.Error().Err(err).Msg("cache close failed")
		if runErr == nil {
			runErr = err
		}
	}

	return runErr
}
