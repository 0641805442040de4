// EdgeHome - Edge Cache Node for Distributed Image Delivery
// Copyright 2026 EdgeHome Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/veylan/edgehome

// Package config loads and validates EdgeHome client settings.
//
// Configuration is layered: struct defaults, then an optional YAML file,
// then EDGEHOME_* environment variables. The merged result is validated
// before the node is allowed to start; a node with a malformed secret or
// an unusable port must never reach the control server.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are probed in order when no explicit path is given.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/edgehome/config.yaml",
}

// secretPattern matches a valid client secret: exactly 52 alphanumerics.
var secretPattern = regexp.MustCompile(`^[a-zA-Z0-9]{52}$`)

// reservedPorts are ports the listener refuses to bind: either privileged
// service ports or ports browsers block outright, which would make the
// node unreachable for its clients.
var reservedPorts = map[int]bool{
	1: true, 7: true, 9: true, 11: true, 13: true, 15: true, 17: true,
	19: true, 20: true, 21: true, 22: true, 23: true, 25: true, 37: true,
	42: true, 43: true, 53: true, 77: true, 79: true, 87: true, 95: true,
	101: true, 102: true, 103: true, 104: true, 109: true, 110: true,
	111: true, 113: true, 115: true, 117: true, 119: true, 123: true,
	135: true, 139: true, 143: true, 179: true, 389: true, 465: true,
	512: true, 513: true, 514: true, 515: true, 526: true, 530: true,
	531: true, 532: true, 540: true, 556: true, 563: true, 587: true,
	601: true, 636: true, 993: true, 995: true, 2049: true, 3659: true,
	4045: true, 6000: true, 6665: true, 6666: true, 6667: true,
	6668: true, 6669: true,
}

// LogSettings configures the global logger.
type LogSettings struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
}

// RateLimitSettings configures per-IP burst limiting on image routes.
type RateLimitSettings struct {
	Enabled      bool          `koanf:"enabled"`
	RequestLimit int           `koanf:"request_limit" validate:"min=0"`
	WindowLength time.Duration `koanf:"window_length"`
}

// ClientSettings is the full node configuration.
type ClientSettings struct {
	// ControlServer is the base URL of the control plane.
	ControlServer string `koanf:"control_server" validate:"required,url"`

	// Secret identifies this node to the control server.
	Secret string `koanf:"client_secret" validate:"required"`

	// Hostname is the address the listener binds. Default binds all.
	Hostname string `koanf:"client_hostname"`

	// Port is the local listener port.
	Port int `koanf:"client_port" validate:"required,min=1,max=65535"`

	// ExternalPort is the port advertised to the control server when the
	// node sits behind a NAT or port forward. Zero means same as Port.
	ExternalPort int `koanf:"client_external_port" validate:"min=0,max=65535"`

	// MaxCacheSizeMiB is the durable cache size ceiling in mebibytes.
	MaxCacheSizeMiB int64 `koanf:"max_cache_size_mib" validate:"min=1024"`

	// MaxKilobitsPerSecond is the advertised network speed, reported to
	// the control server for shard assignment. Zero means unmetered.
	MaxKilobitsPerSecond int64 `koanf:"max_kilobits_per_second" validate:"min=0"`

	// MaxEntriesInMemory bounds the hot in-memory tier.
	MaxEntriesInMemory int `koanf:"max_entries_in_memory" validate:"min=1"`

	// GracefulShutdownWait bounds connection draining on stop or restart.
	GracefulShutdownWait time.Duration `koanf:"graceful_shutdown_wait"`

	// CachePath is the durable cache database file.
	CachePath string `koanf:"cache_path" validate:"required"`

	// UpstreamTimeout bounds a single origin fetch.
	UpstreamTimeout time.Duration `koanf:"upstream_timeout"`

	// AllowedReferrers is the referrer allow-list. An empty string entry
	// admits requests that carry no referrer at all.
	AllowedReferrers []string `koanf:"allowed_referrers"`

	// FrontendOrigin is the browser origin allowed by CORS.
	FrontendOrigin string `koanf:"frontend_origin"`

	RateLimit RateLimitSettings `koanf:"rate_limit"`
	Log       LogSettings       `koanf:"log"`
}

// Default returns the built-in settings, before file and env overlays.
func Default() *ClientSettings {
	return &ClientSettings{
		ControlServer:        "https://api.mangadex.network",
		Hostname:             "0.0.0.0",
		Port:                 443,
		MaxCacheSizeMiB:      20480,
		MaxEntriesInMemory:   100,
		GracefulShutdownWait: 30 * time.Second,
		CachePath:            "cache/data.db",
		UpstreamTimeout:      90 * time.Second,
		AllowedReferrers:     []string{"https://mangadex.org", "https://mangadex.network", ""},
		FrontendOrigin:       "https://mangadex.org",
		RateLimit: RateLimitSettings{
			Enabled:      true,
			RequestLimit: 600,
			WindowLength: time.Minute,
		},
		Log: LogSettings{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds ClientSettings from defaults, an optional YAML file and
// EDGEHOME_* environment variables, then validates the result.
// An empty path probes DefaultConfigPaths and the EDGEHOME_CONFIG env var.
func Load(path string) (*ClientSettings, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv("EDGEHOME_CONFIG")
	}
	if path == "" {
		for _, p := range DefaultConfigPaths {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// EDGEHOME_CLIENT_SECRET=... maps to client_secret, with "__"
	// separating nesting levels (EDGEHOME_LOG__LEVEL -> log.level).
	err := k.Load(env.Provider("EDGEHOME_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "EDGEHOME_")
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg ClientSettings
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags plus the cross-field rules the tags cannot
// express. It is called by Load and exposed for tests.
func (c *ClientSettings) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if !secretPattern.MatchString(c.Secret) {
		return errors.New("invalid configuration: client_secret must be exactly 52 alphanumeric characters")
	}
	if reservedPorts[c.Port] {
		return fmt.Errorf("invalid configuration: client_port %d is a reserved port", c.Port)
	}
	if c.ExternalPort != 0 && reservedPorts[c.ExternalPort] {
		return fmt.Errorf("invalid configuration: client_external_port %d is a reserved port", c.ExternalPort)
	}
	if c.GracefulShutdownWait < 0 {
		return errors.New("invalid configuration: graceful_shutdown_wait must not be negative")
	}
	if c.UpstreamTimeout <= 0 {
		return errors.New("invalid configuration: upstream_timeout must be positive")
	}
	return nil
}

// AdvertisedPort is the port reported to the control server.
func (c *ClientSettings) AdvertisedPort() int {
	if c.ExternalPort != 0 {
		return c.ExternalPort
	}
	return c.Port
}

// MaxCacheBytes is the cache ceiling in bytes.
func (c *ClientSettings) MaxCacheBytes() int64 {
	return c.MaxCacheSizeMiB * 1024 * 1024
}

// ListenAddr is the host:port the listener binds.
func (c *ClientSettings) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.Port)
}
