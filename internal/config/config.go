// Package config handles switchyard configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the top-level switchyard configuration.
type Config struct {
	LogLevel  string          `json:"log_level"`
	AutoStart *bool           `json:"auto_start,omitempty"` // default true
	Sessions  SessionsConfig  `json:"sessions"`
	Cache     CacheConfig     `json:"cache"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Storage   StorageConfig   `json:"storage"`
	Bridge    BridgeConfig    `json:"bridge"`
	API       APIConfig       `json:"api"`
}

// SessionsConfig controls the session manager.
type SessionsConfig struct {
	IDs            []string `json:"ids,omitempty"` // registered on startup
	MetaFile       string   `json:"meta_file"`
	Dir            string   `json:"dir"` // per-session credential directories
	Concurrency    int      `json:"concurrency"`
	StartDelay     Duration `json:"start_delay"`
	DefaultBackoff Duration `json:"default_backoff"`
	MaxBackoff     Duration `json:"max_backoff"`
}

// CacheConfig bounds the group metadata cache.
type CacheConfig struct {
	MaxTenants  int      `json:"max_tenants"`
	MaxEntries  int      `json:"max_entries"` // per tenant
	TTL         Duration `json:"ttl"`
	StaleGrace  Duration `json:"stale_grace"`
	PrefetchMax int      `json:"prefetch_max"`
	SweepEvery  Duration `json:"sweep_interval"`
}

// DispatchConfig controls handler dispatch.
type DispatchConfig struct {
	Concurrency int    `json:"concurrency"`
	QueueSize   int    `json:"queue_size"` // 0 leaves the handler queue unbounded
	Prefix      string `json:"prefix"`
}

// StorageConfig selects the key-value store backend.
type StorageConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`

	MaxOpenConns    int      `json:"max_open_conns,omitempty"`
	MaxIdleConns    int      `json:"max_idle_conns,omitempty"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime,omitempty"`
}

// BridgeConfig defines how sessions reach the protocol bridge.
type BridgeConfig struct {
	URL              string   `json:"url"`
	Token            string   `json:"token"`
	TLSSkipVerify    bool     `json:"tls_skip_verify,omitempty"` // dev only
	HandshakeTimeout Duration `json:"handshake_timeout,omitempty"`
	RequestTimeout   Duration `json:"request_timeout,omitempty"`
	// PingInterval and PongWait drive the WebSocket keepalive. The connection
	// is dropped when nothing arrives for PongWait.
	PingInterval Duration `json:"ping_interval,omitempty"`
	PongWait     Duration `json:"pong_wait,omitempty"`
}

// APIConfig configures the HTTP control API.
type APIConfig struct {
	Addr      string     `json:"addr"`
	Auth      AuthConfig `json:"auth"`
	RateLimit float64    `json:"rate_limit,omitempty"` // requests per second per client
	RateBurst int        `json:"rate_burst,omitempty"`
}

// AuthConfig selects how API callers authenticate.
type AuthConfig struct {
	Mode      string `json:"mode"` // none, token, jwt, jwks
	TokenHash string `json:"token_hash,omitempty"`
	JWTSecret string `json:"jwt_secret,omitempty"`
	JWKSURL   string `json:"jwks_url,omitempty"`
	Issuer    string `json:"issuer,omitempty"`
}

// Duration is a JSON-friendly time.Duration (accepts strings like "30s", "5m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// ShouldAutoStart reports whether registered sessions start with the process.
func (c *Config) ShouldAutoStart() bool {
	return c.AutoStart == nil || *c.AutoStart
}

const (
	defaultPingInterval = 30 * time.Second
	defaultPongWait     = 60 * time.Second
)

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default applied and no bridge URL.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) validate() error {
	if c.Bridge.URL == "" {
		return fmt.Errorf("bridge.url is required")
	}
	if !strings.HasPrefix(c.Bridge.URL, "ws://") && !strings.HasPrefix(c.Bridge.URL, "wss://") {
		return fmt.Errorf("bridge.url must use ws:// or wss://")
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error")
	}
	switch c.Storage.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported storage driver: %s", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for postgres")
	}
	switch c.API.Auth.Mode {
	case "", "none":
	case "token":
		if c.API.Auth.TokenHash == "" {
			return fmt.Errorf("api.auth.token_hash is required for token auth")
		}
	case "jwt":
		if c.API.Auth.JWTSecret == "" {
			return fmt.Errorf("api.auth.jwt_secret is required for jwt auth")
		}
	case "jwks":
		if c.API.Auth.JWKSURL == "" {
			return fmt.Errorf("api.auth.jwks_url is required for jwks auth")
		}
	default:
		return fmt.Errorf("api.auth.mode must be none, token, jwt, or jwks")
	}
	if c.Sessions.Concurrency < 0 || c.Dispatch.Concurrency < 0 || c.Dispatch.QueueSize < 0 {
		return fmt.Errorf("concurrency limits must not be negative")
	}
	if c.Sessions.MaxBackoff.Duration > 0 && c.Sessions.DefaultBackoff.Duration > c.Sessions.MaxBackoff.Duration {
		return fmt.Errorf("sessions.default_backoff must not exceed sessions.max_backoff")
	}
	ping, pong := c.Bridge.PingInterval.Duration, c.Bridge.PongWait.Duration
	if ping == 0 {
		ping = defaultPingInterval
	}
	if pong == 0 {
		pong = defaultPongWait
	}
	if pong <= ping {
		return fmt.Errorf("bridge.pong_wait must exceed bridge.ping_interval")
	}
	seen := make(map[string]bool)
	for i, id := range c.Sessions.IDs {
		if id == "" {
			return fmt.Errorf("sessions.ids[%d] is empty", i)
		}
		if seen[id] {
			return fmt.Errorf("duplicate session id: %s", id)
		}
		seen[id] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Sessions.MetaFile == "" {
		c.Sessions.MetaFile = filepath.Join("data", "sessions.json")
	}
	if c.Sessions.Dir == "" {
		c.Sessions.Dir = "sessions"
	}
	if c.Sessions.Concurrency == 0 {
		c.Sessions.Concurrency = 10
	}
	if c.Sessions.StartDelay.Duration == 0 {
		c.Sessions.StartDelay.Duration = 200 * time.Millisecond
	}
	if c.Sessions.DefaultBackoff.Duration == 0 {
		c.Sessions.DefaultBackoff.Duration = time.Second
	}
	if c.Sessions.MaxBackoff.Duration == 0 {
		c.Sessions.MaxBackoff.Duration = 60 * time.Second
	}
	if c.Cache.MaxTenants == 0 {
		c.Cache.MaxTenants = 1000
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 500
	}
	if c.Cache.TTL.Duration == 0 {
		c.Cache.TTL.Duration = 5 * time.Minute
	}
	if c.Cache.StaleGrace.Duration == 0 {
		c.Cache.StaleGrace.Duration = 30 * time.Minute
	}
	if c.Cache.PrefetchMax == 0 {
		c.Cache.PrefetchMax = 200
	}
	if c.Cache.SweepEvery.Duration == 0 {
		c.Cache.SweepEvery.Duration = time.Minute
	}
	if c.Dispatch.Concurrency == 0 {
		c.Dispatch.Concurrency = 32
	}
	if c.Dispatch.Prefix == "" {
		c.Dispatch.Prefix = "."
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" && c.Storage.Driver == "sqlite" {
		c.Storage.DSN = filepath.Join("data", "kv.db")
	}
	if c.Bridge.HandshakeTimeout.Duration == 0 {
		c.Bridge.HandshakeTimeout.Duration = 10 * time.Second
	}
	if c.Bridge.RequestTimeout.Duration == 0 {
		c.Bridge.RequestTimeout.Duration = 60 * time.Second
	}
	if c.Bridge.PingInterval.Duration == 0 {
		c.Bridge.PingInterval.Duration = defaultPingInterval
	}
	if c.Bridge.PongWait.Duration == 0 {
		c.Bridge.PongWait.Duration = defaultPongWait
	}
	if c.API.Addr == "" {
		c.API.Addr = "127.0.0.1:8095"
	}
	if c.API.Auth.Mode == "" {
		c.API.Auth.Mode = "none"
	}
	if c.API.RateLimit == 0 {
		c.API.RateLimit = 20
	}
	if c.API.RateBurst == 0 {
		c.API.RateBurst = 40
	}
}

// DefaultPath returns the config path used when none is given:
// $SWITCHYARD_CONFIG, then ~/.switchyard/config.json.
func DefaultPath() string {
	if p := os.Getenv("SWITCHYARD_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "switchyard.json"
	}
	return filepath.Join(home, ".switchyard", "config.json")
}
