// Package config provides configuration management for the gateway.
package config

import (
	"fmt"
	"time"

	"github.com/devrev/boundary-gateway/internal/cache"
	"github.com/devrev/boundary-gateway/internal/dispatch"
	"github.com/devrev/boundary-gateway/internal/health"
	"github.com/devrev/boundary-gateway/internal/model"
	"github.com/devrev/boundary-gateway/internal/ratelimit"
)

// Registry source kinds.
const (
	SourceFile     = "file"
	SourcePostgres = "postgres"
	SourceGossip   = "gossip"
	SourceStatic   = "static"
)

// Prober kinds.
const (
	ProberHTTP = "http"
	ProberGRPC = "grpc"
)

// Persist backends.
const (
	PersistNone   = "none"
	PersistSQLite = "sqlite"
	PersistRedis  = "redis"
)

// Config holds all configuration for the gateway.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Registry    RegistryConfig    `mapstructure:"registry"`
	Health      HealthConfig      `mapstructure:"health"`
	Cache       CacheConfig       `mapstructure:"cache"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Upstream    UpstreamConfig    `mapstructure:"upstream"`
	Persist     PersistConfig     `mapstructure:"persist"`
	Firewall    FirewallConfig    `mapstructure:"firewall"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxRequestBytes int64         `mapstructure:"max_request_bytes"`
	EnableDebug     bool          `mapstructure:"enable_debug"`
}

// RegistryConfig selects and configures the node registry feed.
type RegistryConfig struct {
	Source       string         `mapstructure:"source"`
	PollInterval time.Duration  `mapstructure:"poll_interval"`
	FetchTimeout time.Duration  `mapstructure:"fetch_timeout"`
	File         FileConfig     `mapstructure:"file"`
	Postgres     PostgresConfig `mapstructure:"postgres"`
	Gossip       GossipConfig   `mapstructure:"gossip"`
	Static       StaticConfig   `mapstructure:"static"`
}

// FileConfig points at a YAML registry listing.
type FileConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig holds registry database settings.
type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MinConnections int    `mapstructure:"min_connections"`
}

// GossipConfig holds memberlist settings for the gossip feed.
type GossipConfig struct {
	NodeName       string        `mapstructure:"node_name"`
	BindPort       int           `mapstructure:"bind_port"`
	SeedNodes      []string      `mapstructure:"seed_nodes"`
	GossipInterval time.Duration `mapstructure:"gossip_interval"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
}

// StaticConfig lists nodes inline.
type StaticConfig struct {
	Version uint64       `mapstructure:"version"`
	Nodes   []StaticNode `mapstructure:"nodes"`
}

// StaticNode is one inline registry record.
type StaticNode struct {
	ID          string `mapstructure:"id"`
	Address     string `mapstructure:"address"`
	SubnetID    string `mapstructure:"subnet_id"`
	Fingerprint string `mapstructure:"fingerprint"`
}

// HealthConfig holds probing settings.
type HealthConfig struct {
	Prober           string        `mapstructure:"prober"`
	StatusPath       string        `mapstructure:"status_path"`
	GRPCService      string        `mapstructure:"grpc_service"`
	FailThreshold    int           `mapstructure:"fail_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	DispatchFeedback bool          `mapstructure:"dispatch_feedback"`
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Capacity      int           `mapstructure:"capacity"`
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	MaxEntryBytes int           `mapstructure:"max_entry_bytes"`
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

// RateLimiterConfig holds rate limiter configuration.
type RateLimiterConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	KeyMode       string        `mapstructure:"key_mode"`
	Capacity      int           `mapstructure:"capacity"`
	RefillRate    float64       `mapstructure:"refill_rate"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// RetryConfig bounds each dispatch.
type RetryConfig struct {
	AttemptBudget     int           `mapstructure:"attempt_budget"`
	Deadline          time.Duration `mapstructure:"deadline"`
	PerAttemptTimeout time.Duration `mapstructure:"per_attempt_timeout"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	MaxResponseBytes  int64         `mapstructure:"max_response_bytes"`
}

// UpstreamConfig holds pinned transport settings.
type UpstreamConfig struct {
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout"`
	MaxIdlePerNode  int           `mapstructure:"max_idle_per_node"`
}

// PersistConfig selects where the routing table is saved.
type PersistConfig struct {
	Backend     string        `mapstructure:"backend"`
	SQLitePath  string        `mapstructure:"sqlite_path"`
	Redis       RedisConfig   `mapstructure:"redis"`
	Workers     int           `mapstructure:"workers"`
	QueueSize   int           `mapstructure:"queue_size"`
	LoadTimeout time.Duration `mapstructure:"load_timeout"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// FirewallConfig lists blocked client prefixes.
type FirewallConfig struct {
	Blocklist []string `mapstructure:"blocklist"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Registry.Source {
	case SourceFile:
		if c.Registry.File.Path == "" {
			return fmt.Errorf("registry.file.path is required for the file source")
		}
	case SourcePostgres:
		if c.Registry.Postgres.Host == "" || c.Registry.Postgres.Database == "" {
			return fmt.Errorf("registry.postgres host and database are required")
		}
	case SourceGossip:
		if c.Registry.Gossip.BindPort < 0 || c.Registry.Gossip.BindPort > 65535 {
			return fmt.Errorf("invalid gossip bind port: %d", c.Registry.Gossip.BindPort)
		}
	case SourceStatic:
	default:
		return fmt.Errorf("unknown registry source %q", c.Registry.Source)
	}
	if c.Registry.PollInterval <= 0 {
		return fmt.Errorf("registry poll interval must be positive")
	}

	switch c.Health.Prober {
	case ProberHTTP, ProberGRPC:
	default:
		return fmt.Errorf("unknown health prober %q", c.Health.Prober)
	}

	if c.Persist.Backend == PersistSQLite && c.Persist.SQLitePath == "" {
		return fmt.Errorf("persist.sqlite_path is required for the sqlite backend")
	}
	if c.Persist.Backend == PersistRedis && c.Persist.Redis.Addr == "" {
		return fmt.Errorf("persist.redis.addr is required for the redis backend")
	}
	switch c.Persist.Backend {
	case PersistNone, PersistSQLite, PersistRedis:
	default:
		return fmt.Errorf("unknown persist backend %q", c.Persist.Backend)
	}

	if c.Cache.Enabled && c.Cache.PurgeInterval <= 0 {
		return fmt.Errorf("cache purge interval must be positive")
	}
	if c.RateLimiter.SweepInterval <= 0 {
		return fmt.Errorf("rate limiter sweep interval must be positive")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
		}
	}

	return c.validateTunables()
}

// validateTunables checks the settings that may change at runtime.
func (c *Config) validateTunables() error {
	if c.Health.FailThreshold < 1 || c.Health.SuccessThreshold < 1 {
		return fmt.Errorf("health thresholds must be at least 1")
	}
	if c.Health.ProbeInterval <= 0 || c.Health.ProbeTimeout <= 0 {
		return fmt.Errorf("health probe interval and timeout must be positive")
	}

	if c.Cache.Enabled {
		if c.Cache.Capacity <= 0 {
			return fmt.Errorf("cache capacity must be positive")
		}
		if c.Cache.DefaultTTL <= 0 {
			return fmt.Errorf("cache default ttl must be positive")
		}
	}

	if c.RateLimiter.Enabled {
		if c.RateLimiter.Capacity <= 0 {
			return fmt.Errorf("rate limiter capacity must be positive")
		}
		if c.RateLimiter.RefillRate <= 0 {
			return fmt.Errorf("rate limiter refill rate must be positive")
		}
		if c.RateLimiter.KeyMode != ratelimit.KeyBySubnet && c.RateLimiter.KeyMode != ratelimit.KeyByClient {
			return fmt.Errorf("unknown rate limiter key mode %q", c.RateLimiter.KeyMode)
		}
	}

	if c.Retry.AttemptBudget < 1 {
		return fmt.Errorf("retry attempt budget must be at least 1")
	}
	if c.Retry.Deadline <= 0 || c.Retry.PerAttemptTimeout <= 0 {
		return fmt.Errorf("retry deadline and per-attempt timeout must be positive")
	}
	if c.Retry.PerAttemptTimeout > c.Retry.Deadline {
		return fmt.Errorf("retry per-attempt timeout %v exceeds deadline %v", c.Retry.PerAttemptTimeout, c.Retry.Deadline)
	}
	if c.Retry.BackoffMax < c.Retry.BackoffBase {
		return fmt.Errorf("retry backoff max must not be below backoff base")
	}
	return nil
}

// StaticNodes converts the inline registry records.
func (c *Config) StaticNodes() []model.Node {
	nodes := make([]model.Node, 0, len(c.Registry.Static.Nodes))
	for _, n := range c.Registry.Static.Nodes {
		nodes = append(nodes, model.Node{
			ID:          n.ID,
			Address:     n.Address,
			SubnetID:    n.SubnetID,
			Fingerprint: n.Fingerprint,
		})
	}
	return nodes
}

// Tunables are the settings applied to running components without a
// restart.
type Tunables struct {
	Health        health.Config
	RateLimiter   ratelimit.Config
	Dispatch      dispatch.Settings
	CacheCapacity int
	CacheTTL      time.Duration
	Blocklist     []string
}

// Tunables extracts the runtime-adjustable settings.
func (c *Config) Tunables() Tunables {
	return Tunables{
		Health:        c.HealthSettings(),
		RateLimiter:   c.RateLimiterSettings(),
		Dispatch:      c.DispatchSettings(),
		CacheCapacity: c.Cache.Capacity,
		CacheTTL:      c.Cache.DefaultTTL,
		Blocklist:     c.Firewall.Blocklist,
	}
}

// HealthSettings returns the checker configuration.
func (c *Config) HealthSettings() health.Config {
	return health.Config{
		FailThreshold:    c.Health.FailThreshold,
		SuccessThreshold: c.Health.SuccessThreshold,
		ProbeInterval:    c.Health.ProbeInterval,
		ProbeTimeout:     c.Health.ProbeTimeout,
		DispatchFeedback: c.Health.DispatchFeedback,
	}
}

// RateLimiterSettings returns the limiter configuration.
func (c *Config) RateLimiterSettings() ratelimit.Config {
	return ratelimit.Config{
		Enabled:    c.RateLimiter.Enabled,
		KeyMode:    c.RateLimiter.KeyMode,
		Capacity:   c.RateLimiter.Capacity,
		RefillRate: c.RateLimiter.RefillRate,
	}
}

// DispatchSettings returns the dispatcher bounds.
func (c *Config) DispatchSettings() dispatch.Settings {
	return dispatch.Settings{
		AttemptBudget:     c.Retry.AttemptBudget,
		Deadline:          c.Retry.Deadline,
		PerAttemptTimeout: c.Retry.PerAttemptTimeout,
		BackoffBase:       c.Retry.BackoffBase,
		BackoffMax:        c.Retry.BackoffMax,
		MaxResponseBytes:  c.Retry.MaxResponseBytes,
	}
}

// CacheSettings returns the cache configuration.
func (c *Config) CacheSettings() cache.Config {
	return cache.Config{
		Capacity:      c.Cache.Capacity,
		DefaultTTL:    c.Cache.DefaultTTL,
		MaxEntryBytes: c.Cache.MaxEntryBytes,
	}
}
