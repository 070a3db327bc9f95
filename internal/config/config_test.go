package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, SourceFile, cfg.Registry.Source)
	assert.Equal(t, 5*time.Second, cfg.Registry.PollInterval)

	assert.Equal(t, ProberHTTP, cfg.Health.Prober)
	assert.Equal(t, 3, cfg.Health.FailThreshold)
	assert.Equal(t, 2, cfg.Health.SuccessThreshold)
	assert.False(t, cfg.Health.DispatchFeedback)

	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 10000, cfg.Cache.Capacity)
	assert.Equal(t, time.Second, cfg.Cache.DefaultTTL)

	assert.Equal(t, "subnet", cfg.RateLimiter.KeyMode)
	assert.Equal(t, 3, cfg.Retry.AttemptBudget)
	assert.Equal(t, 10*time.Second, cfg.Retry.Deadline)
	assert.Equal(t, 3*time.Second, cfg.Retry.PerAttemptTimeout)

	assert.Equal(t, PersistNone, cfg.Persist.Backend)
	assert.Equal(t, 9090, cfg.Metrics.Port)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("GATEWAY_SERVER_PORT", "9000")
	t.Setenv("GATEWAY_RETRY_DEADLINE", "20s")
	t.Setenv("GATEWAY_RATE_LIMITER_KEY_MODE", "client")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 20*time.Second, cfg.Retry.Deadline)
	assert.Equal(t, "client", cfg.RateLimiter.KeyMode)
}

const sampleConfig = `
server:
  port: 8443
registry:
  source: static
  poll_interval: 2s
  static:
    version: 4
    nodes:
      - id: n1
        address: 10.0.0.1:443
        subnet_id: subnet-a
        fingerprint: aabb
health:
  prober: grpc
  fail_threshold: 5
cache:
  default_ttl: 3s
rate_limiter:
  capacity: 7
  refill_rate: 2.5
firewall:
  blocklist:
    - 10.9.0.0/16
persist:
  backend: sqlite
  sqlite_path: /tmp/snap.db
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_FromFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), sampleConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8443, cfg.Server.Port)
	assert.Equal(t, SourceStatic, cfg.Registry.Source)
	assert.Equal(t, 2*time.Second, cfg.Registry.PollInterval)
	assert.Equal(t, uint64(4), cfg.Registry.Static.Version)

	nodes := cfg.StaticNodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "subnet-a", nodes[0].SubnetID)
	assert.Equal(t, "aabb", nodes[0].Fingerprint)

	assert.Equal(t, ProberGRPC, cfg.Health.Prober)
	assert.Equal(t, 5, cfg.Health.FailThreshold)
	assert.Equal(t, []string{"10.9.0.0/16"}, cfg.Firewall.Blocklist)
	assert.Equal(t, PersistSQLite, cfg.Persist.Backend)

	tun := cfg.Tunables()
	assert.Equal(t, 5, tun.Health.FailThreshold)
	assert.Equal(t, 7, tun.RateLimiter.Capacity)
	assert.Equal(t, 2.5, tun.RateLimiter.RefillRate)
	assert.Equal(t, 3*time.Second, tun.CacheTTL)
	assert.Equal(t, 3, tun.Dispatch.AttemptBudget)
	assert.Equal(t, []string{"10.9.0.0/16"}, tun.Blocklist)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load("")
	require.NoError(t, err)
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"unknown source", func(c *Config) { c.Registry.Source = "dns" }},
		{"file without path", func(c *Config) { c.Registry.File.Path = "" }},
		{"postgres without host", func(c *Config) { c.Registry.Source = SourcePostgres }},
		{"zero poll interval", func(c *Config) { c.Registry.PollInterval = 0 }},
		{"unknown prober", func(c *Config) { c.Health.Prober = "icmp" }},
		{"zero fail threshold", func(c *Config) { c.Health.FailThreshold = 0 }},
		{"zero probe timeout", func(c *Config) { c.Health.ProbeTimeout = 0 }},
		{"zero cache capacity", func(c *Config) { c.Cache.Capacity = 0 }},
		{"zero refill", func(c *Config) { c.RateLimiter.RefillRate = 0 }},
		{"unknown key mode", func(c *Config) { c.RateLimiter.KeyMode = "tenant" }},
		{"zero budget", func(c *Config) { c.Retry.AttemptBudget = 0 }},
		{"attempt longer than deadline", func(c *Config) { c.Retry.PerAttemptTimeout = c.Retry.Deadline + time.Second }},
		{"backoff max below base", func(c *Config) { c.Retry.BackoffMax = c.Retry.BackoffBase / 2 }},
		{"unknown persist backend", func(c *Config) { c.Persist.Backend = "s3" }},
		{"redis without addr", func(c *Config) { c.Persist.Backend = PersistRedis }},
		{"zero purge interval", func(c *Config) { c.Cache.PurgeInterval = 0 }},
		{"zero sweep interval", func(c *Config) { c.RateLimiter.SweepInterval = 0 }},
		{"bad metrics port", func(c *Config) { c.Metrics.Port = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("disabled components skip their checks", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.Cache.Enabled = false
		cfg.Cache.Capacity = 0
		cfg.RateLimiter.Enabled = false
		cfg.RateLimiter.RefillRate = 0
		cfg.Metrics.Enabled = false
		cfg.Metrics.Port = 0
		assert.NoError(t, cfg.Validate())
	})
}

func TestLoader_WatchAppliesTunables(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleConfig)

	loader := NewLoader(path)
	_, err := loader.Load()
	require.NoError(t, err)

	var mu sync.Mutex
	var applied []Tunables
	require.True(t, loader.Watch(zap.NewNop(), func(tun Tunables) {
		mu.Lock()
		defer mu.Unlock()
		applied = append(applied, tun)
	}))

	// An invalid change is ignored.
	writeConfig(t, dir, sampleConfig+"\nretry:\n  attempt_budget: 0\n")
	time.Sleep(200 * time.Millisecond)

	writeConfig(t, dir, sampleConfig+"\nretry:\n  attempt_budget: 6\n")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, tun := range applied {
			if tun.Dispatch.AttemptBudget == 6 {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, tun := range applied {
		assert.NotZero(t, tun.Dispatch.AttemptBudget)
	}
}

func TestLoader_WatchWithoutFile(t *testing.T) {
	loader := NewLoader("")
	_, err := loader.Load()
	require.NoError(t, err)
	assert.False(t, loader.Watch(zap.NewNop(), func(Tunables) {}))
}
