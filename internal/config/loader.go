package config

import (
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Loader reads configuration from a file and the environment and can watch
// the file for tunable changes.
type Loader struct {
	v *viper.Viper
}

// NewLoader prepares a loader for configPath. An empty path searches
// ./config.yaml and /etc/boundary-gateway/config.yaml.
func NewLoader(configPath string) *Loader {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/boundary-gateway/")
	}

	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{v: v}
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}

// Load reads and validates the configuration. A missing file is not an
// error when no explicit path was given; defaults and environment apply.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// ConfigFileUsed returns the file the configuration was read from, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Watch reloads the file on every change and passes the new tunables to
// apply. A change that fails validation is logged and ignored. Watch returns
// false when no file backs the configuration.
func (l *Loader) Watch(logger *zap.Logger, apply func(Tunables)) bool {
	if l.v.ConfigFileUsed() == "" {
		return false
	}

	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			logger.Warn("ignoring invalid configuration change",
				zap.String("file", e.Name),
				zap.Error(err))
			return
		}
		logger.Info("applying configuration change", zap.String("file", e.Name))
		apply(cfg.Tunables())
	})
	l.v.WatchConfig()
	return true
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.max_request_bytes", 1<<20)
	v.SetDefault("server.enable_debug", false)

	// Registry defaults
	v.SetDefault("registry.source", SourceFile)
	v.SetDefault("registry.poll_interval", "5s")
	v.SetDefault("registry.fetch_timeout", "5s")
	v.SetDefault("registry.file.path", "registry.yaml")
	v.SetDefault("registry.postgres.port", 5432)
	v.SetDefault("registry.postgres.max_connections", 4)
	v.SetDefault("registry.postgres.min_connections", 1)
	v.SetDefault("registry.gossip.bind_port", 7946)

	// Health defaults
	v.SetDefault("health.prober", ProberHTTP)
	v.SetDefault("health.status_path", "/api/v2/status")
	v.SetDefault("health.fail_threshold", 3)
	v.SetDefault("health.success_threshold", 2)
	v.SetDefault("health.probe_interval", "5s")
	v.SetDefault("health.probe_timeout", "2s")
	v.SetDefault("health.dispatch_feedback", false)

	// Cache defaults
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.capacity", 10000)
	v.SetDefault("cache.default_ttl", "1s")
	v.SetDefault("cache.max_entry_bytes", 1<<20)
	v.SetDefault("cache.purge_interval", "30s")

	// Rate limiter defaults
	v.SetDefault("rate_limiter.enabled", true)
	v.SetDefault("rate_limiter.key_mode", "subnet")
	v.SetDefault("rate_limiter.capacity", 100)
	v.SetDefault("rate_limiter.refill_rate", 1000.0)
	v.SetDefault("rate_limiter.sweep_interval", "1m")

	// Retry defaults
	v.SetDefault("retry.attempt_budget", 3)
	v.SetDefault("retry.deadline", "10s")
	v.SetDefault("retry.per_attempt_timeout", "3s")
	v.SetDefault("retry.backoff_base", "50ms")
	v.SetDefault("retry.backoff_max", "1s")
	v.SetDefault("retry.max_response_bytes", 4<<20)

	// Upstream defaults
	v.SetDefault("upstream.dial_timeout", "5s")
	v.SetDefault("upstream.idle_conn_timeout", "90s")
	v.SetDefault("upstream.max_idle_per_node", 16)

	// Persist defaults
	v.SetDefault("persist.backend", PersistNone)
	v.SetDefault("persist.sqlite_path", "gateway-snapshot.db")
	v.SetDefault("persist.workers", 1)
	v.SetDefault("persist.queue_size", 4)
	v.SetDefault("persist.load_timeout", "5s")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}
