package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	Transport  TransportConfig  `yaml:"transport"`
	Commands   CommandsConfig   `yaml:"commands"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Identity   IdentityConfig   `yaml:"identity"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// PushConfig holds the VAPID keys for supervisor web push notifications.
// Push is disabled when the keys are empty.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// Enabled reports whether VAPID keys are configured.
func (p PushConfig) Enabled() bool {
	return p.PublicKey != "" && p.PrivateKey != ""
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"` // postgres or sqlite
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	LogQueries             bool   `yaml:"log_queries"`
}

// AuthConfig holds the shared secret used to verify bearer tokens.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// TransportConfig configures the real-time group transport.
type TransportConfig struct {
	PresenceGroup     string        `yaml:"presence_group"`
	BufferSize        int           `yaml:"buffer_size"`
	KeepAliveSeconds  int           `yaml:"keep_alive_seconds"`
	KeepAlive         time.Duration `yaml:"-"`
	PushTimeoutMillis int           `yaml:"push_timeout_millis"`
	PushTimeout       time.Duration `yaml:"-"`
}

// CommandsConfig configures pending command defaults.
type CommandsConfig struct {
	// DefaultTTLSeconds sets expiresAt for commands issued without an explicit ttl.
	// Zero means commands never expire.
	DefaultTTLSeconds int `yaml:"default_ttl_seconds"`
}

// ReconcileConfig configures the presence reconciliation service.
type ReconcileConfig struct {
	RunOnStartup bool `yaml:"run_on_startup"`

	// IntervalSeconds schedules a sweep even without disconnects. Zero disables it.
	IntervalSeconds int           `yaml:"interval_seconds"`
	Interval        time.Duration `yaml:"-"`

	// DebounceMillis delays a triggered pass so a burst of disconnects is handled once.
	DebounceMillis int           `yaml:"debounce_millis"`
	Debounce       time.Duration `yaml:"-"`
}

// IdentityConfig configures identity resolution caching.
type IdentityConfig struct {
	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 5
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}

	if cfg.Transport.PresenceGroup == "" {
		cfg.Transport.PresenceGroup = "presence"
	}
	if cfg.Transport.BufferSize <= 0 {
		cfg.Transport.BufferSize = 16
	}
	if cfg.Transport.KeepAliveSeconds <= 0 {
		cfg.Transport.KeepAliveSeconds = 25
	}
	cfg.Transport.KeepAlive = time.Duration(cfg.Transport.KeepAliveSeconds) * time.Second
	if cfg.Transport.PushTimeoutMillis <= 0 {
		cfg.Transport.PushTimeoutMillis = 2000
	}
	cfg.Transport.PushTimeout = time.Duration(cfg.Transport.PushTimeoutMillis) * time.Millisecond

	if cfg.Commands.DefaultTTLSeconds < 0 {
		cfg.Commands.DefaultTTLSeconds = 0
	}

	if cfg.Reconcile.DebounceMillis < 0 {
		cfg.Reconcile.DebounceMillis = 0
	}
	cfg.Reconcile.Debounce = time.Duration(cfg.Reconcile.DebounceMillis) * time.Millisecond
	if cfg.Reconcile.IntervalSeconds < 0 {
		cfg.Reconcile.IntervalSeconds = 0
	}
	cfg.Reconcile.Interval = time.Duration(cfg.Reconcile.IntervalSeconds) * time.Second

	if cfg.Identity.CacheTTLSeconds <= 0 {
		cfg.Identity.CacheTTLSeconds = 60
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Printf("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}
}
