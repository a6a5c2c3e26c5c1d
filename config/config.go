// Package config loads the daemon configuration from a YAML file, an
// optional .env file and THROTTLE_* environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/toolink/throttle/limiter"
)

// envPrefix prefixes every environment override.
const envPrefix = "THROTTLE_"

// Config is the daemon configuration.
type Config struct {
	Log     LogConfig      `yaml:"log"`
	HTTP    HTTPConfig     `yaml:"http"`
	GRPC    GRPCConfig     `yaml:"grpc"`
	Storage StorageConfig  `yaml:"storage"`
	Stats   StatsConfig    `yaml:"stats"`
	Events  EventsConfig   `yaml:"events"`
	Health  HealthConfig   `yaml:"health"`
	Limits  limiter.Config `yaml:"limits"`
}

// LogConfig selects the zerolog level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// HTTPConfig configures the HTTP listener.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// GRPCConfig configures the gRPC health listener. An empty Addr disables it.
type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

// StorageConfig selects the counter store.
type StorageConfig struct {
	Backend         string        `yaml:"backend"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
	Redis           RedisConfig   `yaml:"redis"`
	SQL             SQLConfig     `yaml:"sql"`
}

// RedisConfig configures the shared Redis client. It is used by the Redis
// store and by the Redis stats and events backends.
type RedisConfig struct {
	Addrs    []string `yaml:"addrs"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	// LockTTL switches the store from WATCH/MULTI to a per-key lock held
	// for at most this long. Zero keeps WATCH/MULTI.
	LockTTL   time.Duration `yaml:"lock_ttl"`
	TxRetries int           `yaml:"tx_retries"`
}

// SQLConfig configures the SQL store.
type SQLConfig struct {
	Dialect      string `yaml:"dialect"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// StatsConfig selects the statistics backend.
type StatsConfig struct {
	Backend   string        `yaml:"backend"`
	Retention time.Duration `yaml:"retention"`
}

// EventsConfig selects the event broker backend.
type EventsConfig struct {
	Backend string `yaml:"backend"`
	// Audit logs every published notice.
	Audit bool `yaml:"audit"`
}

// HealthConfig tunes the health checks.
type HealthConfig struct {
	CheckTimeout  time.Duration `yaml:"check_timeout"`
	WatchInterval time.Duration `yaml:"watch_interval"`
}

// Default returns a configuration that runs entirely in memory.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			Backend:         limiter.StorageMemory,
			JanitorInterval: time.Minute,
			Redis:           RedisConfig{Addrs: []string{"localhost:6379"}},
		},
		Stats:  StatsConfig{Backend: limiter.StorageMemory, Retention: 7 * 24 * time.Hour},
		Events: EventsConfig{Backend: limiter.StorageMemory, Audit: true},
		Health: HealthConfig{CheckTimeout: 2 * time.Second, WatchInterval: 10 * time.Second},
		Limits: *limiter.DefaultConfig(),
	}
}

// Load reads the YAML file at path (optional), loads .env files that exist
// and applies environment overrides. Existing environment variables win
// over .env values.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := loadDotEnv(path, envFiles...); err != nil {
		return nil, err
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		// a types table in the file replaces the default one
		cfg.Limits.Types = nil
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		log.Debug().Str("path", path).Msg("configuration file loaded")
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadDotEnv(configPath string, explicit ...string) error {
	candidates := append([]string(nil), explicit...)
	if configPath != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(configPath), ".env"))
	}
	candidates = append(candidates, ".env")

	var files []string
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			files = append(files, p)
		}
	}
	if len(files) == 0 {
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("load env files %v: %w", files, err)
	}
	log.Debug().Strs("files", files).Msg("environment loaded from .env")
	return nil
}

// applyEnv applies THROTTLE_* overrides read through lookup.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(envPrefix + name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	var errs []error
	duration := func(name string, dst *time.Duration) {
		if v, ok := get(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s%s: %w", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	str := func(name string, dst *string) {
		if v, ok := get(name); ok {
			*dst = v
		}
	}

	str("LOG_LEVEL", &c.Log.Level)
	if v, ok := get("LOG_PRETTY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %sLOG_PRETTY: %w", envPrefix, err))
		}
		c.Log.Pretty = b
	}
	str("HTTP_ADDR", &c.HTTP.Addr)
	str("GRPC_ADDR", &c.GRPC.Addr)
	str("STORAGE_BACKEND", &c.Storage.Backend)
	if v, ok := get("REDIS_ADDRS"); ok {
		c.Storage.Redis.Addrs = splitList(v)
	}
	str("REDIS_USERNAME", &c.Storage.Redis.Username)
	str("REDIS_PASSWORD", &c.Storage.Redis.Password)
	integer("REDIS_DB", &c.Storage.Redis.DB)
	duration("REDIS_LOCK_TTL", &c.Storage.Redis.LockTTL)
	str("SQL_DIALECT", &c.Storage.SQL.Dialect)
	str("SQL_DSN", &c.Storage.SQL.DSN)
	str("STATS_BACKEND", &c.Stats.Backend)
	duration("STATS_RETENTION", &c.Stats.Retention)
	str("EVENTS_BACKEND", &c.Events.Backend)
	if v, ok := get("FAILURE_POLICY"); ok {
		c.Limits.FailurePolicy = limiter.FailurePolicy(v)
	}
	duration("RETRY_BACKOFF", &c.Limits.RetryBackoff)

	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the configuration and fills in the limiter defaults.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		return fmt.Errorf("invalid log level '%s': %w", c.Log.Level, err)
	}
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}

	switch c.Storage.Backend {
	case limiter.StorageMemory:
	case limiter.StorageRedis:
		if len(c.Storage.Redis.Addrs) == 0 {
			return errors.New("storage.redis.addrs is required for the redis backend")
		}
	case limiter.StorageSQL:
		switch c.Storage.SQL.Dialect {
		case limiter.DialectPostgres, limiter.DialectMySQL, limiter.DialectSQLite:
		default:
			return fmt.Errorf("storage.sql.dialect must be one of %s, %s, %s; got '%s'",
				limiter.DialectPostgres, limiter.DialectMySQL, limiter.DialectSQLite, c.Storage.SQL.Dialect)
		}
		if c.Storage.SQL.DSN == "" {
			return errors.New("storage.sql.dsn is required for the sql backend")
		}
	default:
		return fmt.Errorf("unknown storage backend '%s'", c.Storage.Backend)
	}
	if c.Storage.Redis.LockTTL < 0 {
		return errors.New("storage.redis.lock_ttl must not be negative")
	}

	for field, backend := range map[string]string{"stats.backend": c.Stats.Backend, "events.backend": c.Events.Backend} {
		switch backend {
		case limiter.StorageMemory:
		case limiter.StorageRedis:
			if len(c.Storage.Redis.Addrs) == 0 {
				return fmt.Errorf("%s redis needs storage.redis.addrs", field)
			}
		default:
			return fmt.Errorf("%s must be '%s' or '%s', got '%s'", field, limiter.StorageMemory, limiter.StorageRedis, backend)
		}
	}

	if err := c.Limits.ValidateAndPrepare(); err != nil {
		return fmt.Errorf("invalid limits: %w", err)
	}
	return nil
}

// UsesRedis reports whether any component needs the Redis client.
func (c *Config) UsesRedis() bool {
	return c.Storage.Backend == limiter.StorageRedis ||
		c.Stats.Backend == limiter.StorageRedis ||
		c.Events.Backend == limiter.StorageRedis
}

// SetupLogging configures the global zerolog logger.
func (c *Config) SetupLogging() {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if c.Log.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
