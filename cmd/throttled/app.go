package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/toolink/throttle/config"
	"github.com/toolink/throttle/extension"
	"github.com/toolink/throttle/health"
	"github.com/toolink/throttle/limiter"
	"github.com/toolink/throttle/pubsub"
)

// sqlDrivers maps store dialects to registered database/sql driver names.
var sqlDrivers = map[string]string{
	limiter.DialectPostgres: "postgres",
	limiter.DialectMySQL:    "mysql",
	limiter.DialectSQLite:   "sqlite3",
}

// app holds the wired components. Everything that must be started or
// released is registered with lifecycle.
type app struct {
	cfg       *config.Config
	redis     redis.UniversalClient
	db        *sql.DB
	store     limiter.Store
	stats     limiter.StatsStore
	broker    *pubsub.Broker
	registry  *prometheus.Registry
	engine    *limiter.Engine
	health    *health.Aggregator
	lifecycle *extension.Manager
}

// newApp wires the engine and its backends. Nothing runs until
// lifecycle.LoadAll.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{
		cfg:       cfg,
		registry:  prometheus.NewRegistry(),
		lifecycle: extension.NewManager(),
		health:    health.NewAggregator(cfg.Health.CheckTimeout),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if cfg.UsesRedis() {
		a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Storage.Redis.Addrs,
			Username: cfg.Storage.Redis.Username,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		a.lifecycle.MustRegister(&extension.Func{
			ExtName: "redis",
			OnLoad: func(ctx context.Context) error {
				if err := a.redis.Ping(ctx).Err(); err != nil {
					// the engine's failure policy covers an unreachable store
					log.Warn().Err(err).Strs("addrs", cfg.Storage.Redis.Addrs).Msg("redis not reachable at start-up")
				}
				return nil
			},
			OnShutdown: func(context.Context) error { return a.redis.Close() },
		})
		// critical only when it holds the counters
		a.health.Add(health.RedisChecker("redis", cfg.Storage.Backend == limiter.StorageRedis, a.redis))
	}

	if err := a.buildStore(ctx); err != nil {
		return nil, err
	}
	a.buildStats()

	var brokerOpts []pubsub.BrokerOption
	if cfg.Events.Backend == limiter.StorageRedis {
		brokerOpts = append(brokerOpts, pubsub.WithRedisClient(a.redis))
	}
	broker, err := pubsub.New(brokerOpts...)
	if err != nil {
		return nil, fmt.Errorf("create event broker: %w", err)
	}
	a.broker = broker
	a.lifecycle.MustRegister(&extension.Func{
		ExtName: "events",
		OnLoad: func(ctx context.Context) error {
			if !cfg.Events.Audit {
				return nil
			}
			return subscribeAudit(ctx, a.broker)
		},
		OnShutdown: func(context.Context) error { return a.broker.Close() },
	})

	metrics, err := limiter.NewMetrics(a.registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	limits := cfg.Limits
	a.engine, err = limiter.NewEngine(&limits, a.store,
		limiter.WithStats(a.stats),
		limiter.WithEvents(a.broker),
		limiter.WithMetrics(metrics),
	)
	if err != nil {
		return nil, err
	}
	a.health.Add(health.PingChecker("store", true, a.store))
	return a, nil
}

func (a *app) buildStore(ctx context.Context) error {
	cfg := a.cfg.Storage
	switch cfg.Backend {
	case limiter.StorageRedis:
		var opts []limiter.RedisStoreOption
		if cfg.Redis.LockTTL > 0 {
			opts = append(opts, limiter.WithLockMode(cfg.Redis.LockTTL))
		}
		if cfg.Redis.TxRetries > 0 {
			opts = append(opts, limiter.WithTxRetries(cfg.Redis.TxRetries))
		}
		store := limiter.NewRedisStore(a.redis, opts...)
		a.store = store
		a.lifecycle.MustRegister(extension.Closer("store", store))

	case limiter.StorageSQL:
		db, err := sql.Open(sqlDrivers[cfg.SQL.Dialect], cfg.SQL.DSN)
		if err != nil {
			return fmt.Errorf("open %s database: %w", cfg.SQL.Dialect, err)
		}
		switch {
		case cfg.SQL.Dialect == limiter.DialectSQLite:
			db.SetMaxOpenConns(1)
		case cfg.SQL.MaxOpenConns > 0:
			db.SetMaxOpenConns(cfg.SQL.MaxOpenConns)
		}
		a.db = db
		a.lifecycle.MustRegister(extension.Closer("database", db))

		store, err := limiter.NewSQLStore(ctx, db, cfg.SQL.Dialect)
		if err != nil {
			_ = db.Close()
			return err
		}
		a.store = store
		a.lifecycle.MustRegister(janitor("store", store, cfg.JanitorInterval))

	default:
		store := limiter.NewMemoryStore()
		a.store = store
		a.lifecycle.MustRegister(janitor("store", store, cfg.JanitorInterval))
	}
	log.Info().Str("backend", cfg.Backend).Msg("counter store configured")
	return nil
}

func (a *app) buildStats() {
	if a.cfg.Stats.Backend == limiter.StorageRedis {
		a.stats = limiter.NewRedisStats(a.redis, a.cfg.Stats.Retention)
		return
	}
	a.stats = limiter.NewMemoryStats(limiter.WithStatsRetention(a.cfg.Stats.Retention))
}

// janitorStore is a store with a background expiry sweep.
type janitorStore interface {
	StartJanitor(ctx context.Context, interval time.Duration)
	Close() error
}

// janitor starts the sweep on load and closes the store, which stops the
// sweep, on shutdown.
func janitor(name string, s janitorStore, interval time.Duration) extension.Extension {
	return &extension.Func{
		ExtName: name,
		OnLoad: func(ctx context.Context) error {
			s.StartJanitor(context.WithoutCancel(ctx), interval)
			return nil
		},
		OnShutdown: func(context.Context) error { return s.Close() },
	}
}

// subscribeAudit logs every engine notice.
func subscribeAudit(ctx context.Context, ps pubsub.PubSub) error {
	for _, topic := range []string{limiter.TopicLockout, limiter.TopicReset, limiter.TopicDegraded} {
		handler := func(n limiter.Notice) {
			ev := log.Info()
			if topic == limiter.TopicDegraded {
				ev = log.Warn()
			}
			ev.Str("topic", topic).
				Str("event_id", n.ID).
				Str("type", string(n.Type)).
				Str("identifier", n.Identifier.String())
			if !n.LockedUntil.IsZero() {
				ev.Time("locked_until", n.LockedUntil)
			}
			if n.Error != "" {
				ev.Str("error", n.Error)
			}
			ev.Msg("rate limit audit")
		}
		if _, err := ps.Subscribe(ctx, topic, handler); err != nil {
			return fmt.Errorf("subscribe audit log to %s: %w", topic, err)
		}
	}
	return nil
}
