package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/warp/postboard/api"
	"github.com/warp/postboard/config"
	"github.com/warp/postboard/identity"
	"github.com/warp/postboard/logging"
	"github.com/warp/postboard/metrics"
	"github.com/warp/postboard/posts"
	memstore "github.com/warp/postboard/posts/store"
	badgerstore "github.com/warp/postboard/store/badger"
	"github.com/warp/postboard/store/sqlite"
)

// app holds everything a command needs, plus what must be closed.
type app struct {
	Logger    *zap.SugaredLogger
	Store     posts.TxStore
	Service   *posts.Service
	Auditor   *posts.Auditor
	Scheduler *api.AuditScheduler
	Router    *chi.Mux

	closers []io.Closer
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}
	a := &app{Logger: logger}

	store, closer, err := openStore(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	a.Store = store
	if closer != nil {
		a.closers = append(a.closers, closer)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ids := identity.UUIDGenerator{}
	a.Service = posts.NewService(store, ids, posts.Options{
		Logger:   logger.Named("posts"),
		Recorder: m,
		Orphans:  cfg.OrphanPolicy(),
	})
	a.Auditor = posts.NewAuditor(store, logger.Named("audit"))
	a.Auditor.Locks = a.Service.Engine.Locks

	tokens, err := identity.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		a.Close()
		return nil, err
	}

	var sessions identity.Sessions
	if cfg.Auth.Redis.Addr != "" {
		rdb, err := identity.NewRedisClient(ctx, cfg.Auth.Redis.Addr, cfg.Auth.Redis.Password, cfg.Auth.Redis.DB)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, redisCloser{rdb})
		sessions = identity.NewRedisSessions(rdb)
	}

	accounts := identity.NewAccounts(store, ids, tokens, sessions, logger.Named("accounts"))
	accounts.AdminEmail = cfg.Auth.AdminEmail
	resolver := &identity.TokenResolver{Tokens: tokens, Sessions: sessions}

	var limiter *api.RateLimiter
	if cfg.RateLimit.RPS > 0 {
		limiter = api.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}

	a.Scheduler = api.NewAuditScheduler(a.Auditor, cfg.Audit.Interval, logger.Named("audit"))
	a.Scheduler.Recorder = m

	handler := api.NewHandler(a.Service, accounts, a.Auditor, resolver, logger.Named("http"))
	handler.Scheduler = a.Scheduler
	a.Router = api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: cfg.Server.CORSOrigins,
		RateLimiter: limiter,
		Recorder:    m,
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	return a, nil
}

// openStore opens the configured backend. The closer is nil for memory.
func openStore(cfg config.StorageConfig, logger *zap.SugaredLogger) (posts.TxStore, io.Closer, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memstore.NewTxMemory(), nil, nil

	case config.DriverSQLite:
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0750); err != nil {
				return nil, nil, fmt.Errorf("create data directory: %w", err)
			}
		}
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return s, s, nil

	case config.DriverBadger:
		bcfg := badgerstore.DefaultConfig()
		bcfg.Path = cfg.BadgerPath
		bcfg.Logger = logger.Named("badger")
		s, err := badgerstore.Open(bcfg)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

// Close releases resources in reverse order and flushes the logger.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	_ = a.Logger.Sync()
	return errors.Join(errs...)
}

type redisCloser struct {
	rdb *redis.Client
}

func (c redisCloser) Close() error {
	return c.rdb.Close()
}
