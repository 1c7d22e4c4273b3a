// Package app wires configuration into the stores, services and adapters the API serves.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"clinic-backend/internal/application/confirmation"
	healthsvc "clinic-backend/internal/application/health"
	"clinic-backend/internal/application/holds"
	"clinic-backend/internal/application/ledger"
	"clinic-backend/internal/application/settings"
	"clinic-backend/internal/config"
	"clinic-backend/internal/infrastructure/database"
	"clinic-backend/internal/infrastructure/events"
	"clinic-backend/internal/infrastructure/gateway"
	"clinic-backend/internal/infrastructure/locker"
	"clinic-backend/internal/pkg/clock"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const reconcileBatch = 100

// Container holds the long-lived dependencies of one API process.
type Container struct {
	Config       *config.Config
	DB           *gorm.DB
	Redis        *redis.Client
	Publisher    events.Publisher
	Gateway      gateway.Gateway
	Settings     *settings.Provider
	Holds        *holds.Service
	Ledger       *ledger.Service
	Confirmation *confirmation.Service

	closers []func() error
	wg      sync.WaitGroup
}

// Build opens the database, and Redis and AMQP when configured, then assembles the
// services. Redis and AMQP are optional: without them the process uses an in-process
// lock, no settings cache and log-only events.
func Build(ctx context.Context, cfg *config.Config) (*Container, error) {
	c := &Container{Config: cfg}

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	c.DB = db
	if sqlDB, err := db.DB(); err == nil {
		c.closers = append(c.closers, sqlDB.Close)
	}

	var lock holds.Locker = locker.NewLocal()
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		c.Redis = redis.NewClient(opt)
		if err := c.Redis.Ping(ctx).Err(); err != nil {
			c.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		c.closers = append(c.closers, c.Redis.Close)
		lock = &locker.Redis{Client: c.Redis, TTL: cfg.ReservationLockTTL}
		log.Info().Msg("redis connected")
	}

	c.Publisher = events.LogPublisher{}
	if cfg.AMQPURL != "" {
		pub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.Publisher = pub
		c.closers = append(c.closers, pub.Close)
	}

	if cfg.StripeSecretKey != "" {
		c.Gateway = gateway.NewStripe(cfg.StripeSecretKey, nil)
	} else {
		log.Warn().Msg("STRIPE_SECRET_KEY not set, payment lookups use the in-memory gateway")
		c.Gateway = gateway.NewStatic()
	}

	clk := clock.NewSystem()
	c.Settings = &settings.Provider{DB: db, Redis: c.Redis, CacheTTL: cfg.SettingsCacheTTL}
	store := &holds.Store{DB: db, Locker: lock}
	c.Holds = holds.NewService(store, c.Settings, clk, holds.WithPublisher(c.Publisher))
	c.Ledger = &ledger.Service{DB: db, Clock: clk, Publisher: c.Publisher}
	c.Confirmation = confirmation.NewService(store, c.Ledger, c.Settings, c.Gateway, clk,
		confirmation.WithPublisher(c.Publisher))
	return c, nil
}

// HealthChecks returns the checks the health endpoints report on.
func (c *Container) HealthChecks() (healthsvc.Checker, map[string]healthsvc.Checker) {
	db := healthsvc.CheckerFunc(func(ctx context.Context) error {
		sqlDB, err := c.DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	})
	optional := map[string]healthsvc.Checker{}
	if pub, ok := c.Publisher.(*events.AMQPPublisher); ok {
		optional["amqp"] = pub
	}
	return db, optional
}

// RunBackground starts the hold sweeper and the ledger reconciler. They stop with ctx;
// Close waits for them.
func (c *Container) RunBackground(ctx context.Context) {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		holds.RunSweeper(ctx, c.Holds, c.Config.HoldSweepInterval)
	}()
	go func() {
		defer c.wg.Done()
		confirmation.RunReconciler(ctx, c.Confirmation, c.Config.ReconcileInterval, reconcileBatch)
	}()
}

// Close waits for background loops and releases connections in reverse order of opening.
func (c *Container) Close() error {
	c.wg.Wait()
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
