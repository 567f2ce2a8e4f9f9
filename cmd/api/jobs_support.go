package main

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/yourusername/seek-forge/internal/config"
	"github.com/yourusername/seek-forge/internal/items"
	"github.com/yourusername/seek-forge/internal/jobs"
	"github.com/yourusername/seek-forge/internal/reconcile"
	"github.com/yourusername/seek-forge/internal/supervisor"
)

// backends は Redis 由来の依存をまとめます。Redis が無い開発環境ではストア類が nil になります。
type backends struct {
	rdb      *redis.Client
	jobStore *jobs.Store
	counter  reconcile.Counter
}

func (b *backends) Close() {
	if b.rdb != nil {
		_ = b.rdb.Close()
	}
}

func setupBackends(cfg *config.Config, logger zerolog.Logger) (*backends, error) {
	b := &backends{}
	if cfg.ItemsCountURL != "" {
		b.counter = reconcile.NewHTTPCounter(cfg.ItemsCountURL)
	}
	if cfg.RedisURL == "" {
		logger.Warn().Msg("REDIS_URL is empty; job snapshots and item counting are disabled")
		return b, nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		if cfg.GinMode == "release" {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		logger.Warn().Err(err).Msg("redis unavailable; running without job snapshots")
		return b, nil
	}

	ttlMinutes := cfg.JobExpireMinutes
	if ttlMinutes <= 0 {
		ttlMinutes = 60
	}
	b.rdb = rdb
	b.jobStore = jobs.NewStore(rdb, time.Duration(ttlMinutes)*time.Minute)
	if b.counter == nil {
		b.counter = items.NewStore(rdb, cfg.ItemsKey)
	}
	return b, nil
}

func setupJobs(cfg *config.Config, b *backends, logger zerolog.Logger) (*jobs.Service, error) {
	var reconciler *reconcile.Reconciler
	if b.counter != nil {
		reconciler = reconcile.New(b.counter, logger)
	}
	sup := supervisor.New(cfg.CancelGrace, logger)
	return jobs.NewService(jobs.OptionsFromConfig(cfg), sup, b.jobStore, reconciler, logger)
}
