// Package app wires configuration into the running ingestion services.
package app

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"oddsfeed/ingestion/internal/cache"
	"oddsfeed/ingestion/internal/client"
	"oddsfeed/ingestion/internal/config"
	"oddsfeed/ingestion/internal/models"
	"oddsfeed/ingestion/internal/pipeline"
	"oddsfeed/ingestion/internal/queue"
	"oddsfeed/ingestion/internal/reconcile"
	"oddsfeed/ingestion/internal/repository"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Services holds every long-lived component
type Services struct {
	Client   *client.Client
	DB       *repository.Database
	Cache    *cache.RedisCache
	Engine   *reconcile.Engine
	Queue    *queue.Queue
	Pipeline *pipeline.Pipeline
}

// Open connects to Postgres and Redis and builds the pipeline. A Redis that
// is down at startup is not fatal: the cache fails open per call.
func Open(ctx context.Context, cfg *config.Config) (*Services, error) {
	pcfg, err := PipelineConfig(cfg)
	if err != nil {
		return nil, err
	}

	oddsClient := client.NewClient(cfg.OddsAPIBaseURL, cfg.OddsAPITimeout, client.Options{
		RatePerSecond:  cfg.OddsAPIRatePerSecond,
		Burst:          cfg.OddsAPIBurst,
		MinKeyInterval: cfg.OddsAPIMinKeyInterval,
		MaxConcurrency: cfg.OddsAPIMaxConcurrency,
	})

	db, err := repository.NewDatabase(ctx, repository.Config{
		Host:     cfg.DatabaseHost,
		Port:     strconv.Itoa(cfg.DatabasePort),
		User:     cfg.DatabaseUser,
		Password: cfg.DatabasePassword,
		Database: cfg.DatabaseName,
		SSLMode:  cfg.DatabaseSSLMode,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.DatabaseAutoMigrate {
		if err := db.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	redisCache, err := cache.NewRedisCache(cache.Config{
		Host:         cfg.RedisHost,
		Port:         strconv.Itoa(cfg.RedisPort),
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		VerifyWrites: cfg.CacheVerifyWrites,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Redis unavailable - continuing with fail-open cache")
		redisCache = cache.NewFromClient(redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr(),
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
		}), cfg.CacheVerifyWrites)
	}

	engine := reconcile.NewEngine(db, cfg.DatabaseTimeout)
	q := queue.New(redisCache, queue.Config{
		Name:        cfg.RetryQueueName,
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
	}, nil)
	p := pipeline.New(oddsClient, redisCache, db, engine, q, pcfg)
	q.SetHandler(p.Retry)

	return &Services{
		Client:   oddsClient,
		DB:       db,
		Cache:    redisCache,
		Engine:   engine,
		Queue:    q,
		Pipeline: p,
	}, nil
}

// Close releases connections
func (s *Services) Close() {
	if s.Cache != nil {
		s.Cache.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}

// PipelineConfig maps environment settings onto the pipeline
func PipelineConfig(cfg *config.Config) (pipeline.Config, error) {
	pcfg := pipeline.DefaultConfig()

	for kind, raw := range map[models.Kind]string{
		models.KindBookmaker: cfg.BookmakerOptionPolicy,
		models.KindFancy:     cfg.FancyOptionPolicy,
		models.KindEvent:     cfg.EventOddsOptionPolicy,
	} {
		policy, err := reconcile.ParsePolicy(raw)
		if err != nil {
			return pipeline.Config{}, fmt.Errorf("%s option policy: %w", kind, err)
		}
		pcfg.OptionPolicies[kind] = policy
	}

	pcfg.RawTTL = config.Seconds(cfg.CacheTTLRawOdds)
	pcfg.ReconciledTTL = config.Seconds(cfg.CacheTTLReconciled)
	pcfg.RouteTTL = config.Seconds(cfg.CacheTTLRoute)
	pcfg.InPlayFancyTTL = config.Seconds(cfg.CacheTTLInPlayFancy)
	pcfg.ReadFirst = cfg.CacheReadFirst
	pcfg.FallbackOnSourceError = cfg.CacheFallbackOnSourceError
	pcfg.MatchTimeout = cfg.DatabaseTimeout
	return pcfg, nil
}
