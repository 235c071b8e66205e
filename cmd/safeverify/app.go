package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/attachment"
	"github.com/sicko7947/stepflow/engine"
	"github.com/sicko7947/stepflow/flows/fraudreport"
	"github.com/sicko7947/stepflow/flows/property"
	"github.com/sicko7947/stepflow/flows/tenant"
	"github.com/sicko7947/stepflow/internal/config"
	"github.com/sicko7947/stepflow/internal/metrics"
	"github.com/sicko7947/stepflow/internal/sandbox"
	"github.com/sicko7947/stepflow/store"
)

// app is everything serve needs, built from the configuration
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	backend *backend
	engine  *engine.Engine
	metrics *metrics.Metrics
	limiter *tenant.OTPLimiter
}

// backend holds the outcome store and reference sequencer plus whatever
// connections they own
type backend struct {
	outcomes stepflow.OutcomeStore
	seq      stepflow.Sequencer
	closers  []func() error
}

func (b *backend) Close() {
	for _, c := range b.closers {
		_ = c()
	}
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Format == "json" {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger.With().Timestamp().Str("service", "safeverify").Logger().Level(level)
}

// lazyAWS loads the shared AWS config on first use, so memory-only setups
// never need credentials
type lazyAWS struct {
	cfg    aws.Config
	loaded bool
}

func (l *lazyAWS) get(ctx context.Context) (aws.Config, error) {
	if l.loaded {
		return l.cfg, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	l.cfg, l.loaded = cfg, true
	return cfg, nil
}

func openBackend(ctx context.Context, cfg *config.Config, awsCfg *lazyAWS, logger zerolog.Logger) (*backend, error) {
	b := &backend{}

	var dynamo *dynamodb.Client
	dynamoClient := func() (*dynamodb.Client, error) {
		if dynamo != nil {
			return dynamo, nil
		}
		c, err := awsCfg.get(ctx)
		if err != nil {
			return nil, err
		}
		dynamo = dynamodb.NewFromConfig(c)
		return dynamo, nil
	}
	storeLogger := logger.With().Str("component", "store").Logger()

	switch cfg.Store.Backend {
	case "memory":
		b.outcomes = store.NewMemoryStore()
	case "dynamodb":
		client, err := dynamoClient()
		if err != nil {
			return nil, err
		}
		if cfg.Store.Migrate {
			if err := store.EnsureTable(ctx, client, cfg.Store.Table, 2*time.Minute); err != nil {
				return nil, err
			}
		}
		b.outcomes = store.NewDynamoDBStore(client, cfg.Store.Table, store.WithStoreLogger(storeLogger))
	case "postgres":
		db, err := sqlx.ConnectContext(ctx, "postgres", cfg.Store.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		b.closers = append(b.closers, db.Close)
		pg := store.NewPostgresStore(db)
		if cfg.Store.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				b.Close()
				return nil, fmt.Errorf("failed to migrate postgres: %w", err)
			}
		}
		b.outcomes = pg
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	if cfg.Store.CacheSize > 0 {
		cached, err := store.NewCachedStore(b.outcomes, cfg.Store.CacheSize)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.outcomes = cached
	}

	switch cfg.Sequencer.Backend {
	case "memory":
		b.seq = store.NewMemorySequencer()
	case "dynamodb":
		client, err := dynamoClient()
		if err != nil {
			b.Close()
			return nil, err
		}
		b.seq = store.NewDynamoDBSequencer(client, cfg.Store.Table, store.WithStoreLogger(storeLogger))
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Sequencer.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			b.Close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Sequencer.RedisAddr, err)
		}
		b.closers = append(b.closers, rdb.Close)
		b.seq = store.NewRedisSequencer(rdb)
	default:
		b.Close()
		return nil, fmt.Errorf("unknown sequencer backend %q", cfg.Sequencer.Backend)
	}

	logger.Info().
		Str("store", cfg.Store.Backend).
		Str("sequencer", cfg.Sequencer.Backend).
		Int("cache_size", cfg.Store.CacheSize).
		Msg("Outcome backend ready")
	return b, nil
}

func newUploader(ctx context.Context, cfg config.UploadsConfig, awsCfg *lazyAWS) (attachment.Uploader, error) {
	if cfg.Bucket == "" {
		return attachment.DiscardUploader{}, nil
	}
	c, err := awsCfg.get(ctx)
	if err != nil {
		return nil, err
	}
	return attachment.NewS3Uploader(s3.NewFromConfig(c), cfg.Bucket, cfg.PartSize, cfg.Concurrency), nil
}

// definitions builds the three workflows. External services run in sandbox
// mode: codes are logged and checks approve.
func definitions(cfg *config.Config, outcomes stepflow.OutcomeStore, limiter *tenant.OTPLimiter, logger zerolog.Logger) ([]*stepflow.Definition, error) {
	report, err := fraudreport.NewDefinition()
	if err != nil {
		return nil, err
	}

	photos := sandbox.Photos{}
	prop, err := property.NewDefinition(property.Config{
		Host:     cfg.Flows.VerificationHost,
		Scanner:  photos,
		Analyzer: photos,
		Logger:   logger.With().Str("workflow", string(property.Type)).Logger(),
		Breaker:  engine.DefaultBreakerConfig,
	})
	if err != nil {
		return nil, err
	}

	tenantLogger := logger.With().Str("workflow", string(tenant.Type)).Logger()
	ten, err := tenant.NewDefinition(tenant.Config{
		Reservations: tenant.NewOutcomeReservations(outcomes, property.Type, cfg.Flows.BankCheckRequired),
		OTP:          sandbox.NewOTP(tenantLogger),
		Identity:     sandbox.Identity{},
		Bank:         sandbox.Bank{},
		Limiter:      limiter,
		Logger:       tenantLogger,
		Breaker:      engine.DefaultBreakerConfig,
	})
	if err != nil {
		return nil, err
	}
	return []*stepflow.Definition{report, prop, ten}, nil
}

func newApp(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (*app, error) {
	logger := newLogger(cfg.Log)
	awsCfg := &lazyAWS{}

	b, err := openBackend(ctx, cfg, awsCfg, logger)
	if err != nil {
		return nil, err
	}
	uploader, err := newUploader(ctx, cfg.Uploads, awsCfg)
	if err != nil {
		b.Close()
		return nil, err
	}

	m := metrics.New(reg)
	limiter := tenant.NewOTPLimiter(tenant.LimiterConfig{
		Every:       cfg.Flows.OTPEvery,
		Burst:       cfg.Flows.OTPBurst,
		MaxAttempts: cfg.Flows.OTPMaxAttempts,
		MaxAge:      tenant.DefaultLimiterConfig.MaxAge,
	})

	defs, err := definitions(cfg, b.outcomes, limiter, logger)
	if err != nil {
		b.Close()
		return nil, err
	}
	registry, err := stepflow.NewRegistry(defs...)
	if err != nil {
		b.Close()
		return nil, err
	}

	engineLogger := logger.With().Str("component", "engine").Logger()
	executor := engine.NewExecutor(
		engine.WithExecutorLogger(engineLogger),
		engine.WithObserver(m),
		engine.WithDefaultTimeout(cfg.Engine.StepTimeout),
	)
	stager := attachment.NewStager(uploader,
		attachment.WithLogger(engineLogger),
		attachment.WithObserver(m),
		attachment.WithKeyPrefix(cfg.Uploads.Prefix),
		attachment.WithConcurrency(cfg.Uploads.Concurrency),
	)
	submitter := engine.NewSubmitter(b.outcomes, b.seq,
		engine.WithSubmitLogger(engineLogger),
		engine.WithSubmitObserver(m),
		engine.WithDuplicatePolicy(store.NewContactMatchPolicy(cfg.Engine.DuplicateWindow)),
	)
	eng := engine.NewEngine(registry, submitter,
		engine.WithLogger(engineLogger),
		engine.WithExecutor(executor),
		engine.WithStager(stager),
		engine.WithConfig(engine.EngineConfig{
			MaxInstances: cfg.Engine.MaxInstances,
			InstanceTTL:  cfg.Engine.InstanceTTL,
		}),
	)

	return &app{
		cfg:     cfg,
		logger:  logger,
		backend: b,
		engine:  eng,
		metrics: m,
		limiter: limiter,
	}, nil
}

// sweep expires idle instances and stale OTP limiters until ctx is done
func (a *app) sweep(ctx context.Context) {
	go a.engine.RunSweeper(ctx, a.cfg.Engine.SweepInterval)

	ticker := time.NewTicker(a.cfg.Engine.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.limiter.Prune()
			a.metrics.LiveInstances.Set(float64(a.engine.Len()))
		}
	}
}

func (a *app) Close() {
	a.backend.Close()
}
