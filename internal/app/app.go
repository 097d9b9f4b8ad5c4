package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/example/sms-dispatcher/internal/common"
	"github.com/example/sms-dispatcher/internal/dispatch"
	"github.com/example/sms-dispatcher/internal/events"
	"github.com/example/sms-dispatcher/internal/paramstore"
	"github.com/example/sms-dispatcher/internal/quota"
	"github.com/example/sms-dispatcher/internal/salesrecord"
	"github.com/example/sms-dispatcher/internal/sendlog"
	"github.com/example/sms-dispatcher/internal/sms"
)

// Runtime holds the dispatch service and the connections behind it.
type Runtime struct {
	Service *dispatch.Service
	Store   sendlog.Store

	closers []func()
}

// Close releases connections in reverse order of creation.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// Build connects to Postgres, Redis and Kafka and assembles the dispatch
// service. Missing provider credentials do not fail Build; every dispatch
// reports them instead.
func Build(ctx context.Context, cfg *common.Config, logger zerolog.Logger) (*Runtime, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL must be provided")
	}
	rt := &Runtime{}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	rt.closers = append(rt.closers, pool.Close)

	store, err := sendlog.NewPostgresStore(pool, cfg.Dispatch.InFlightTTL)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		rt.Close()
		return nil, fmt.Errorf("ensure send log schema: %w", err)
	}
	rt.Store = store

	resolver, err := salesrecord.NewPostgresResolver(pool, cfg.SalesRecord.Table, cfg.SalesRecord.IDColumn, cfg.SalesRecord.PhoneColumn)
	if err != nil {
		rt.Close()
		return nil, err
	}

	composer, err := sms.NewComposer(cfg.SMS.MessageBody, cfg.SMS.ReferenceNamespace, cfg.SMS.ReferenceVersion)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("%w: %w", dispatch.ErrConfig, err)
	}

	checker, closeQuota := newQuota(ctx, cfg.Quota, logger)
	rt.closers = append(rt.closers, closeQuota)

	// One event per target outcome, written synchronously by the observer.
	eventWriter := &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.SMSEventsTopic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
	}
	rt.closers = append(rt.closers, func() { _ = eventWriter.Close() })

	rt.Service = &dispatch.Service{
		Dispatcher: &dispatch.Dispatcher{
			Gateway: &sms.HTTPGateway{
				Endpoint: cfg.SMS.APIURL,
				APIToken: resolveToken(ctx, cfg.SMS, logger),
				Client:   &http.Client{Timeout: cfg.SMS.Timeout},
			},
			Composer:    composer,
			Store:       store,
			Retry:       retryPolicy(cfg.Dispatch, logger),
			SenderID:    cfg.SMS.SenderID,
			BatchSize:   cfg.Dispatch.BatchSize,
			Concurrency: cfg.Dispatch.Concurrency,
			Observer:    &events.KafkaPublisher{Writer: eventWriter, Logger: logger},
			Logger:      logger,
		},
		Resolver: resolver,
		Quota:    checker,
		Logger:   logger,
	}
	return rt, nil
}

func resolveToken(ctx context.Context, cfg common.SMSConfig, logger zerolog.Logger) string {
	if cfg.APIToken != "" || cfg.APITokenParam == "" {
		return cfg.APIToken
	}
	client, err := paramstore.NewFromEnvironment(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("parameter store unavailable, sms provider token not loaded")
		return ""
	}
	token, err := client.Resolve(ctx, cfg.APIToken, cfg.APITokenParam)
	if err != nil {
		logger.Error().Err(err).Str("param", cfg.APITokenParam).Msg("failed to load sms provider token")
		return ""
	}
	return token
}

func retryPolicy(cfg common.DispatchConfig, logger zerolog.Logger) sms.RetryPolicy {
	return sms.RetryPolicy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			logger.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("retrying sms send")
		},
	}
}

// newQuota returns a Redis sliding window backed by a per-process limiter,
// or the per-process limiter alone when no Redis address is configured.
func newQuota(ctx context.Context, cfg common.QuotaConfig, logger zerolog.Logger) (quota.Checker, func()) {
	local := quota.NewMemoryLimiter(cfg.Limit, cfg.Window)
	if cfg.RedisAddr == "" {
		logger.Warn().Msg("REDIS_ADDR not set, quota is per process")
		return local, func() {}
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable at startup")
	}
	return &quota.Fallback{
		Primary:   quota.NewRedisSlidingWindow(rdb, cfg.Limit, cfg.Window),
		Secondary: local,
		Logger:    logger,
	}, func() { _ = rdb.Close() }
}
