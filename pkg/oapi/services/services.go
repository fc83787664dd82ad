package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"

	"github.com/omniforge/orch/pkg/audit"
	"github.com/omniforge/orch/pkg/hetzner"
	"github.com/omniforge/orch/pkg/identity"
	"github.com/omniforge/orch/pkg/jobs"
	"github.com/omniforge/orch/pkg/kv"
	"github.com/omniforge/orch/pkg/oapi/config"
	"github.com/omniforge/orch/pkg/oart"
	"github.com/omniforge/orch/pkg/policy"
	"github.com/omniforge/orch/pkg/queue"
	"github.com/omniforge/orch/pkg/secrets"
	"github.com/omniforge/orch/pkg/store/bunstore"
)

// Services is everything the API, the worker and the scheduler share.
type Services struct {
	Jobs      *jobs.Service
	Streamer  *jobs.Streamer
	Executor  *jobs.Executor
	Queue     queue.Queue
	Policies  *policy.Engine
	Scheduler *policy.Scheduler
	Tokens    *identity.Tokens

	redis *redis.Client
}

func NewServices(ctx context.Context, cfg *config.EnvConfig, db *bun.DB, logger *slog.Logger) (*Services, error) {
	st := bunstore.New(db)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.NewRedisQueueFromClient(rdb, cfg.QueueName)
	cancels := jobs.NewCancelFlags(kv.NewValkeyStoreFromClient(rdb, ""), "")

	artifacts, err := newArtifactStore(ctx, cfg, logger)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}

	box, err := secrets.NewBox(cfg.SecretKey)
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("credential box: %w", err)
	}

	sink := audit.NewStoreSink(st, logger)
	registry := jobs.NewRegistry(jobs.DefaultRunbooks()...)

	engine := policy.NewEngine(st, hetzner.NewClient(cfg.HetznerAPIBase), box, logger,
		policy.WithAuditSink(sink),
	)

	return &Services{
		Jobs: &jobs.Service{
			Jobs:      st,
			Queue:     q,
			Registry:  registry,
			Cancels:   cancels,
			Artifacts: artifacts,
			Audit:     sink,
			Logger:    logger,
		},
		Streamer: jobs.NewStreamer(st),
		Executor: jobs.NewExecutor(st, registry, logger,
			jobs.WithCancelFlags(cancels),
			jobs.WithArtifactStore(artifacts),
			jobs.WithStepDelay(cfg.StepDelay),
			jobs.WithLeaseTTL(cfg.LeaseTTL),
		),
		Queue:    q,
		Policies: engine,
		Scheduler: &policy.Scheduler{
			Engine:   engine,
			Interval: cfg.SchedulerInterval,
			Logger:   logger,
		},
		Tokens: identity.NewTokens(cfg.AuthSecret, cfg.TokenIssuer),
		redis:  rdb,
	}, nil
}

func newArtifactStore(ctx context.Context, cfg *config.EnvConfig, logger *slog.Logger) (oart.Store, error) {
	if cfg.S3Endpoint == "" {
		logger.Warn("S3_ENDPOINT not set, artifacts are kept in memory")
		return oart.NewMemoryStore(cfg.S3Bucket), nil
	}
	s3, err := oart.NewS3Store(oart.S3Config{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		UseSSL:    cfg.S3UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	if err := s3.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", cfg.S3Bucket, err)
	}
	return s3, nil
}

// Ping checks the broker so a misconfigured REDIS_ADDR fails at startup.
func (s *Services) Ping(ctx context.Context) error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Ping(ctx).Err()
}

func (s *Services) Close() error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Close()
}
