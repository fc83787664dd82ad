package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/omniforge/orch/pkg/oerr"
	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue on a Redis list: RPUSH to produce, BLPOP to
// consume.
type RedisQueue struct {
	client *redis.Client
	name   string
}

// RedisConfig holds configuration for connecting to Redis/Valkey.
type RedisConfig struct {
	Addr     string // host:port
	Password string // optional
	DB       int    // database number
	Name     string // list key, DefaultName when empty
}

// NewRedisQueue connects lazily; a broker outage surfaces on the first
// Enqueue or Dequeue rather than at construction.
func NewRedisQueue(cfg RedisConfig) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisQueueFromClient(client, cfg.Name)
}

// NewRedisQueueFromClient wraps an existing client.
func NewRedisQueueFromClient(client *redis.Client, name string) *RedisQueue {
	if name == "" {
		name = DefaultName
	}
	return &RedisQueue{client: client, name: name}
}

// Name returns the list key.
func (q *RedisQueue) Name() string {
	return q.name
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobID int64) error {
	payload, err := encode(jobID)
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, q.name, payload).Err(); err != nil {
		return oerr.New(oerr.CodeQueueUnavailable, fmt.Errorf("enqueue job %d: %w", jobID, err))
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (int64, bool, error) {
	// BLPOP returns [key, value].
	res, err := q.client.BLPop(ctx, timeout, q.name).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return 0, false, ctx.Err()
		}
		return 0, false, oerr.New(oerr.CodeQueueUnavailable, fmt.Errorf("dequeue: %w", err))
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("%w: unexpected BLPOP reply %v", ErrMalformed, res)
	}

	jobID, err := decode(res[1])
	if err != nil {
		return 0, false, err
	}
	return jobID, true, nil
}

// Len reports the number of queued messages.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.name).Result()
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return oerr.New(oerr.CodeQueueUnavailable, err)
	}
	return nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)
