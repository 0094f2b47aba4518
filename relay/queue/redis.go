package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNilRedisClient is returned when a RedisStore is created without a client.
var ErrNilRedisClient = errors.New("redis client is nil")

const (
	redisKeyPrefix   = "relay:queue:"
	promoteBatchSize = 100
	// go-redis truncates BRPOP timeouts below one second to one second.
	minRedisBlockTimeout = time.Second
	defaultDedupeTTL     = 5 * time.Minute
)

// RedisStore persists jobs in Redis so queued work survives process
// restarts and is shared between worker processes.
//
// Layout per queue:
//   - ready list  {prefix}{queue}:ready    (LPUSH / BRPOP, FIFO)
//   - delayed zset {prefix}{queue}:delayed (score = ready time, unix ms)
//   - dedupe keys {prefix}{queue}:dedupe:{id}, expiring
//
// Dedupe keys always carry a TTL. Settling a job releases its key
// immediately; the TTL covers crashes between dequeue and settle, so a
// regenerated job for the same id is accepted again once the key expires
// instead of being rejected forever.
type RedisStore struct {
	client    redis.UniversalClient
	dedupeTTL time.Duration
	now       func() time.Time
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithDedupeTTL bounds how long an unsettled job suppresses duplicates.
// Size it to outlive one delivery attempt; re-enqueues of lost jobs wait
// this long at most.
func WithDedupeTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		if ttl > 0 {
			s.dedupeTTL = ttl
		}
	}
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) (*RedisStore, error) {
	if client == nil {
		return nil, ErrNilRedisClient
	}

	s := &RedisStore{client: client, dedupeTTL: defaultDedupeTTL, now: time.Now}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s, nil
}

func readyKey(queueName string) string { return redisKeyPrefix + queueName + ":ready" }

func delayedKey(queueName string) string { return redisKeyPrefix + queueName + ":delayed" }

func dedupeKey(queueName, id string) string { return redisKeyPrefix + queueName + ":dedupe:" + id }

// Enqueue implements Store.
func (s *RedisStore) Enqueue(ctx context.Context, job *Job) (bool, error) {
	if job == nil || job.Queue == "" {
		return false, ErrQueueNameEmpty
	}

	if job.DedupeID != "" {
		// A delayed job holds its key through the delay plus one delivery
		// window; never unbounded, or a crash before settle would wedge the
		// id for good.
		ttl := s.dedupeTTL
		if !job.ReadyAt.IsZero() {
			if until := job.ReadyAt.Sub(s.now()); until > 0 {
				ttl += until
			}
		}

		reserved, err := s.client.SetNX(ctx, dedupeKey(job.Queue, job.DedupeID), "1", ttl).Result()
		if err != nil {
			return false, fmt.Errorf("reserve dedupe id: %w", err)
		}

		if !reserved {
			return false, nil
		}
	}

	encoded, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("encode job: %w", err)
	}

	if !job.ReadyAt.IsZero() && job.ReadyAt.After(s.now()) {
		err = s.client.ZAdd(ctx, delayedKey(job.Queue), redis.Z{
			Score:  float64(job.ReadyAt.UnixMilli()),
			Member: encoded,
		}).Err()
		if err != nil {
			return false, fmt.Errorf("schedule delayed job: %w", err)
		}

		return true, nil
	}

	if err := s.client.LPush(ctx, readyKey(job.Queue), encoded).Err(); err != nil {
		return false, fmt.Errorf("enqueue job: %w", err)
	}

	return true, nil
}

// Dequeue implements Store. Due delayed jobs are promoted to the ready list
// before blocking.
func (s *RedisStore) Dequeue(ctx context.Context, queueName string, block time.Duration) (*Job, error) {
	if err := s.promoteDue(ctx, queueName); err != nil {
		return nil, err
	}

	if block < minRedisBlockTimeout {
		block = minRedisBlockTimeout
	}

	values, err := s.client.BRPop(ctx, block, readyKey(queueName)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}

	// BRPop returns [key, value].
	job := &Job{}
	if err := json.Unmarshal([]byte(values[1]), job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}

	return job, nil
}

// promoteDue moves delayed jobs whose ready time has elapsed onto the ready
// list. ZRem guards against another process promoting the same member.
func (s *RedisStore) promoteDue(ctx context.Context, queueName string) error {
	due, err := s.client.ZRangeByScore(ctx, delayedKey(queueName), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(s.now().UnixMilli(), 10),
		Count: promoteBatchSize,
	}).Result()
	if err != nil {
		return fmt.Errorf("list due jobs: %w", err)
	}

	for _, member := range due {
		removed, err := s.client.ZRem(ctx, delayedKey(queueName), member).Result()
		if err != nil {
			return fmt.Errorf("promote job: %w", err)
		}

		if removed == 0 {
			continue
		}

		if err := s.client.LPush(ctx, readyKey(queueName), member).Err(); err != nil {
			return fmt.Errorf("promote job: %w", err)
		}
	}

	return nil
}

// Complete implements Store.
func (s *RedisStore) Complete(ctx context.Context, job *Job) error {
	return s.release(ctx, job)
}

// Fail implements Store.
func (s *RedisStore) Fail(ctx context.Context, job *Job) error {
	return s.release(ctx, job)
}

func (s *RedisStore) release(ctx context.Context, job *Job) error {
	if job == nil || job.DedupeID == "" {
		return nil
	}

	if err := s.client.Del(ctx, dedupeKey(job.Queue, job.DedupeID)).Err(); err != nil {
		return fmt.Errorf("release dedupe id: %w", err)
	}

	return nil
}
