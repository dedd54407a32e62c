package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/leadline/sms-backend/internal/domain"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "queue:"

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisQueue implements Backend, Inspector and EventPublisher on Redis lists,
// sorted sets and pub/sub. One client serves every queue name.
type RedisQueue struct {
	client *redis.Client
	prefix string
}

// promoteScript moves due members of the delay set onto the ready list
// atomically, so two workers never promote the same job.
var promoteScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, item in ipairs(items) do
	redis.call('ZREM', KEYS[1], item)
	redis.call('LPUSH', KEYS[2], item)
end
return #items
`)

const promoteBatch = 100

func NewRedisQueue(ctx context.Context, cfg RedisConfig) (*RedisQueue, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisQueueFromClient(client, cfg.KeyPrefix), nil
}

func NewRedisQueueFromClient(client *redis.Client, keyPrefix string) *RedisQueue {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisQueue{client: client, prefix: keyPrefix}
}

// Client exposes the underlying connection for components sharing it.
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) readyKey(name string) string   { return q.prefix + name }
func (q *RedisQueue) delayedKey(name string) string { return q.prefix + name + ":delayed" }
func (q *RedisQueue) deadKey(name string) string    { return q.prefix + name + ":dead" }

func (q *RedisQueue) Enqueue(ctx context.Context, queueName string, job domain.Job) error {
	now := time.Now()
	job, err := prepareJob(queueName, job, now)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}

	if job.DueIn(now) > 0 {
		err = q.client.ZAdd(ctx, q.delayedKey(job.Queue), redis.Z{
			Score:  float64(job.ScheduledFor.UnixMilli()),
			Member: encoded,
		}).Err()
		if err != nil {
			return fmt.Errorf("enqueue delayed job %s: %w", job.ID, err)
		}
		return nil
	}

	if err := q.client.LPush(ctx, q.readyKey(job.Queue), encoded).Err(); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*domain.Job, error) {
	if queueName == "" {
		return nil, ErrQueueNameRequired
	}
	if timeout < time.Second {
		timeout = time.Second
	}

	values, err := q.client.BRPop(ctx, timeout, q.readyKey(queueName)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("brpop %s: %w", queueName, err)
	}
	if len(values) != 2 {
		return nil, fmt.Errorf("brpop %s: unexpected reply length %d", queueName, len(values))
	}

	var job domain.Job
	if err := json.Unmarshal([]byte(values[1]), &job); err != nil {
		return nil, fmt.Errorf("decode job from %s: %w", queueName, err)
	}
	return &job, nil
}

func (q *RedisQueue) PromoteDue(ctx context.Context, queueName string, now time.Time) (int, error) {
	moved, err := promoteScript.Run(
		ctx,
		q.client,
		[]string{q.delayedKey(queueName), q.readyKey(queueName)},
		strconv.FormatInt(now.UnixMilli(), 10),
		promoteBatch,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed jobs on %s: %w", queueName, err)
	}
	return moved, nil
}

func (q *RedisQueue) DeadLetter(ctx context.Context, queueName string, job domain.Job, reason string) error {
	encoded, err := json.Marshal(DeadLetterEntry{
		Job:      job,
		Reason:   reason,
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode dead letter %s: %w", job.ID, err)
	}
	if err := q.client.LPush(ctx, q.deadKey(queueName), encoded).Err(); err != nil {
		return fmt.Errorf("dead letter %s: %w", job.ID, err)
	}
	return nil
}

func (q *RedisQueue) Depth(ctx context.Context, queueName string) (int64, error) {
	return q.client.LLen(ctx, q.readyKey(queueName)).Result()
}

func (q *RedisQueue) DelayedCount(ctx context.Context, queueName string) (int64, error) {
	return q.client.ZCard(ctx, q.delayedKey(queueName)).Result()
}

func (q *RedisQueue) DeadLetterCount(ctx context.Context, queueName string) (int64, error) {
	return q.client.LLen(ctx, q.deadKey(queueName)).Result()
}

func (q *RedisQueue) Publish(ctx context.Context, channel string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event for %s: %w", channel, err)
	}
	if err := q.client.Publish(ctx, channel, encoded).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}
