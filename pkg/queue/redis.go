package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	wakeupList = "queue:wakeups"
	pollWait   = 5 * time.Second
)

// Wakeup asks the scheduling layer to consider starting builds on a worker.
type Wakeup struct {
	Worker string `json:"worker"`
	At     int64  `json:"at"`
}

// Signaler emits wake-ups. Release of a build's locks is the main producer.
type Signaler interface {
	Signal(ctx context.Context, worker string) error
}

// Consumer hands out wake-ups in emission order. Next returns nil, nil when
// nothing arrived within the poll window. Len is the backlog still queued.
type Consumer interface {
	Next(ctx context.Context) (*Wakeup, error)
	Len(ctx context.Context) (int64, error)
}

// RedisQueue keeps wake-ups in a redis list shared by every coordinator
// attached to the same database.
type RedisQueue struct {
	redis *redis.Client
}

var (
	_ Signaler = (*RedisQueue)(nil)
	_ Consumer = (*RedisQueue)(nil)
)

func NewRedisQueue(redisURL string) (*RedisQueue, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisQueue{redis: client}, nil
}

func (q *RedisQueue) Signal(ctx context.Context, worker string) error {
	w := Wakeup{Worker: worker, At: time.Now().Unix()}
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}

	// Remember the latest wake-up per worker for status pages.
	if err := q.redis.Set(ctx, wakeupKey(worker), data, 24*time.Hour).Err(); err != nil {
		return err
	}
	return q.redis.RPush(ctx, wakeupList, data).Err()
}

func (q *RedisQueue) Next(ctx context.Context) (*Wakeup, error) {
	result, err := q.redis.BLPop(ctx, pollWait, wakeupList).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var w Wakeup
	if err := json.Unmarshal([]byte(result[1]), &w); err != nil {
		return nil, fmt.Errorf("decode wakeup: %w", err)
	}
	return &w, nil
}

// LastWakeup returns the most recent wake-up emitted for worker, or nil.
func (q *RedisQueue) LastWakeup(ctx context.Context, worker string) (*Wakeup, error) {
	data, err := q.redis.Get(ctx, wakeupKey(worker)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var w Wakeup
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.redis.LLen(ctx, wakeupList).Result()
}

func (q *RedisQueue) Close() error {
	return q.redis.Close()
}

func wakeupKey(worker string) string {
	return fmt.Sprintf("wakeup:%s", worker)
}
