package workers

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrQueueFull = errors.New("job queue full")

// Queue carries job IDs from the API to the workers. Pop blocks until an ID
// is available or ctx is done.
type Queue interface {
	Push(ctx context.Context, jobID uint) error
	Pop(ctx context.Context) (uint, error)
}

// ChanQueue is the in-process queue used when redis is not configured.
type ChanQueue struct {
	ch chan uint
}

func NewChanQueue(size int) *ChanQueue {
	if size <= 0 {
		size = 100
	}
	return &ChanQueue{ch: make(chan uint, size)}
}

func (q *ChanQueue) Push(_ context.Context, jobID uint) error {
	select {
	case q.ch <- jobID:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *ChanQueue) Pop(ctx context.Context) (uint, error) {
	select {
	case id := <-q.ch:
		return id, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// RedisQueue shares one list between every API instance.
type RedisQueue struct {
	client *redis.Client
	key    string
	wait   time.Duration
}

func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "campaignstudio:jobs"
	}
	return &RedisQueue{client: client, key: key, wait: 5 * time.Second}
}

func (q *RedisQueue) Push(ctx context.Context, jobID uint) error {
	return q.client.LPush(ctx, q.key, jobID).Err()
}

func (q *RedisQueue) Pop(ctx context.Context) (uint, error) {
	for {
		res, err := q.client.BRPop(ctx, q.wait, q.key).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, err
		}
		// res is [key, value]
		id, err := strconv.ParseUint(res[1], 10, 64)
		if err != nil {
			continue
		}
		return uint(id), nil
	}
}
