package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"postify/internal/domain"
)

// RedisGenerationQueue реализует очередь задач генерации на базе Redis lists.
type RedisGenerationQueue struct {
	client *redis.Client
	key    string
}

// NewRedisGenerationQueue создаёт очередь по указанному ключу.
func NewRedisGenerationQueue(client *redis.Client, key string) *RedisGenerationQueue {
	return &RedisGenerationQueue{client: client, key: key}
}

// Enqueue публикует задачу в очередь.
func (q *RedisGenerationQueue) Enqueue(ctx context.Context, job domain.GenerationJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

// Receive блокирующе читает задачу из очереди. У Redis-списка нет
// подтверждений, поэтому ack при неуспехе возвращает задачу в хвост.
func (q *RedisGenerationQueue) Receive(ctx context.Context) (domain.GenerationJob, domain.GenerationAckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.GenerationJob{}, nil, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.GenerationJob{}, nil, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.GenerationJob{}, nil, err
		}
		if len(res) != 2 {
			return domain.GenerationJob{}, nil, errors.New("redis queue: unexpected response")
		}
		var job domain.GenerationJob
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return domain.GenerationJob{}, nil, fmt.Errorf("decode job: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return nil
			}
			return q.client.LPush(context.Background(), q.key, res[1]).Err()
		}
		return job, ack, nil
	}
}
