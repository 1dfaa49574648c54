package intake

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	xerrors "ProofMarket/internal/errors"
	"ProofMarket/pkg/logger"
)

// RedisQueue 基于 Redis 列表（LPUSH / BRPOP）实现批次队列。
type RedisQueue struct {
	client *redis.Client
	queue  string
	wait   time.Duration
}

// NewRedisQueue 连接 Redis 并执行一次 PING。
func NewRedisQueue(ctx context.Context, cfg RedisConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return newRedisQueue(client, cfg), nil
}

func newRedisQueue(client *redis.Client, cfg RedisConfig) *RedisQueue {
	queue := cfg.Queue
	if queue == "" {
		queue = "proofmarket:batches"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, queue: queue, wait: wait}
}

// Publish 将批次压入列表。
func (q *RedisQueue) Publish(ctx context.Context, payload []byte) error {
	if err := q.client.LPush(ctx, q.queue, payload).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布批次失败")
	}
	return nil
}

// Consume 通过 BRPOP 取批次。处理失败的批次不会重新入队。
// 任一 worker 遇到队列错误时，其余 worker 随之退出。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workerCount; i++ {
		g.Go(func() error { return q.work(gctx, handler) })
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (q *RedisQueue) work(ctx context.Context, handler Handler) error {
	for ctx.Err() == nil {
		values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
		switch {
		case err == nil:
		case errors.Is(err, redis.Nil):
			continue
		case isContextErr(err):
			return nil
		case errors.Is(err, redis.ErrClosed):
			return err
		default:
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取批次失败")
		}
		if len(values) != 2 {
			continue
		}
		if handlerErr := handler(ctx, []byte(values[1])); handlerErr != nil {
			logger.L().Debug("批次处理失败，不重新入队", slog.Any("error", handlerErr))
		}
	}
	return nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Close 关闭 Redis 客户端。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
