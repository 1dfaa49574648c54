package intake

import (
	"context"
	"sync"

	xerrors "ProofMarket/internal/errors"
)

// MemoryQueue 是进程内的有界批次队列，供单机部署与测试使用。
// 关闭通过 done 通道广播，ch 本身从不关闭。
type MemoryQueue struct {
	ch        chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryQueue 创建最多缓存 size 个批次的队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan []byte, size), done: make(chan struct{})}
}

// Publish 投递批次。队列已满时阻塞，直到有空位、ctx 结束或队列关闭。
func (q *MemoryQueue) Publish(ctx context.Context, payload []byte) error {
	if q.isClosed() {
		return errQueueClosed()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return errQueueClosed()
	case q.ch <- append([]byte(nil), payload...):
		return nil
	}
}

// Consume 启动 workerCount 个 worker，直到 ctx 结束或队列关闭。
// 关闭后 worker 先处理完已缓存的批次再退出。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case payload := <-q.ch:
					_ = handler(ctx, payload)
				case <-q.done:
					q.drain(ctx, handler)
					return
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) drain(ctx context.Context, handler Handler) {
	for ctx.Err() == nil {
		select {
		case payload := <-q.ch:
			_ = handler(ctx, payload)
		default:
			return
		}
	}
}

// Close 停止接收新批次，并唤醒所有阻塞中的 Publish。
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

func (q *MemoryQueue) isClosed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

func errQueueClosed() error {
	return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
}
