package pipeline

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrPoolClosed 表示 Pool 已关闭，不再接受任务。
var ErrPoolClosed = errors.New("worker pool closed")

// Pool 是并发度有上限的 goroutine 池。Go 永不阻塞调用方；
// 任务在获得 semaphore 额度后执行。
type Pool struct {
	workers int64
	sem     *semaphore.Weighted
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	running atomic.Int64
	pending atomic.Int64
}

// NewPool 创建最多同时运行 workers 个任务的 Pool，workers <= 0 时取 GOMAXPROCS*4。
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0) * 4
	}
	return &Pool{
		workers: int64(workers),
		sem:     semaphore.NewWeighted(int64(workers)),
	}
}

// Go 提交任务。ctx 在获得额度前结束时任务不会执行。
func (p *Pool) Go(ctx context.Context, fn func(ctx context.Context)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	p.wg.Add(1)
	p.pending.Add(1)
	go func() {
		defer p.wg.Done()
		err := p.sem.Acquire(ctx, 1)
		p.pending.Add(-1)
		if err != nil {
			return
		}
		defer p.sem.Release(1)

		p.running.Add(1)
		defer p.running.Add(-1)
		fn(ctx)
	}()
	return nil
}

// Wait 阻塞直到所有已提交的任务结束。
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Close 拒绝新任务并等待已提交的任务结束，重复调用安全。
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}

// PoolStats 是 Pool 的运行时快照。
type PoolStats struct {
	Workers int64 `json:"workers"`
	Running int64 `json:"running"`
	Pending int64 `json:"pending"`
}

func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Workers: p.workers,
		Running: p.running.Load(),
		Pending: p.pending.Load(),
	}
}
