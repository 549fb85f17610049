package pipeline

import (
	"context"
	"sync"
)

// Executor 决定完成回调在哪个上下文中运行。
type Executor interface {
	Execute(fn func())
}

// ExecutorFunc 让普通函数满足 Executor。
type ExecutorFunc func(fn func())

func (f ExecutorFunc) Execute(fn func()) { f(fn) }

// Inline 在完成 Future 的 goroutine 上直接运行回调。
var Inline Executor = ExecutorFunc(func(fn func()) { fn() })

// Loop 是串行执行队列：回调按提交顺序由单个 goroutine（Run）或调用方（Drain）执行，
// 用来模拟只能在特定线程更新的上下文。
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	notify chan struct{}
	closed bool
}

func NewLoop() *Loop {
	return &Loop{notify: make(chan struct{}, 1)}
}

// Execute 入队 fn。Loop 关闭后提交的回调被丢弃。
func (l *Loop) Execute(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Drain 在调用方 goroutine 上运行当前排队的全部回调，返回执行数量。
func (l *Loop) Drain() int {
	l.mu.Lock()
	tasks := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, fn := range tasks {
		fn()
	}
	return len(tasks)
}

// Run 持续执行回调，直到 ctx 结束或 Loop 被关闭。
func (l *Loop) Run(ctx context.Context) {
	for {
		l.Drain()
		l.mu.Lock()
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-l.notify:
		}
	}
}

// Len 返回排队中的回调数。
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Close 停止 Run；已排队的回调在 Run 退出前执行完。
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
}
