package pipeline

import (
	"context"
	"errors"
	"sync"
)

// ErrCanceled 是被 Cancel 的 Future 的结果错误。
var ErrCanceled = errors.New("future canceled")

type callback[T any] struct {
	exec Executor
	fn   func(T, error)
}

// Future 是只完成一次的异步结果。Cancel 只影响当前观察者：
// 产生结果的任务不会被中止，但尚未执行的回调会被丢弃。
type Future[T any] struct {
	done chan struct{}

	mu        sync.Mutex
	value     T
	err       error
	completed bool
	canceled  bool
	callbacks []callback[T]
}

// NewFuture 返回尚未完成的 Future。
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed 返回已经完成的 Future。
func Completed[T any](value T, err error) *Future[T] {
	f := NewFuture[T]()
	f.Complete(value, err)
	return f
}

// Complete 设置结果并派发回调，只有第一次调用生效。
func (f *Future[T]) Complete(value T, err error) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.value, f.err, f.completed = value, err, true
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		f.dispatch(cb, value, err)
	}
	return true
}

// Cancel 以 ErrCanceled 完成尚未完成的 Future，并抑制所有未执行的回调。
// 返回 Future 在调用前是否仍未完成。
func (f *Future[T]) Cancel() bool {
	f.mu.Lock()
	f.canceled = true
	pending := !f.completed
	if pending {
		var zero T
		f.value, f.err, f.completed = zero, ErrCanceled, true
		f.callbacks = nil
		close(f.done)
	}
	f.mu.Unlock()
	return pending
}

// Canceled 报告 Cancel 是否被调用过。
func (f *Future[T]) Canceled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canceled
}

// Done 在 Future 完成时关闭。
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await 等待结果；ctx 先结束时返回 ctx.Err()，Future 本身不受影响。
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Peek 非阻塞地读取结果，done=false 表示尚未完成。
func (f *Future[T]) Peek() (value T, done bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.completed {
		return value, false, nil
	}
	return f.value, true, f.err
}

// OnComplete 注册完成回调，在 exec 上运行；已完成时立即派发。exec 为 nil 时使用 Inline。
func (f *Future[T]) OnComplete(exec Executor, fn func(T, error)) {
	if exec == nil {
		exec = Inline
	}
	cb := callback[T]{exec: exec, fn: fn}

	f.mu.Lock()
	if f.canceled {
		f.mu.Unlock()
		return
	}
	if !f.completed {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	value, err := f.value, f.err
	f.mu.Unlock()
	f.dispatch(cb, value, err)
}

func (f *Future[T]) dispatch(cb callback[T], value T, err error) {
	cb.exec.Execute(func() {
		if f.Canceled() {
			return
		}
		cb.fn(value, err)
	})
}
