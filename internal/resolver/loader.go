package resolver

import (
	"context"

	"github.com/any-hub/tiercache/internal/artifact"
	"github.com/any-hub/tiercache/internal/pipeline"
)

// Target 接收一次加载的结果，类似图片控件的 setImage。
type Target interface {
	Deliver(a *artifact.Artifact, err error)
}

// TargetFunc 让普通函数满足 Target。
type TargetFunc func(a *artifact.Artifact, err error)

func (f TargetFunc) Deliver(a *artifact.Artifact, err error) { f(a, err) }

// Request 是 Load 返回的构建器：r.Load(key).On(exec).Into(ctx, target)。
type Request struct {
	resolver *Resolver
	key      string
	exec     pipeline.Executor
}

// Load 为 key 创建加载请求，默认在完成 Future 的 goroutine 上交付。
func (r *Resolver) Load(key string) *Request {
	return &Request{resolver: r, key: key, exec: pipeline.Inline}
}

// On 指定交付结果的执行上下文。
func (q *Request) On(exec pipeline.Executor) *Request {
	if exec != nil {
		q.exec = exec
	}
	return q
}

// Into 启动解析并把结果交付给 target。返回的 Future 可用于等待或取消交付。
func (q *Request) Into(ctx context.Context, target Target) *pipeline.Future[Result] {
	future := q.resolver.Resolve(ctx, q.key)
	future.OnComplete(q.exec, func(res Result, err error) {
		target.Deliver(res.Artifact, err)
	})
	return future
}
