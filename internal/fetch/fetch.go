// Package fetch defines the remote tier contract and its HTTP implementation.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound 表示远端明确报告资源不存在。
var ErrNotFound = errors.New("remote resource not found")

// ErrTooLarge 表示响应体超过 MaxResponseSize。
var ErrTooLarge = errors.New("remote response too large")

// Fetcher 取回 key 对应的原始字节。实现需要可并发调用；调用在工作池中执行，可以阻塞。
type Fetcher interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// FetcherFunc 让普通函数满足 Fetcher。
type FetcherFunc func(ctx context.Context, key string) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, key string) ([]byte, error) {
	return f(ctx, key)
}

// StatusError 描述非成功的上游状态码。
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s returned %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Temporary 报告该状态是否值得重试（429 与 5xx）。
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}
