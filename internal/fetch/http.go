package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultMaxResponseSize int64 = 32 << 20
	defaultInitialBackoff        = 500 * time.Millisecond
	maxBackoff                   = 30 * time.Second
)

// HTTPOptions 配置 HTTPFetcher。零值字段使用默认值。
type HTTPOptions struct {
	Client *http.Client
	// Upstream 非空时，相对 key 以它为基准解析；绝对 URL 的 key 原样请求。
	Upstream        string
	MaxRetries      int
	InitialBackoff  time.Duration
	MaxResponseSize int64
	UserAgent       string
	Logger          *logrus.Logger
}

// HTTPFetcher 通过 HTTP GET 取回资源，对网络错误、429 与 5xx 做指数退避重试。
type HTTPFetcher struct {
	client          *http.Client
	upstream        *url.URL
	maxRetries      int
	initialBackoff  time.Duration
	maxResponseSize int64
	userAgent       string
	logger          *logrus.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewHTTPFetcher 校验 Upstream 并构建 HTTPFetcher。
func NewHTTPFetcher(opts HTTPOptions) (*HTTPFetcher, error) {
	f := &HTTPFetcher{
		client:          opts.Client,
		maxRetries:      opts.MaxRetries,
		initialBackoff:  opts.InitialBackoff,
		maxResponseSize: opts.MaxResponseSize,
		userAgent:       opts.UserAgent,
		logger:          opts.Logger,
		sleep:           sleepContext,
	}
	if f.client == nil {
		f.client = NewUpstreamClient(0)
	}
	if f.maxRetries < 0 {
		f.maxRetries = 0
	}
	if f.initialBackoff <= 0 {
		f.initialBackoff = defaultInitialBackoff
	}
	if f.maxResponseSize <= 0 {
		f.maxResponseSize = defaultMaxResponseSize
	}
	if f.logger == nil {
		f.logger = logrus.StandardLogger()
	}
	if opts.Upstream != "" {
		parsed, err := url.Parse(opts.Upstream)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("invalid upstream %q", opts.Upstream)
		}
		f.upstream = parsed
	}
	return f, nil
}

// Fetch 实现 Fetcher。404/410 转换为 ErrNotFound；其余失败返回最后一次尝试的错误。
func (f *HTTPFetcher) Fetch(ctx context.Context, key string) ([]byte, error) {
	target, err := f.resolve(key)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			delay := f.backoff(attempt)
			f.logger.WithFields(logrus.Fields{
				"action":   "fetch_retry",
				"upstream": target,
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
				"error":    lastErr.Error(),
			}).Warn("fetch_retry")
			if err := f.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		data, err := f.fetchOnce(ctx, target)
		if err == nil {
			return data, nil
		}
		if !retryable(ctx, err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, err
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "image/*, */*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: %s", ErrNotFound, target)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{URL: target, StatusCode: resp.StatusCode}
	}

	if resp.ContentLength > f.maxResponseSize {
		return nil, fmt.Errorf("%w: %s declares %d bytes", ErrTooLarge, target, resp.ContentLength)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxResponseSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > f.maxResponseSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, target, f.maxResponseSize)
	}
	return data, nil
}

func (f *HTTPFetcher) resolve(key string) (string, error) {
	if key == "" {
		return "", errors.New("empty key")
	}
	parsed, err := url.Parse(key)
	if err != nil {
		return "", fmt.Errorf("invalid key %q: %w", key, err)
	}
	if parsed.IsAbs() {
		return parsed.String(), nil
	}
	if f.upstream == nil {
		return "", fmt.Errorf("relative key %q requires an upstream", key)
	}
	relative := &url.URL{Path: strings.TrimPrefix(parsed.Path, "/"), RawQuery: parsed.RawQuery}
	base := *f.upstream
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	return base.ResolveReference(relative).String(), nil
}

func (f *HTTPFetcher) backoff(attempt int) time.Duration {
	delay := f.initialBackoff << (attempt - 1)
	if delay <= 0 || delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrTooLarge) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Temporary()
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
