package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/tiercache/internal/artifact"
	"github.com/any-hub/tiercache/internal/cache"
	"github.com/any-hub/tiercache/internal/fetch"
	"github.com/any-hub/tiercache/internal/logging"
	"github.com/any-hub/tiercache/internal/pipeline"
)

var (
	// ErrNotFound 表示没有任何层级拥有该资源。
	ErrNotFound = errors.New("resource not found in any tier")
	// ErrFetchFailed 表示远端层出错（网络、状态码或无法解码的响应），包装原始错误。
	ErrFetchFailed = errors.New("remote fetch failed")
	// ErrClosed 表示 Resolver 已关闭。
	ErrClosed = errors.New("resolver closed")
	// ErrEmptyKey 表示 key 为空。
	ErrEmptyKey = errors.New("empty key")
)

// Observer 接收层级探测与解析结果，用于指标上报。实现必须可并发调用。
type Observer interface {
	ObserveStep(step Step)
	ObserveResolve(res Result, err error, elapsed time.Duration)
	ObserveDiskWrite(err error)
}

type nopObserver struct{}

func (nopObserver) ObserveStep(Step) {}
func (nopObserver) ObserveResolve(Result, error, time.Duration) {}
func (nopObserver) ObserveDiskWrite(error) {}

// Options 组装 Resolver。Memory、Codec 必填；Disk、Fetcher 为 nil 时跳过对应层级。
type Options struct {
	Memory  MemoryTier
	Disk    DiskTier
	Fetcher fetch.Fetcher
	Codec   artifact.Codec
	// Compressor 作用于写入与读出磁盘层的字节，默认 artifact.None。
	Compressor artifact.Compressor
	// Pool 执行 flight 与磁盘写入。Resolver.Close 会关闭它。
	Pool   *pipeline.Pool
	Logger *logrus.Logger
	// Observer 默认为空实现。
	Observer Observer
	// PrefetchLimit 是 Prefetch 的并发上限，默认 8。
	PrefetchLimit int
	// OnTransition 在 key 的阶段变化时同步调用，测试与调试用。
	OnTransition func(key string, from, to State)
}

// Stats 是 Resolver 的运行时计数。
type Stats struct {
	Resolves      int64              `json:"resolves"`
	MemoryHits    int64              `json:"memory_hits"`
	DiskHits      int64              `json:"disk_hits"`
	RemoteHits    int64              `json:"remote_hits"`
	Failures      int64              `json:"failures"`
	SharedResults int64              `json:"shared_results"`
	InFlight      int                `json:"in_flight"`
	Pool          pipeline.PoolStats `json:"pool"`
}

// Resolver 按 memory → disk → remote 的顺序查找 key，并回填更快的层级。
type Resolver struct {
	memory     MemoryTier
	disk       DiskTier
	fetcher    fetch.Fetcher
	codec      artifact.Codec
	compressor artifact.Compressor
	pool       *pipeline.Pool
	logger     *logrus.Logger
	observer   Observer
	onChange   func(key string, from, to State)
	prefetch   int

	flights *flightGroup
	writes  sync.WaitGroup

	closeOnce sync.Once
	closed    atomic.Bool

	resolves   atomic.Int64
	memoryHits atomic.Int64
	diskHits   atomic.Int64
	remoteHits atomic.Int64
	failures   atomic.Int64
	shared     atomic.Int64
}

// New 校验 Options 并创建 Resolver。
func New(opts Options) (*Resolver, error) {
	if opts.Memory == nil {
		return nil, errors.New("resolver: memory tier is required")
	}
	if opts.Codec == nil {
		return nil, errors.New("resolver: codec is required")
	}
	r := &Resolver{
		memory:     opts.Memory,
		disk:       opts.Disk,
		fetcher:    opts.Fetcher,
		codec:      opts.Codec,
		compressor: opts.Compressor,
		pool:       opts.Pool,
		logger:     opts.Logger,
		observer:   opts.Observer,
		onChange:   opts.OnTransition,
		prefetch:   opts.PrefetchLimit,
		flights:    newFlightGroup(),
	}
	if r.compressor == nil {
		r.compressor = artifact.None
	}
	if r.pool == nil {
		r.pool = pipeline.NewPool(0)
	}
	if r.logger == nil {
		r.logger = logrus.StandardLogger()
	}
	if r.observer == nil {
		r.observer = nopObserver{}
	}
	if r.prefetch <= 0 {
		r.prefetch = 8
	}
	if r.disk == nil {
		r.logger.WithField("action", "resolver_init").Warn("disk_tier_unavailable")
	}
	return r, nil
}

// Resolve 异步解析 key。内存命中时返回已完成的 Future；否则加入或启动该 key 的 flight。
// ctx 取消只结束当前调用方的 Future，不会中止共享的 flight。
func (r *Resolver) Resolve(ctx context.Context, key string) *pipeline.Future[Result] {
	if key == "" {
		return pipeline.Completed(Result{}, ErrEmptyKey)
	}
	if r.closed.Load() {
		return pipeline.Completed(Result{}, ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return pipeline.Completed(Result{}, err)
	}
	r.resolves.Add(1)
	started := time.Now()

	if a, ok := r.memory.Get(key); ok {
		step := Step{Tier: TierMemory, Outcome: OutcomeHit, Elapsed: time.Since(started)}
		r.observer.ObserveStep(step)
		res := Result{Artifact: a, Source: TierMemory, Trace: []Step{step}}
		r.record(res, nil, started)
		return pipeline.Completed(res, nil)
	}

	future := pipeline.NewFuture[Result]()
	stop := context.AfterFunc(ctx, func() {
		future.Complete(Result{}, ctx.Err())
	})
	if !r.flights.join(key, waiter{future: future, stop: stop}) {
		return future
	}

	flightCtx := context.WithoutCancel(ctx)
	err := r.pool.Go(flightCtx, func(ctx context.Context) {
		res, err := r.run(ctx, key)
		r.record(res, err, started)
		r.finish(key, res, err)
	})
	if err != nil {
		r.finish(key, Result{}, fmt.Errorf("%w: %w", ErrClosed, err))
	}
	return future
}

func (r *Resolver) finish(key string, res Result, err error) {
	from, observers := r.flights.finish(key, res, err)
	if observers > 1 {
		r.shared.Add(int64(observers - 1))
	}
	r.notify(key, from, StateIdle)
}

// run 在工作池中执行一次完整的分层查找。
func (r *Resolver) run(ctx context.Context, key string) (Result, error) {
	res := Result{Source: TierNone}

	// 排队期间可能已有其他 flight 写入内存层。
	r.setState(key, StateMemLookup)
	started := time.Now()
	if a, ok := r.memory.Get(key); ok {
		r.step(&res, key, Step{Tier: TierMemory, Outcome: OutcomeHit, Elapsed: time.Since(started)})
		res.Artifact, res.Source = a, TierMemory
		return res, nil
	}
	r.step(&res, key, Step{Tier: TierMemory, Outcome: OutcomeMiss, Elapsed: time.Since(started)})

	r.setState(key, StateDiskLookup)
	if a, ok := r.probeDisk(&res, key); ok {
		r.setState(key, StatePopulating)
		r.memory.Put(key, a)
		res.Artifact, res.Source = a, TierDisk
		return res, nil
	}

	r.setState(key, StateFetching)
	if r.fetcher == nil {
		r.step(&res, key, Step{Tier: TierRemote, Outcome: OutcomeUnavailable})
		r.setState(key, StateFailed)
		return res, ErrNotFound
	}
	started = time.Now()
	data, err := r.fetcher.Fetch(ctx, key)
	if err != nil {
		if errors.Is(err, fetch.ErrNotFound) {
			r.step(&res, key, Step{Tier: TierRemote, Outcome: OutcomeMiss, Elapsed: time.Since(started)})
			r.setState(key, StateFailed)
			return res, ErrNotFound
		}
		r.step(&res, key, Step{Tier: TierRemote, Outcome: OutcomeError, Err: err, Elapsed: time.Since(started)})
		r.setState(key, StateFailed)
		return res, fmt.Errorf("%w: %s: %w", ErrFetchFailed, key, err)
	}
	a, err := r.codec.Decode(key, data)
	if err != nil {
		r.step(&res, key, Step{Tier: TierRemote, Outcome: OutcomeCorrupt, Err: err, Elapsed: time.Since(started)})
		r.setState(key, StateFailed)
		return res, fmt.Errorf("%w: %s: %w", ErrFetchFailed, key, err)
	}
	r.step(&res, key, Step{Tier: TierRemote, Outcome: OutcomeHit, Elapsed: time.Since(started)})

	r.setState(key, StatePopulating)
	r.memory.Put(key, a)
	r.persist(key, func() ([]byte, error) { return data, nil })
	res.Artifact, res.Source = a, TierRemote
	return res, nil
}

// probeDisk 读取并解码磁盘层。I/O 错误与解码失败都只记入 trace，链路继续。
func (r *Resolver) probeDisk(res *Result, key string) (*artifact.Artifact, bool) {
	if r.disk == nil {
		r.step(res, key, Step{Tier: TierDisk, Outcome: OutcomeUnavailable})
		return nil, false
	}

	started := time.Now()
	raw, err := r.disk.Read(key)
	switch {
	case errors.Is(err, cache.ErrNotFound):
		r.step(res, key, Step{Tier: TierDisk, Outcome: OutcomeMiss, Elapsed: time.Since(started)})
		return nil, false
	case err != nil:
		r.step(res, key, Step{Tier: TierDisk, Outcome: OutcomeError, Err: err, Elapsed: time.Since(started)})
		r.logger.WithError(err).WithFields(logging.TierFields(key, TierDisk.String(), OutcomeError.String())).
			Warn("disk_lookup_failed")
		return nil, false
	}

	data, err := r.compressor.Decompress(raw)
	var a *artifact.Artifact
	if err == nil {
		a, err = r.codec.Decode(key, data)
	}
	if err != nil {
		r.step(res, key, Step{Tier: TierDisk, Outcome: OutcomeCorrupt, Err: err, Elapsed: time.Since(started)})
		r.logger.WithError(err).WithFields(logging.TierFields(key, TierDisk.String(), OutcomeCorrupt.String())).
			Warn("corrupt_entry_dropped")
		if rmErr := r.disk.Remove(key); rmErr != nil {
			r.logger.WithError(rmErr).WithField("key", key).Warn("disk_remove_failed")
		}
		return nil, false
	}
	r.step(res, key, Step{Tier: TierDisk, Outcome: OutcomeHit, Elapsed: time.Since(started)})
	return a, true
}

// persist 在工作池中异步写入磁盘层，错误只记录日志。
func (r *Resolver) persist(key string, encode func() ([]byte, error)) {
	if r.disk == nil {
		return
	}
	r.writes.Add(1)
	err := r.pool.Go(context.Background(), func(context.Context) {
		defer r.writes.Done()
		data, err := encode()
		if err == nil {
			err = r.disk.Write(key, r.compressor.Compress(data))
		}
		if errors.Is(err, cache.ErrEditInProgress) {
			r.logger.WithField("key", key).Debug("disk_write_skipped")
			return
		}
		r.observer.ObserveDiskWrite(err)
		if err != nil {
			r.logger.WithError(err).WithField("key", key).Warn("disk_write_failed")
		}
	})
	if err != nil {
		r.writes.Done()
		r.logger.WithError(err).WithField("key", key).Warn("disk_write_dropped")
	}
}

// Store 写入内存层，并在后台编码后写入磁盘层。
func (r *Resolver) Store(ctx context.Context, key string, a *artifact.Artifact) error {
	if key == "" {
		return ErrEmptyKey
	}
	if a == nil || a.Image == nil {
		return errors.New("store: empty artifact")
	}
	if r.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !r.memory.Put(key, a) {
		r.logger.WithField("key", key).Debug("memory_put_rejected")
	}
	r.persist(key, func() ([]byte, error) { return r.codec.Encode(a) })
	return nil
}

// Prefetch 以有限并发解析 keys，返回成功数量；失败被合并返回，不影响其余 key。
func (r *Resolver) Prefetch(ctx context.Context, keys ...string) (int, error) {
	var (
		g      errgroup.Group
		warmed atomic.Int64
		mu     sync.Mutex
		errs   []error
	)
	g.SetLimit(r.prefetch)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			if _, err := r.Resolve(ctx, key).Await(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				mu.Unlock()
				return nil
			}
			warmed.Add(1)
			return nil
		})
	}
	g.Wait()
	return int(warmed.Load()), errors.Join(errs...)
}

// State 返回 key 当前所处阶段，没有进行中的 flight 时为 StateIdle。
func (r *Resolver) State(key string) State {
	return r.flights.state(key)
}

// Waiters 返回挂在 key 的 flight 上的观察者数量。
func (r *Resolver) Waiters(key string) int {
	return r.flights.waiters(key)
}

// Wait 阻塞直到所有后台磁盘写入完成。
func (r *Resolver) Wait() {
	r.writes.Wait()
}

// Close 拒绝新的请求，等待进行中的 flight 与磁盘写入后关闭工作池。
func (r *Resolver) Close() {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		// flight 结束前可能还会提交磁盘写入，先等它们排空再关闭工作池。
		r.pool.Wait()
		r.pool.Close()
	})
}

// Stats 返回计数快照。
func (r *Resolver) Stats() Stats {
	return Stats{
		Resolves:      r.resolves.Load(),
		MemoryHits:    r.memoryHits.Load(),
		DiskHits:      r.diskHits.Load(),
		RemoteHits:    r.remoteHits.Load(),
		Failures:      r.failures.Load(),
		SharedResults: r.shared.Load(),
		InFlight:      r.flights.len(),
		Pool:          r.pool.Stats(),
	}
}

func (r *Resolver) record(res Result, err error, started time.Time) {
	switch {
	case err != nil:
		r.failures.Add(1)
	case res.Source == TierMemory:
		r.memoryHits.Add(1)
	case res.Source == TierDisk:
		r.diskHits.Add(1)
	case res.Source == TierRemote:
		r.remoteHits.Add(1)
	}
	r.observer.ObserveResolve(res, err, time.Since(started))
}

func (r *Resolver) step(res *Result, key string, step Step) {
	res.Trace = append(res.Trace, step)
	r.observer.ObserveStep(step)
	if r.logger.IsLevelEnabled(logrus.DebugLevel) {
		r.logger.WithFields(logging.TierFields(key, step.Tier.String(), step.Outcome.String())).Debug("tier_probe")
	}
}

func (r *Resolver) setState(key string, to State) {
	from := r.flights.transition(key, to)
	r.notify(key, from, to)
}

func (r *Resolver) notify(key string, from, to State) {
	if r.onChange != nil && from != to {
		r.onChange(key, from, to)
	}
}
