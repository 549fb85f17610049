package main

import (
	"github.com/sirupsen/logrus"

	"github.com/any-hub/tiercache/internal/artifact"
	"github.com/any-hub/tiercache/internal/cache"
	"github.com/any-hub/tiercache/internal/config"
	"github.com/any-hub/tiercache/internal/fetch"
	"github.com/any-hub/tiercache/internal/logging"
	"github.com/any-hub/tiercache/internal/memcache"
	"github.com/any-hub/tiercache/internal/metrics"
	"github.com/any-hub/tiercache/internal/pipeline"
	"github.com/any-hub/tiercache/internal/resolver"
)

// stack 持有一次进程运行所需的全部缓存组件，由 buildStack 显式装配。
type stack struct {
	logger   *logrus.Logger
	codec    artifact.Codec
	disk     *cache.DiskCache
	memory   *memcache.Cache[string, *artifact.Artifact]
	pool     *pipeline.Pool
	resolver *resolver.Resolver
	metrics  *metrics.Recorder
}

// stackStats 是 /-/stats 的负载。
type stackStats struct {
	Memory   memcache.Stats `json:"memory"`
	Disk     *cache.Stats   `json:"disk,omitempty"`
	Resolver resolver.Stats `json:"resolver"`
}

// buildStack 按“压缩 → 磁盘层 → 内存层 → 上游 → 工作池 → Resolver”的顺序装配。
// 磁盘层打不开时降级为 memory → remote 两级。
func buildStack(cfg *config.Config, logger *logrus.Logger) (*stack, error) {
	g := cfg.Global

	compressor, err := artifact.CompressorByName(g.DiskCompression)
	if err != nil {
		return nil, err
	}

	s := &stack{logger: logger, codec: artifact.ImageCodec{}}

	disk, err := cache.Open(g.CacheDir, g.AppVersion, 1, g.DiskMaxSize.Bytes(),
		cache.WithLogger(logger),
		cache.WithCompactThreshold(g.JournalCompactThreshold),
	)
	if err != nil {
		logger.WithError(err).WithFields(logging.BaseFields("startup", g.CacheDir)).Warn("disk_cache_unavailable")
	} else {
		s.disk = disk
		logger.WithFields(logging.CapacityFields("disk", disk.MaxSize())).
			WithField("entries", disk.Len()).
			WithField("compression", compressor.Name()).
			Info("disk_cache_opened")
	}

	budget := g.MemoryMaxSize.Bytes()
	if budget <= 0 {
		budget = memcache.Budget(g.MemoryFraction)
	}
	s.memory = resolver.NewMemoryTier(budget)
	logger.WithFields(logging.CapacityFields("memory", budget)).Info("memory_cache_ready")

	fetcher, err := fetch.NewHTTPFetcher(fetch.HTTPOptions{
		Client:          fetch.NewUpstreamClient(g.UpstreamTimeout.DurationValue()),
		Upstream:        g.Upstream,
		MaxRetries:      g.MaxRetries,
		InitialBackoff:  g.InitialBackoff.DurationValue(),
		MaxResponseSize: g.MaxResponseSize.Bytes(),
		UserAgent:       g.UserAgent,
		Logger:          logger,
	})
	if err != nil {
		s.closeDisk()
		return nil, err
	}

	s.pool = pipeline.NewPool(g.Workers)
	opts := resolver.Options{
		Memory:        s.memory,
		Fetcher:       fetcher,
		Codec:         s.codec,
		Compressor:    compressor,
		Pool:          s.pool,
		Logger:        logger,
		PrefetchLimit: g.PrefetchLimit,
	}
	if s.disk != nil {
		opts.Disk = resolver.NewDiskTier(s.disk)
	}
	if g.MetricsEnabled {
		s.metrics = metrics.New(metrics.DefaultNamespace, true)
		opts.Observer = s.metrics
	}

	s.resolver, err = resolver.New(opts)
	if err != nil {
		s.closeDisk()
		return nil, err
	}
	if s.metrics != nil {
		s.registerGauges()
	}
	return s, nil
}

func (s *stack) registerGauges() {
	s.metrics.Gauge("memory_bytes", "Current memory tier weight in bytes.", func() float64 {
		return float64(s.memory.Bytes())
	})
	s.metrics.Gauge("memory_entries", "Artifacts held by the memory tier.", func() float64 {
		return float64(s.memory.Len())
	})
	s.metrics.Gauge("in_flight", "Keys with an in-progress resolve.", func() float64 {
		return float64(s.resolver.Stats().InFlight)
	})
	if s.disk != nil {
		s.metrics.Gauge("disk_bytes", "Committed disk tier bytes.", func() float64 {
			return float64(s.disk.Size())
		})
		s.metrics.Gauge("disk_entries", "Entries held by the disk tier.", func() float64 {
			return float64(s.disk.Len())
		})
	}
}

func (s *stack) stats() any {
	out := stackStats{
		Memory:   s.memory.Stats(),
		Resolver: s.resolver.Stats(),
	}
	if s.disk != nil {
		ds := s.disk.Stats()
		out.Disk = &ds
	}
	return out
}

// Close 先排空 Resolver 的后台写入，再关闭磁盘层。
func (s *stack) Close() error {
	s.resolver.Close()
	return s.closeDisk()
}

func (s *stack) closeDisk() error {
	if s.disk == nil {
		return nil
	}
	return s.disk.Close()
}
