// Package metrics 把解析过程的层级结果导出为 Prometheus 指标。
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/any-hub/tiercache/internal/resolver"
)

// DefaultNamespace 是指标名前缀。
const DefaultNamespace = "tiercache"

// Recorder 实现 resolver.Observer，所有指标注册在独立的 Registry 上。
type Recorder struct {
	registry   *prometheus.Registry
	namespace  string
	steps      *prometheus.CounterVec
	resolves   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	diskWrites *prometheus.CounterVec
}

// New 创建 Recorder；namespace 为空时使用 DefaultNamespace。
// withRuntime 为 true 时同时注册 Go 运行时与进程指标。
func New(namespace string, withRuntime bool) *Recorder {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	registry := prometheus.NewRegistry()
	if withRuntime {
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	r := &Recorder{
		registry:  registry,
		namespace: namespace,
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_probes_total",
			Help:      "Tier probes by tier and outcome.",
		}, []string{"tier", "outcome"}),
		resolves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolves_total",
			Help:      "Completed resolves by source tier and result.",
		}, []string{"source", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolve_duration_seconds",
			Help:      "Resolve latency by source tier.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"source"}),
		diskWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disk_writes_total",
			Help:      "Background disk tier writes by result.",
		}, []string{"result"}),
	}
	registry.MustRegister(r.steps, r.resolves, r.latency, r.diskWrites)
	return r
}

// ObserveStep 统计一次层级探测。
func (r *Recorder) ObserveStep(step resolver.Step) {
	r.steps.WithLabelValues(step.Tier.String(), step.Outcome.String()).Inc()
}

// ObserveResolve 统计一次完成的解析。
func (r *Recorder) ObserveResolve(res resolver.Result, err error, elapsed time.Duration) {
	source := res.Source.String()
	r.resolves.WithLabelValues(source, resultLabel(err)).Inc()
	r.latency.WithLabelValues(source).Observe(elapsed.Seconds())
}

// ObserveDiskWrite 统计一次后台磁盘写入。
func (r *Recorder) ObserveDiskWrite(err error) {
	if err != nil {
		r.diskWrites.WithLabelValues("error").Inc()
		return
	}
	r.diskWrites.WithLabelValues("ok").Inc()
}

// Gauge 注册一个按需取值的 gauge，用于导出缓存容量等快照值。
func (r *Recorder) Gauge(name, help string, fn func() float64) {
	r.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: r.namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Registry 返回底层 Registry。
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler 返回 Prometheus 文本格式的 HTTP handler。
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, resolver.ErrNotFound):
		return "not_found"
	case errors.Is(err, resolver.ErrFetchFailed):
		return "fetch_failed"
	default:
		return "error"
	}
}

var _ resolver.Observer = (*Recorder)(nil)
