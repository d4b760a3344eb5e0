package observability

import (
	"errors"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var enabled atomic.Bool

func init() {
	enabled.Store(true)
	for _, c := range append(collectors(), buildInfo) {
		_ = prometheus.DefaultRegisterer.Register(c)
	}
}

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{"upstream", "op"},
	)

	publishSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "publish_steps_total",
			Help: "Publication workflow steps by layer kind, step and outcome.",
		},
		[]string{"kind", "step", "outcome"},
	)

	publishDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "publish_duration_seconds",
			Help:    "End-to-end duration of publish and delete calls.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"kind", "outcome"},
	)

	cacheOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_op_total",
			Help: "Cache operations by op and result.",
		},
		[]string{"op", "result"},
	)

	cacheOpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Duration of redis operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op"},
	)

	layerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "layer_events_total",
			Help: "Layer change events handed to the broker, by result.",
		},
		[]string{"result"},
	)

	// registered on the default registry only; metrics.Provider carries its own
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal,
		httpRequestDurationSeconds,
		upstreamLatencySeconds,
		publishSteps,
		publishDurationSeconds,
		cacheOps,
		cacheOpDurationSeconds,
		layerEvents,
	}
}

// Init registers the collectors on reg as well and toggles recording.
func Init(reg prometheus.Registerer, on bool) {
	enabled.Store(on)
	if reg == nil {
		return
	}
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	if !enabled.Load() {
		return
	}
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream, op string, durationSeconds float64) {
	if !enabled.Load() {
		return
	}
	upstreamLatencySeconds.WithLabelValues(upstream, op).Observe(durationSeconds)
}

func IncPublishStep(kind, step, outcome string) {
	if !enabled.Load() {
		return
	}
	publishSteps.WithLabelValues(kind, step, outcome).Inc()
}

func ObservePublish(kind, outcome string, durationSeconds float64) {
	if !enabled.Load() {
		return
	}
	publishDurationSeconds.WithLabelValues(kind, outcome).Observe(durationSeconds)
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	if !enabled.Load() {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	cacheOps.WithLabelValues(op, result).Inc()
	cacheOpDurationSeconds.WithLabelValues(op).Observe(durationSeconds)
}

func AddCacheHits(n int) {
	if enabled.Load() && n > 0 {
		cacheOps.WithLabelValues("get", "hit").Add(float64(n))
	}
}

func AddCacheMisses(n int) {
	if enabled.Load() && n > 0 {
		cacheOps.WithLabelValues("get", "miss").Add(float64(n))
	}
}

func IncLayerEvent(result string) {
	if enabled.Load() {
		layerEvents.WithLabelValues(result).Inc()
	}
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
