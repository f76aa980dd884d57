// Package metrics 汇总 Agent 的 Prometheus 指标。
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shellcache",
			Name:      "fetch_total",
			Help:      "Fetch events by response source (network, cache, miss, bypass)",
		},
		[]string{"source"},
	)

	fetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shellcache",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of fetch events",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	lifecycleTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shellcache",
			Name:      "lifecycle_events_total",
			Help:      "Lifecycle events by kind and result",
		},
		[]string{"event", "result"},
	)

	bucketsDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "shellcache",
			Name:      "buckets_deleted_total",
			Help:      "Stale cache buckets deleted during activation",
		},
	)

	activeVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "shellcache",
			Name:      "active_version",
			Help:      "Set to 1 for the cache bucket of the controlling agent version",
		},
		[]string{"cache_name"},
	)

	registry = prometheus.NewRegistry()
	initOnce sync.Once
)

// Init 注册全部指标，重复调用无副作用。
func Init() {
	initOnce.Do(func() {
		registry.MustRegister(fetchTotal, fetchDuration, lifecycleTotal, bucketsDeleted, activeVersion)
	})
}

// Handler 返回 Prometheus exposition handler。
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func ObserveFetch(source string, d time.Duration) {
	fetchTotal.WithLabelValues(source).Inc()
	fetchDuration.WithLabelValues(source).Observe(d.Seconds())
}

func ObserveLifecycle(event string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	lifecycleTotal.WithLabelValues(event, result).Inc()
}

func IncBucketsDeleted() {
	bucketsDeleted.Inc()
}

// SetActive 将 cacheName 标记为当前控制版本，其余版本清零。
func SetActive(cacheName string) {
	activeVersion.Reset()
	activeVersion.WithLabelValues(cacheName).Set(1)
}
