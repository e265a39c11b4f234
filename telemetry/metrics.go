package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MetricRequestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evmgate",
		Name:      "rpc_requests_total",
		Help:      "Total number of JSON-RPC requests handled.",
	}, []string{"chain", "method", "source", "success"})

	MetricRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "evmgate",
		Name:      "rpc_request_duration_seconds",
		Help:      "Duration of JSON-RPC requests end to end.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"chain", "method", "source"})

	MetricUpstreamRequestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evmgate",
		Name:      "upstream_request_total",
		Help:      "Total number of actual requests sent to upstreams.",
	}, []string{"chain", "upstream", "method"})

	MetricUpstreamErrorTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evmgate",
		Name:      "upstream_request_errors_total",
		Help:      "Total number of failed requests towards upstreams.",
	}, []string{"chain", "upstream", "method", "outcome"})

	MetricUpstreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "evmgate",
		Name:      "upstream_request_duration_seconds",
		Help:      "Duration of requests towards upstreams.",
		Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"chain", "upstream"})

	MetricUpstreamHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "evmgate",
		Name:      "upstream_healthy",
		Help:      "Whether an upstream is currently healthy (1) or not (0).",
	}, []string{"chain", "upstream"})

	MetricHealthCheckDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "evmgate",
		Name:      "upstream_health_check_duration_seconds",
		Help:      "Duration of upstream health probes.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"chain", "upstream"})

	MetricHealthCheckErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evmgate",
		Name:      "upstream_health_check_errors_total",
		Help:      "Total number of failed upstream health probes.",
	}, []string{"chain", "upstream", "reason"})

	MetricCacheHitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evmgate",
		Name:      "cache_hits_total",
		Help:      "Total number of cache hits.",
	}, []string{"chain", "method", "connector"})

	MetricCacheMissTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evmgate",
		Name:      "cache_misses_total",
		Help:      "Total number of cache misses.",
	}, []string{"chain", "method", "connector"})

	MetricCacheSetTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evmgate",
		Name:      "cache_sets_total",
		Help:      "Total number of cache writes.",
	}, []string{"chain", "method", "connector"})

	MetricCacheSetErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evmgate",
		Name:      "cache_set_errors_total",
		Help:      "Total number of failed cache writes.",
	}, []string{"chain", "method", "connector"})

	MetricCoalescedWaitersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evmgate",
		Name:      "coalesced_waiters_total",
		Help:      "Total number of requests that attached to an in-flight call.",
	}, []string{"chain", "method"})

	MetricCoalescerInflight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "evmgate",
		Name:      "coalescer_inflight",
		Help:      "Number of in-flight coalesced calls.",
	}, []string{"chain"})
)
