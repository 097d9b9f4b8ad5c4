package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	targetCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sms_dispatch_targets_total",
		Help: "Dispatch targets by final outcome",
	}, []string{"outcome"})
	providerAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sms_provider_attempts_total",
		Help: "Provider send attempts by result",
	}, []string{"result"})
	providerLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sms_provider_request_duration_seconds",
		Help:    "Latency of single provider send attempts",
		Buckets: prometheus.DefBuckets,
	})
	inflightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sms_dispatch_inflight",
		Help: "Per-target pipelines currently running",
	})
)

func attemptLabel(err error, retryable bool) string {
	switch {
	case err == nil:
		return "success"
	case retryable:
		return "retryable"
	default:
		return "rejected"
	}
}
