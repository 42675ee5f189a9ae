// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/jamesross/inference-gateway/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueueProcessing = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_queue_processing",
		Help: "Current number of requests in the PROCESSING state, per backend",
	}, []string{"backend"})
	QueueWaiting = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_queue_waiting",
		Help: "Current number of requests waiting for a dispatch slot, per backend",
	}, []string{"backend"})
	QueueUtilization = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_queue_utilization",
		Help: "processing / max_concurrent, per backend",
	}, []string{"backend"})
	QueueTotalProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_queue_total_processed",
		Help: "Total requests that reached COMPLETED, per backend",
	}, []string{"backend"})
	QueueTotalFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_queue_total_failed",
		Help: "Total requests that reached terminal FAILED, per backend",
	}, []string{"backend"})
	QueueTotalTimeout = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_queue_total_timeout",
		Help: "Total requests that reached TIMEOUT, per backend",
	}, []string{"backend"})
	QueueTotalRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_queue_total_retried",
		Help: "Total fail() calls that resulted in a requeue rather than a terminal state, per backend",
	}, []string{"backend"})
	QueueRejectedFull = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_queue_rejected_full_total",
		Help: "Total enqueue calls rejected because the waiting room was full, per backend",
	}, []string{"backend"})
	QueueRecoveredOnStart = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_queue_recovered_total",
		Help: "Total requests recovered from an interrupted PROCESSING state on start, per backend",
	}, []string{"backend"})

	BackendStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_backend_status",
		Help: "0 STOPPED, 1 STARTING, 2 RUNNING, 3 STOPPING, 4 ERROR",
	}, []string{"backend"})

	AutoswitchLastSwitchUnix = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_autoswitch_last_switch_unix",
		Help: "Unix timestamp of the last successful auto-switch swap",
	})
	AutoswitchSwitchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_autoswitch_switches_total",
		Help: "Total number of swaps performed by the auto-switcher",
	})
	AutoswitchPostponedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_autoswitch_postponed_total",
		Help: "Total auto-switch cycles that postponed because a backend had in-flight work",
	})
)

func init() {
	prometheus.MustRegister(
		QueueProcessing, QueueWaiting, QueueUtilization,
		QueueTotalProcessed, QueueTotalFailed, QueueTotalTimeout, QueueTotalRetried,
		QueueRejectedFull, QueueRecoveredOnStart,
		BackendStatus,
		AutoswitchLastSwitchUnix, AutoswitchSwitchesTotal, AutoswitchPostponedTotal,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// Retained for compatibility; StartHTTPServer also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
