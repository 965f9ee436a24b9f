package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kernelctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kernelctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)
	dispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kernelctl",
			Subsystem: "kernel",
			Name:      "messages_total",
			Help:      "Requests dispatched by kernel cores.",
		},
		[]string{"channel", "msg_type", "outcome"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kernelctl",
			Subsystem: "kernel",
			Name:      "dispatch_duration_seconds",
			Help:      "Time from dispatch to idle per request.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"channel", "msg_type"},
	)
	dropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kernelctl",
			Subsystem: "kernel",
			Name:      "dropped_messages_total",
			Help:      "Inbound messages dropped before dispatch.",
		},
		[]string{"channel", "reason"},
	)
	lifecycle = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kernelctl",
			Subsystem: "manager",
			Name:      "lifecycle_events_total",
			Help:      "Kernel lifecycle events (start, restart, shutdown, interrupt, dead).",
		},
		[]string{"event"},
	)
	kernelsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kernelctl",
			Subsystem: "manager",
			Name:      "kernels",
			Help:      "Kernels currently registered with the manager.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			dispatched, dispatchDuration, dropped,
			lifecycle, kernelsRunning,
		)
	})
}

func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordDispatch counts one dispatched request. outcome is "ok", "error",
// "aborted", "failed" (handler error) or "unknown".
func RecordDispatch(channel, msgType, outcome string, duration time.Duration) {
	RegisterMetrics()
	dispatched.WithLabelValues(channel, msgType, outcome).Inc()
	if duration > 0 {
		dispatchDuration.WithLabelValues(channel, msgType).Observe(duration.Seconds())
	}
}

func RecordDropped(channel, reason string) {
	RegisterMetrics()
	dropped.WithLabelValues(channel, reason).Inc()
}

func RecordLifecycle(event string) {
	RegisterMetrics()
	lifecycle.WithLabelValues(event).Inc()
}

func SetKernels(n int) {
	RegisterMetrics()
	kernelsRunning.Set(float64(n))
}
