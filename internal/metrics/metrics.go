package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "upgateway_requests_total", Help: "Gateway requests by route and status"},
		[]string{"route", "status"},
	)
	UpstreamLatencyMS = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "upgateway_upstream_latency_ms", Help: "Backend latency in ms", Buckets: prometheus.LinearBuckets(25, 25, 20)},
		[]string{"route"},
	)
	Rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "upgateway_rejections_total", Help: "Requests stopped before reaching the backend"},
		[]string{"reason"},
	)
	TasksDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "upgateway_tasks_dropped_total", Help: "Background tasks dropped before running"},
		[]string{"task", "reason"},
	)
	TasksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "upgateway_tasks_failed_total", Help: "Background tasks that returned an error"},
		[]string{"task"},
	)
	AdmissionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "upgateway_admission_errors_total", Help: "Admission checks whose backing store failed, by outcome"},
		[]string{"check", "outcome"},
	)
)

func Register() {
	prometheus.MustRegister(RequestsTotal, UpstreamLatencyMS, Rejections, TasksDropped, TasksFailed, AdmissionErrors)
}
