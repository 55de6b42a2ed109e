package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	eventsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_appended_total",
			Help: "Total events durably appended, by category.",
		},
		[]string{"category"},
	)
	eventsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "events_rejected_total",
			Help: "Total event appends rejected by validation.",
		},
	)
	pollCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "listener_poll_cycles_total",
			Help: "Total completed listener poll cycles.",
		},
	)
	pollCycleErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "listener_poll_cycle_errors_total",
			Help: "Total listener poll cycles that failed.",
		},
	)
	pollCycleLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "listener_poll_cycle_duration_seconds",
			Help:    "Poll cycle latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	ruleMatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_matches_total",
			Help: "Total rule matches, by rule.",
		},
		[]string{"rule"},
	)
	ruleFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_action_failures_total",
			Help: "Total failed rule actions, by rule.",
		},
		[]string{"rule"},
	)
	notificationDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "notification_queue_depth",
			Help: "Current number of queued notifications.",
		},
	)
	notificationsEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notifications_evicted_total",
			Help: "Total notifications evicted by the capacity bound.",
		},
	)
	eventsArchived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "events_archived_total",
			Help: "Total processed events moved to archived.",
		},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Current number of tasks in an asynq queue.",
		},
		[]string{"queue"},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency,
		eventsAppended, eventsRejected,
		pollCycles, pollCycleErrors, pollCycleLatency,
		ruleMatches, ruleFailures,
		notificationDepth, notificationsEvicted,
		eventsArchived, asynqQueueDepth,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func IncEventAppended(category string) {
	eventsAppended.WithLabelValues(category).Inc()
}

func IncEventRejected() {
	eventsRejected.Inc()
}

func IncPollCycle() {
	pollCycles.Inc()
}

func IncPollCycleError() {
	pollCycleErrors.Inc()
}

func ObservePollCycleLatency(d time.Duration) {
	pollCycleLatency.Observe(d.Seconds())
}

func IncRuleMatch(ruleID string) {
	ruleMatches.WithLabelValues(ruleID).Inc()
}

func IncRuleFailure(ruleID string) {
	ruleFailures.WithLabelValues(ruleID).Inc()
}

func SetNotificationQueueDepth(depth int) {
	notificationDepth.Set(float64(depth))
}

func IncNotificationsEvicted(n int) {
	notificationsEvicted.Add(float64(n))
}

func AddEventsArchived(n int64) {
	eventsArchived.Add(float64(n))
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
