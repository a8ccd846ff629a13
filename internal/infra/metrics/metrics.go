package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ledgerAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidence_ledger_appends_total",
		Help: "Ledger append attempts by outcome (ok, dead_lettered, failed).",
	}, []string{"outcome"})

	// DeadLetterEntries is handed to the dead-letter recorder.
	DeadLetterEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidence_ledger_dead_letter_entries_total",
		Help: "Dead-letter writes by outcome (written, failed).",
	}, []string{"outcome"})

	anchorOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidence_ledger_anchor_operations_total",
		Help: "Anchor create/publish/confirm operations by outcome.",
	}, []string{"operation", "outcome"})

	jobRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidence_ledger_job_runs_total",
		Help: "Scheduled job runs by job and outcome.",
	}, []string{"job", "outcome"})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidence_ledger_http_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "evidence_ledger_http_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Recorder implements the metrics hooks of the ledger, the anchor engine and
// the scheduler on top of the process-wide collectors.
type Recorder struct{}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (*Recorder) ObserveAppend(outcome string) {
	ledgerAppendsTotal.WithLabelValues(outcome).Inc()
}

func (*Recorder) ObserveAnchor(operation, outcome string) {
	anchorOperationsTotal.WithLabelValues(operation, outcome).Inc()
}

func (*Recorder) ObserveJob(name, outcome string) {
	jobRunsTotal.WithLabelValues(name, outcome).Inc()
}

// GinMiddleware records per-request metrics labelled by route template.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
