package monitoring

import (
	"strconv"
	"time"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector exports the portal's ports.Metrics events.
type PrometheusCollector struct {
	assignmentWrites   *prometheus.CounterVec
	assignmentFailures *prometheus.CounterVec
	reconcileUpdates   prometheus.Counter
	feedWatchers       prometheus.Gauge
	sessionsActive     *prometheus.GaugeVec
	sessionsTotal      *prometheus.CounterVec
	credentialsMinted  *prometheus.CounterVec

	httpRequestDuration *prometheus.HistogramVec
}

// NewPrometheusCollector registers the collectors on reg. A nil reg uses the default
// registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		assignmentWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "airwave_assignment_writes_total",
			Help: "User-side assignment edges written by the synchronizer",
		}, []string{"op"}),

		assignmentFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "airwave_assignment_failures_total",
			Help: "User-side assignment edges that failed to write",
		}, []string{"op"}),

		reconcileUpdates: factory.NewCounter(prometheus.CounterOpts{
			Name: "airwave_reconcile_updates_total",
			Help: "Edges repaired by reconciliation runs",
		}),

		feedWatchers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "airwave_feed_watchers",
			Help: "Open change feed watches",
		}),

		sessionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "airwave_sessions_active",
			Help: "Media sessions currently joined",
		}, []string{"role"}),

		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "airwave_sessions_total",
			Help: "Media sessions joined since start",
		}, []string{"role"}),

		credentialsMinted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "airwave_media_credentials_total",
			Help: "Media credentials minted, by role and result",
		}, []string{"role", "result"}),

		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "airwave_http_request_duration_seconds",
			Help:    "Duration of HTTP API requests",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method", "route", "status"}),
	}
}

var _ ports.Metrics = (*PrometheusCollector)(nil)

func (p *PrometheusCollector) AssignmentWrites(op domain.AssignmentOp, n int) {
	p.assignmentWrites.WithLabelValues(string(op)).Add(float64(n))
}

func (p *PrometheusCollector) AssignmentFailures(op domain.AssignmentOp, n int) {
	p.assignmentFailures.WithLabelValues(string(op)).Add(float64(n))
}

func (p *PrometheusCollector) ReconcileUpdates(n int) {
	p.reconcileUpdates.Add(float64(n))
}

func (p *PrometheusCollector) FeedWatchers(delta int) {
	p.feedWatchers.Add(float64(delta))
}

func (p *PrometheusCollector) SessionOpened(role domain.SessionRole) {
	p.sessionsActive.WithLabelValues(string(role)).Inc()
	p.sessionsTotal.WithLabelValues(string(role)).Inc()
}

func (p *PrometheusCollector) SessionClosed(role domain.SessionRole) {
	p.sessionsActive.WithLabelValues(string(role)).Dec()
}

func (p *PrometheusCollector) CredentialMinted(role domain.MediaRole, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	p.credentialsMinted.WithLabelValues(string(role), result).Inc()
}

// HTTPMetrics records request latency by route template.
func (p *PrometheusCollector) HTTPMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		p.httpRequestDuration.
			WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}
