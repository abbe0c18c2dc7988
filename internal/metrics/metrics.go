package metrics

import (
	"strconv"
	"time"

	"retail-hub/internal/apperr"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "retail_hub"

// Metrics holds every collector the hub exports. Each instance owns its
// registry, so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	MovementsRecorded    *prometheus.CounterVec
	StockRejections      *prometheus.CounterVec
	TransactionsIngested *prometheus.CounterVec
	SyncLogsClosed       *prometheus.CounterVec
	PushDuration         *prometheus.HistogramVec
	CircuitBreakerState  *prometheus.GaugeVec
	EventsPublished      *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: registry}

	m.HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
	m.HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)
	m.MovementsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_movements_recorded_total",
			Help:      "Stock movements appended to the ledger",
		},
		[]string{"kind"},
	)
	m.StockRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_rejections_total",
			Help:      "Stock mutations rejected by the ledger",
		},
		[]string{"code"},
	)
	m.TransactionsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_ingested_total",
			Help:      "Branch transaction submissions by outcome",
		},
		[]string{"outcome"},
	)
	m.SyncLogsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_logs_closed_total",
			Help:      "Sync logs closed by type, direction and terminal status",
		},
		[]string{"sync_type", "direction", "status"},
	)
	m.PushDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "branch_push_duration_seconds",
			Help:      "Outbound push round trip to a branch",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"sync_type", "result"},
	)
	m.CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "branch_circuit_breaker_state",
			Help:      "Per-branch breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"branch"},
	)
	m.EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Domain events handed to the broker",
		},
		[]string{"event_type", "status"},
	)

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.MovementsRecorded,
		m.StockRejections,
		m.TransactionsIngested,
		m.SyncLogsClosed,
		m.PushDuration,
		m.CircuitBreakerState,
		m.EventsPublished,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// Middleware records request count and latency per matched route.
func (m *Metrics) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if fe, ok := err.(*fiber.Error); ok {
			status = fe.Code
		} else if ae, ok := apperr.As(err); ok {
			status = ae.HTTPStatus
		} else if err != nil {
			status = fiber.StatusInternalServerError
		}
		route := c.Route().Path

		m.HTTPRequestsTotal.WithLabelValues(c.Method(), route, strconv.Itoa(status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Method(), route).Observe(time.Since(start).Seconds())
		return err
	}
}

// The helpers below are nil-safe so services can run without metrics.

func (m *Metrics) MovementRecorded(kind string) {
	if m == nil {
		return
	}
	m.MovementsRecorded.WithLabelValues(kind).Inc()
}

func (m *Metrics) StockRejected(code string) {
	if m == nil {
		return
	}
	m.StockRejections.WithLabelValues(code).Inc()
}

func (m *Metrics) TransactionIngested(outcome string) {
	if m == nil {
		return
	}
	m.TransactionsIngested.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SyncLogClosed(syncType, direction, status string) {
	if m == nil {
		return
	}
	m.SyncLogsClosed.WithLabelValues(syncType, direction, status).Inc()
}

func (m *Metrics) ObservePush(syncType, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.PushDuration.WithLabelValues(syncType, result).Observe(d.Seconds())
}

func (m *Metrics) SetBreakerState(branch string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(branch).Set(float64(state))
}

func (m *Metrics) EventPublished(eventType, status string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType, status).Inc()
}
