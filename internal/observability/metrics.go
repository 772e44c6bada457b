package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus metrics registry and transport meters.
type Metrics struct {
	Registry *prometheus.Registry

	OperationDuration *prometheus.HistogramVec
	OperationTotal    *prometheus.CounterVec

	SessionsOpen    prometheus.Gauge
	LinksOpen       *prometheus.GaugeVec
	HandshakesTotal *prometheus.CounterVec

	BatchesTotal    *prometheus.CounterVec
	BytesTotal      *prometheus.CounterVec
	MessagesTotal   *prometheus.CounterVec
	FragmentsTotal  *prometheus.CounterVec
	KeepAlivesTotal *prometheus.CounterVec

	DropsTotal         *prometheus.CounterVec
	LeaseExpiriesTotal prometheus.Counter
	SessionClosesTotal *prometheus.CounterVec
}

// NewMetrics creates a custom Prometheus registry with the standard
// weft transport metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	opDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "weft_operation_duration_seconds",
		Help:    "Duration of operations in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "status"})

	opTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "weft_operation_total",
		Help: "Total number of operations.",
	}, []string{"operation", "status"})

	sessionsOpen := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "weft_sessions_open",
		Help: "Number of established sessions.",
	})

	linksOpen := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "weft_links_open",
		Help: "Number of attached links by scheme.",
	}, []string{"scheme"})

	handshakesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "weft_handshakes_total",
		Help: "Total handshake attempts by result.",
	}, []string{"result"})

	batchesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "weft_batches_total",
		Help: "Total batches by direction.",
	}, []string{"direction"})

	bytesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "weft_bytes_total",
		Help: "Total batch bytes by direction.",
	}, []string{"direction"})

	messagesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "weft_messages_total",
		Help: "Total application messages by direction.",
	}, []string{"direction"})

	fragmentsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "weft_fragments_total",
		Help: "Total fragments by direction.",
	}, []string{"direction"})

	keepAlivesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "weft_keepalives_total",
		Help: "Total keep-alive probes by direction.",
	}, []string{"direction"})

	dropsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "weft_drops_total",
		Help: "Total dropped messages by reason.",
	}, []string{"reason"})

	leaseExpiriesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "weft_lease_expiries_total",
		Help: "Total sessions closed by lease expiry.",
	})

	sessionClosesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "weft_session_closes_total",
		Help: "Total session closures by kind.",
	}, []string{"kind"})

	reg.MustRegister(opDuration, opTotal, sessionsOpen, linksOpen,
		handshakesTotal, batchesTotal, bytesTotal, messagesTotal,
		fragmentsTotal, keepAlivesTotal, dropsTotal, leaseExpiriesTotal,
		sessionClosesTotal)

	return &Metrics{
		Registry:           reg,
		OperationDuration:  opDuration,
		OperationTotal:     opTotal,
		SessionsOpen:       sessionsOpen,
		LinksOpen:          linksOpen,
		HandshakesTotal:    handshakesTotal,
		BatchesTotal:       batchesTotal,
		BytesTotal:         bytesTotal,
		MessagesTotal:      messagesTotal,
		FragmentsTotal:     fragmentsTotal,
		KeepAlivesTotal:    keepAlivesTotal,
		DropsTotal:         dropsTotal,
		LeaseExpiriesTotal: leaseExpiriesTotal,
		SessionClosesTotal: sessionClosesTotal,
	}
}
