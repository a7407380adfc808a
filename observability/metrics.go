package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/vip-ledger/audit"
	"github.com/warp/vip-ledger/ledger"
)

// Metrics implements ledger.Observer on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	operations   *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	auditDropped *prometheus.CounterVec
	sweeps       *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Ledger operations by outcome. kind is ok or the error kind.",
		}, []string{"op", "kind"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_operation_duration_seconds",
			Help:    "Time spent per ledger operation, lock wait included.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"op"}),
		auditDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_audit_dropped_total",
			Help: "Audit entries dropped because the dispatcher buffer was full or closed.",
		}, []string{"action"}),
		sweeps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_combined_groups_swept_total",
			Help: "Combined groups examined by the sweeper, by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) ObserveOperation(op string, err error, elapsed time.Duration) {
	kind := "ok"
	if err != nil {
		kind = string(ledger.KindOf(err))
	}
	m.operations.WithLabelValues(op, kind).Inc()
	m.duration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// AuditDropped fits audit.WithDropHook.
func (m *Metrics) AuditDropped(e audit.Entry) {
	m.auditDropped.WithLabelValues(string(e.Action)).Inc()
}

// ObserveSweep records one sweeper pass.
func (m *Metrics) ObserveSweep(settled, pending int) {
	m.sweeps.WithLabelValues("settled").Add(float64(settled))
	m.sweeps.WithLabelValues("pending").Add(float64(pending))
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

var _ ledger.Observer = (*Metrics)(nil)
