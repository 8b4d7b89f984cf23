// Package metrics exposes Prometheus collectors for the upload engine.
package metrics

import (
	"time"

	"github.com/molpadia/molpadrive/internal/apperr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is safe to use through a nil pointer, which records nothing.
type Metrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	completedBytes    prometheus.Counter
	upstreamFailures  *prometheus.CounterVec
	gcAbortedTotal    *prometheus.CounterVec
	gatewayBytes      prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		operationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "molpadrive_session_operations_total",
				Help: "Total number of upload session operations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		operationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "molpadrive_session_operation_duration_seconds",
				Help:    "Duration of upload session operations",
				Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 10},
			},
			[]string{"operation"},
		),
		completedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "molpadrive_completed_bytes_total",
			Help: "Total bytes of finalized multipart uploads",
		}),
		upstreamFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "molpadrive_upstream_failures_total",
				Help: "Object store failures by operation, including suppressed ones",
			},
			[]string{"operation"},
		),
		gcAbortedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "molpadrive_gc_aborted_total",
				Help: "Sessions and provider uploads aborted by the garbage collector",
			},
			[]string{"phase"},
		),
		gatewayBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "molpadrive_gateway_received_bytes_total",
			Help: "Bytes received by the resumable transfer gateway",
		}),
	}
}

// ObserveOperation records the outcome and duration of a session operation.
func (m *Metrics) ObserveOperation(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = apperr.KindOf(err).String()
	}
	m.operationsTotal.WithLabelValues(op, outcome).Inc()
	m.operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) AddCompletedBytes(n int64) {
	if m == nil {
		return
	}
	m.completedBytes.Add(float64(n))
}

func (m *Metrics) UpstreamFailure(op string) {
	if m == nil {
		return
	}
	m.upstreamFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) GCAborted(phase string, n int) {
	if m == nil {
		return
	}
	m.gcAbortedTotal.WithLabelValues(phase).Add(float64(n))
}

func (m *Metrics) AddGatewayBytes(n int64) {
	if m == nil {
		return
	}
	m.gatewayBytes.Add(float64(n))
}
