// README: Prometheus metrics for swap transitions, sweeps and side effects.
package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	OpsTotal    *prometheus.CounterVec   // op=create|accept|reject|cancel|end|expire, result=ok|moot|conflict|denied|error
	OpLatencyMS *prometheus.HistogramVec // op

	SweepActions  *prometheus.CounterVec // action=reverted|deferred|expired|failed
	PendingRevert prometheus.Gauge

	SideEffectFailures *prometheus.CounterVec // sink=notify|audit|mirror
}

// NewMetrics builds the collectors and registers them on reg.
// A nil reg leaves the collectors unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swap_ops_total",
				Help: "Swap engine operations by result",
			},
			[]string{"op", "result"},
		),
		OpLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "swap_op_latency_ms",
				Help:    "Latency of swap engine operations (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"op"},
		),
		SweepActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swap_sweep_actions_total",
				Help: "Requests handled by the expiry reconciler by action",
			},
			[]string{"action"},
		),
		PendingRevert: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "swap_pending_revert",
			Help: "Swap requests waiting for a trip to end before reverting",
		}),
		SideEffectFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swap_side_effect_failures_total",
				Help: "Swallowed failures of fire-and-forget side effects",
			},
			[]string{"sink"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.OpsTotal,
			m.OpLatencyMS,
			m.SweepActions,
			m.PendingRevert,
			m.SideEffectFailures,
		)
	}
	return m
}

func (m *Metrics) ObserveOp(op, result string, start time.Time) {
	if m == nil {
		return
	}
	m.OpsTotal.WithLabelValues(op, result).Inc()
	m.OpLatencyMS.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))
}

func (m *Metrics) SweepAction(action string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.SweepActions.WithLabelValues(action).Add(float64(n))
}

func (m *Metrics) SetPendingRevert(n int) {
	if m == nil {
		return
	}
	m.PendingRevert.Set(float64(n))
}

func (m *Metrics) SideEffectFailed(sink string) {
	if m == nil {
		return
	}
	m.SideEffectFailures.WithLabelValues(sink).Inc()
}
