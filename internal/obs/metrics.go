package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	CyclesTotal     *prometheus.CounterVec // category, result=booked|idle|skipped|exhausted|error
	BookedTotal     *prometheus.CounterVec // category
	AnomaliesTotal  *prometheus.CounterVec // category, reason=lost_race|claim_vanished
	ClaimsTotal     *prometheus.CounterVec // result=held|owned_elsewhere|lost
	CollisionsTotal *prometheus.CounterVec // category
	EvictionsTotal  *prometheus.CounterVec // category, result=swapped|abandoned|relocated

	OpLatencyMS *prometheus.HistogramVec // op=cycle|claim|allocate|commit

	StorageOpsTotal *prometheus.CounterVec // op, kind=read|write, result=ok|error|busy
	ClaimsHeld      prometheus.Gauge
	ClaimsExpired   prometheus.Counter
	GeneratedTotal  *prometheus.CounterVec // category
}

// NewMetrics registers the scheduler metrics on reg. Pass
// prometheus.DefaultRegisterer to expose them on the default /metrics
// handler, or a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sched_cycles_total",
				Help: "Scheduler worker cycles by outcome",
			},
			[]string{"category", "result"},
		),
		BookedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sched_booked_total",
				Help: "Requests booked and removed from the queue",
			},
			[]string{"category"},
		),
		AnomaliesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sched_anomalies_total",
				Help: "Ownership claims lost after settling",
			},
			[]string{"category", "reason"},
		),
		ClaimsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sched_claims_total",
				Help: "Ownership acquisition attempts by result",
			},
			[]string{"result"},
		),
		CollisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sched_slot_collisions_total",
				Help: "Verified writes that found another request in the slot",
			},
			[]string{"category"},
		),
		EvictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sched_evictions_total",
				Help: "Eviction attempts by result",
			},
			[]string{"category", "result"},
		),
		OpLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sched_op_latency_ms",
				Help:    "Latency of scheduler operations (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1ms .. ~2048ms
			},
			[]string{"op"},
		),
		StorageOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sched_storage_ops_total",
				Help: "Storage calls by operation, kind and result",
			},
			[]string{"op", "kind", "result"},
		),
		ClaimsHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sched_claims_held",
			Help: "Ownership claims currently present in storage",
		}),
		ClaimsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sched_claims_expired_total",
			Help: "Stale claims removed by the sweeper",
		}),
		GeneratedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sched_requests_generated_total",
				Help: "Requests inserted by the generator",
			},
			[]string{"category"},
		),
	}

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.CyclesTotal,
		m.BookedTotal,
		m.AnomaliesTotal,
		m.ClaimsTotal,
		m.CollisionsTotal,
		m.EvictionsTotal,
		m.OpLatencyMS,
		m.StorageOpsTotal,
		m.ClaimsHeld,
		m.ClaimsExpired,
		m.GeneratedTotal,
	)

	return m
}

// The helpers below are no-ops on a nil *Metrics.

func (m *Metrics) Cycle(category, result string) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(category, result).Inc()
}

func (m *Metrics) Booked(category string) {
	if m == nil {
		return
	}
	m.BookedTotal.WithLabelValues(category).Inc()
}

func (m *Metrics) Anomaly(category, reason string) {
	if m == nil {
		return
	}
	m.AnomaliesTotal.WithLabelValues(category, reason).Inc()
}

func (m *Metrics) Claim(result string) {
	if m == nil {
		return
	}
	m.ClaimsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Collision(category string) {
	if m == nil {
		return
	}
	m.CollisionsTotal.WithLabelValues(category).Inc()
}

func (m *Metrics) Eviction(category, result string) {
	if m == nil {
		return
	}
	m.EvictionsTotal.WithLabelValues(category, result).Inc()
}

func (m *Metrics) ObserveLatency(op string, start time.Time) {
	if m == nil {
		return
	}
	m.OpLatencyMS.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))
}

func (m *Metrics) Generated(category string) {
	if m == nil {
		return
	}
	m.GeneratedTotal.WithLabelValues(category).Inc()
}
