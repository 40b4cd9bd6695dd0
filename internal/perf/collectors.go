package perf

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/samcharles93/speculate/internal/compute"
)

const namespace = "speculate"

// Collectors are the Prometheus series shared by every Monitor of a
// process. Build them once per registry.
type Collectors struct {
	Rounds         prometheus.Counter
	Tokens         *prometheus.CounterVec
	PhaseLatency   *prometheus.HistogramVec
	AcceptanceRate prometheus.Histogram
	Requests       *prometheus.CounterVec
	BufferBytes    *prometheus.GaugeVec
	Utilization    prometheus.Gauge
}

func NewCollectors(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		Rounds: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Completed speculative rounds",
		}),
		Tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens by kind: drafted, accepted, generated, bonus",
		}, []string{"kind"}),
		PhaseLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Time spent per round phase",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"phase"}),
		AcceptanceRate: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_acceptance_rate",
			Help:      "Accepted over drafted tokens per round",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Generation requests by outcome",
		}, []string{"outcome"}),
		BufferBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_bytes",
			Help:      "Compute pool bytes by state: in_use, reserved",
		}, []string{"state"}),
		Utilization: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_utilization",
			Help:      "Compute pool utilization ratio",
		}),
	}
}

func (c *Collectors) observeRound(t RoundTiming) {
	c.Rounds.Inc()
	c.Tokens.WithLabelValues("drafted").Add(float64(t.Drafted))
	c.Tokens.WithLabelValues("accepted").Add(float64(t.Accepted))
	c.Tokens.WithLabelValues("generated").Add(float64(t.Generated))
	if t.Bonus {
		c.Tokens.WithLabelValues("bonus").Inc()
	}
	c.PhaseLatency.WithLabelValues("draft").Observe(t.Draft.Seconds())
	c.PhaseLatency.WithLabelValues("verify").Observe(t.Verify.Seconds())
	c.PhaseLatency.WithLabelValues("reconcile").Observe(t.Reconcile.Seconds())
	if t.Drafted > 0 {
		c.AcceptanceRate.Observe(float64(t.Accepted) / float64(t.Drafted))
	}
}

func (c *Collectors) observePool(m compute.BufferMetrics) {
	c.BufferBytes.WithLabelValues("in_use").Set(float64(m.TotalMemoryUsed))
	c.BufferBytes.WithLabelValues("reserved").Set(float64(m.Reserved))
	c.Utilization.Set(m.Utilization)
}

// ObserveRequest counts a finished request under outcome.
func (c *Collectors) ObserveRequest(outcome string) {
	if c == nil {
		return
	}
	c.Requests.WithLabelValues(outcome).Inc()
}
