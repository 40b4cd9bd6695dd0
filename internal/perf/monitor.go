// Package perf accounts for the time spent in each phase of speculative
// decoding and exposes it as live ProcessingMetrics and Prometheus series.
package perf

import (
	"sync"
	"time"

	"github.com/samcharles93/speculate/internal/compute"
)

// RoundTiming is what the orchestrator reports after every completed round.
type RoundTiming struct {
	Draft     time.Duration `json:"draft"`
	Verify    time.Duration `json:"verify"`
	Reconcile time.Duration `json:"reconcile"`
	Total     time.Duration `json:"total"`

	// Drafted is the draft length, Accepted the number of draft tokens the
	// acceptance rule kept and Generated the number of tokens appended to
	// the context, replacement and bonus tokens included.
	Drafted   int  `json:"drafted"`
	Accepted  int  `json:"accepted"`
	Generated int  `json:"generated"`
	Bonus     bool `json:"bonus"`
}

// ProcessingMetrics aggregates every round of the current request.
// Latencies are cumulative.
type ProcessingMetrics struct {
	TotalLatency             time.Duration `json:"total_latency"`
	TokensPerSecond          float64       `json:"tokens_per_second"`
	GPUUtilization           float64       `json:"gpu_utilization"`
	DraftModelLatency        time.Duration `json:"draft_model_latency"`
	VerificationModelLatency time.Duration `json:"verification_model_latency"`
	MemoryUsage              int64         `json:"memory_usage"`

	Rounds          int     `json:"rounds"`
	GeneratedTokens int     `json:"generated_tokens"`
	AcceptanceRate  float64 `json:"acceptance_rate"`
}

// Monitor is a passive observer. RecordRound does constant work under a
// mutex so it never competes with model calls for time.
type Monitor struct {
	pool       *compute.Pool
	collectors *Collectors

	mu       sync.Mutex
	m        ProcessingMetrics
	drafted  int
	accepted int
}

// NewMonitor returns a Monitor reading memory figures from pool. Both
// arguments may be nil.
func NewMonitor(pool *compute.Pool, collectors *Collectors) *Monitor {
	return &Monitor{pool: pool, collectors: collectors}
}

// Begin clears the per-request aggregates.
func (m *Monitor) Begin() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m = ProcessingMetrics{}
	m.drafted = 0
	m.accepted = 0
}

// RecordRound folds one round into the aggregates.
func (m *Monitor) RecordRound(t RoundTiming) {
	m.mu.Lock()
	m.m.Rounds++
	m.m.TotalLatency += t.Total
	m.m.DraftModelLatency += t.Draft
	m.m.VerificationModelLatency += t.Verify
	m.m.GeneratedTokens += t.Generated
	m.drafted += t.Drafted
	m.accepted += t.Accepted
	m.mu.Unlock()

	if m.collectors != nil {
		m.collectors.observeRound(t)
		if m.pool != nil {
			m.collectors.observePool(m.pool.Metrics())
		}
	}
}

// Snapshot returns the current aggregates. Memory figures are read from the
// buffer pool at call time.
func (m *Monitor) Snapshot() ProcessingMetrics {
	m.mu.Lock()
	out := m.m
	drafted, accepted := m.drafted, m.accepted
	m.mu.Unlock()

	if out.TotalLatency > 0 {
		out.TokensPerSecond = float64(out.GeneratedTokens) / out.TotalLatency.Seconds()
	}
	if drafted > 0 {
		out.AcceptanceRate = float64(accepted) / float64(drafted)
	}
	if m.pool != nil {
		bm := m.pool.Metrics()
		out.GPUUtilization = bm.Utilization
		out.MemoryUsage = bm.TotalMemoryUsed
	}
	return out
}
