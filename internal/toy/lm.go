package toy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/samcharles93/speculate/internal/logits"
	"github.com/samcharles93/speculate/internal/model"
)

// LM is a toy language model instance implementing model.TokenModel. It
// keeps a prefix cache of the last history it evaluated, the way a real
// runtime keeps a KV cache: positions shared with the cached history are
// free, a diverging history rolls the cache back to the common prefix.
type LM struct {
	spec    Spec
	weights *Weights
	index   map[string]int
	eos     int

	mu     sync.Mutex
	loaded bool
	warper *logits.Warper
	cached []int
	h      []float32
	logits []float32
	out    []model.Distribution

	stats Stats
}

// Stats counts the work an LM instance performed.
type Stats struct {
	// Dispatches is the number of ScoreNext and ScoreBatch calls served.
	Dispatches int
	// Positions is the number of positions the model ran forward over.
	Positions int
	// Resets counts explicit Reset calls that dropped a non-empty cache.
	Resets int
	// Rollbacks counts dispatches whose history diverged from the cache.
	Rollbacks int
}

// New builds an instance of spec over shared weights. A nil weights builds
// fresh ones.
func New(spec Spec, weights *Weights) *LM {
	spec.applyDefaults()
	if weights == nil {
		weights = NewWeights(spec)
	}
	index := make(map[string]int, len(spec.Vocab))
	for i, v := range spec.Vocab {
		index[v] = i
	}
	eos := model.NoEOS
	if id, ok := indexOf(spec.Vocab, spec.EOS); ok {
		eos = id
	}
	return &LM{
		spec:    spec,
		weights: weights,
		index:   index,
		eos:     eos,
	}
}

func (m *LM) ID() string { return m.spec.ID }

func (m *LM) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return nil
	}
	m.warper = logits.NewWarper(logits.WarpConfig{
		Temperature: m.spec.Temperature,
		TopK:        m.spec.TopK,
		TopP:        m.spec.TopP,
		MinP:        m.spec.MinP,
	})
	m.h = make([]float32, m.weights.Hidden)
	m.logits = make([]float32, m.weights.Vocab)
	m.loaded = true
	return nil
}

func (m *LM) Unload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = false
	m.cached = nil
	m.out = nil
}

func (m *LM) Loaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded
}

func (m *LM) VocabSize() int { return m.weights.Vocab }

func (m *LM) EOS() int { return m.eos }

func (m *LM) TokenText(id int) string {
	if id < 0 || id >= len(m.spec.Vocab) {
		return fmt.Sprintf("<%d>", id)
	}
	return m.spec.Vocab[id]
}

// Encode maps whitespace separated words onto token ids.
func (m *LM) Encode(text string) ([]int, error) {
	words := strings.Fields(text)
	ids := make([]int, 0, len(words))
	for _, w := range words {
		id, ok := m.index[w]
		if !ok {
			return nil, fmt.Errorf("%s: word %q not in vocabulary", m.spec.ID, w)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *LM) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
}

func (m *LM) resetLocked() {
	if len(m.cached) > 0 {
		m.stats.Resets++
	}
	m.cached = m.cached[:0]
}

// Stats returns a copy of the work counters.
func (m *LM) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *LM) ScoreNext(ctx context.Context, history []int) (model.Distribution, error) {
	out, err := m.score(ctx, history, nil)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (m *LM) ScoreBatch(ctx context.Context, history []int, candidates []int) ([]model.Distribution, error) {
	return m.score(ctx, history, candidates)
}

func (m *LM) score(ctx context.Context, history, candidates []int) ([]model.Distribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return nil, fmt.Errorf("%s: %w", m.spec.ID, model.ErrNotLoaded)
	}
	for _, id := range history {
		if id < 0 || id >= m.weights.Vocab {
			return nil, fmt.Errorf("%s: token %d out of range", m.spec.ID, id)
		}
	}
	for _, id := range candidates {
		if id < 0 || id >= m.weights.Vocab {
			return nil, fmt.Errorf("%s: candidate %d out of range", m.spec.ID, id)
		}
	}

	full := make([]int, 0, len(history)+len(candidates))
	full = append(full, history...)
	full = append(full, candidates...)

	common := m.commonPrefix(full)
	positions := max(len(full)-common, 1)
	cost := m.spec.Latency + time.Duration(positions)*m.spec.TokenLatency
	if err := wait(ctx, cost); err != nil {
		return nil, err
	}
	if common < len(m.cached) {
		m.stats.Rollbacks++
	}
	m.cached = append(m.cached[:common], full[common:]...)
	m.stats.Dispatches++
	m.stats.Positions += positions

	n := len(candidates) + 1
	if cap(m.out) < n {
		m.out = make([]model.Distribution, n)
	}
	m.out = m.out[:n]
	for i := range n {
		m.out[i] = m.distribution(m.out[i], full[:len(history)+i])
	}
	return m.out, nil
}

// commonPrefix returns how many leading positions of full are already in
// the cache. A dispatch is always charged for at least one position.
func (m *LM) commonPrefix(full []int) int {
	common := 0
	for common < len(m.cached) && common < len(full) && m.cached[common] == full[common] {
		common++
	}
	return common
}

func (m *LM) distribution(dst model.Distribution, history []int) model.Distribution {
	prev, last := -1, 0
	switch n := len(history); {
	case n >= 2:
		prev, last = history[n-2], history[n-1]
	case n == 1:
		last = history[0]
	}
	m.weights.forward(m.logits, m.h, prev, last)
	return m.warper.Distribution(dst, m.logits)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
