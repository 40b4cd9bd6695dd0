package speculative

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/samcharles93/speculate/internal/model"
	"github.com/samcharles93/speculate/internal/toy"
)

var helloVocab = []string{"<eos>", "Hello", ",", "world", "!", "How", "are"}

const (
	tokEOS = iota
	tokHello
	tokComma
	tokWorld
	tokBang
	tokHow
	tokAre
)

var errScripted = errors.New("scripted failure")

// scriptedModel returns distributions keyed by history length, which is
// enough to script a round exactly.
type scriptedModel struct {
	id       string
	vocab    []string
	eos      int
	dists    map[int]model.Distribution
	fallback model.Distribution

	// failFrom makes any call whose history reaches this length fail; zero
	// disables it.
	failFrom int
	// shortBatch drops the last distribution of every ScoreBatch result.
	shortBatch bool
	delay      time.Duration
	// onBatch runs inside every ScoreBatch call.
	onBatch func()

	mu         sync.Mutex
	loaded     bool
	resets     int
	nextCalls  int
	batchCalls int
}

func newScripted(id string, dists map[int]model.Distribution) *scriptedModel {
	return &scriptedModel{
		id:       id,
		vocab:    helloVocab,
		eos:      model.NoEOS,
		dists:    dists,
		fallback: dist(len(helloVocab), map[int]float64{tokHow: 0.5, tokAre: 0.5}),
		loaded:   true,
	}
}

func (m *scriptedModel) ID() string { return m.id }

func (m *scriptedModel) Load(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = true
	return nil
}

func (m *scriptedModel) Unload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = false
}

func (m *scriptedModel) Loaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded
}

func (m *scriptedModel) VocabSize() int { return len(m.vocab) }

func (m *scriptedModel) EOS() int { return m.eos }

func (m *scriptedModel) TokenText(id int) string {
	if id < 0 || id >= len(m.vocab) {
		return fmt.Sprintf("<%d>", id)
	}
	return m.vocab[id]
}

func (m *scriptedModel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
}

func (m *scriptedModel) at(n int) (model.Distribution, error) {
	if m.failFrom > 0 && n >= m.failFrom {
		return nil, fmt.Errorf("%s at length %d: %w", m.id, n, errScripted)
	}
	if d, ok := m.dists[n]; ok {
		return d, nil
	}
	return m.fallback, nil
}

func (m *scriptedModel) wait(ctx context.Context) error {
	if m.delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.delay):
		return nil
	}
}

func (m *scriptedModel) ScoreNext(ctx context.Context, history []int) (model.Distribution, error) {
	m.mu.Lock()
	m.nextCalls++
	m.mu.Unlock()
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	return m.at(len(history))
}

func (m *scriptedModel) ScoreBatch(ctx context.Context, history, candidates []int) ([]model.Distribution, error) {
	m.mu.Lock()
	m.batchCalls++
	m.mu.Unlock()
	if m.onBatch != nil {
		m.onBatch()
	}
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	out := make([]model.Distribution, 0, len(candidates)+1)
	for i := 0; i <= len(candidates); i++ {
		d, err := m.at(len(history) + i)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if m.shortBatch {
		out = out[:len(out)-1]
	}
	return out, nil
}

// seqRand replays vals and then returns zero.
type seqRand struct {
	vals []float64
	i    int
}

func (r *seqRand) Float64() float64 {
	if r.i >= len(r.vals) {
		return 0
	}
	v := r.vals[r.i]
	r.i++
	return v
}

func dist(vocab int, probs map[int]float64) model.Distribution {
	d := make(model.Distribution, vocab)
	for id, p := range probs {
		d[id] = p
	}
	return d
}

// helloModels scripts the round where the draft proposes
// ", world ! How" after "Hello" with draft probabilities 0.9 0.6 0.5 0.4
// and the target assigns 0.9 0.3 0.5 0.7 to the same tokens.
func helloModels() (draft, target *scriptedModel) {
	n := len(helloVocab)
	draft = newScripted("draft", map[int]model.Distribution{
		1: dist(n, map[int]float64{tokComma: 0.9, tokWorld: 0.1}),
		2: dist(n, map[int]float64{tokWorld: 0.6, tokBang: 0.2, tokHow: 0.2}),
		3: dist(n, map[int]float64{tokBang: 0.5, tokHow: 0.5}),
		4: dist(n, map[int]float64{tokHow: 0.4, tokAre: 0.6}),
	})
	target = newScripted("target", map[int]model.Distribution{
		1: dist(n, map[int]float64{tokComma: 0.9, tokWorld: 0.1}),
		2: dist(n, map[int]float64{tokWorld: 0.3, tokAre: 0.7}),
		3: dist(n, map[int]float64{tokBang: 0.5, tokHow: 0.5}),
		4: dist(n, map[int]float64{tokHow: 0.7, tokAre: 0.3}),
		5: dist(n, map[int]float64{tokEOS: 1}),
	})
	return draft, target
}

func helloContext() *TokenContext {
	return NewTokenContext(model.Token{ID: tokHello, Text: "Hello", Probability: 1})
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AcceptanceThreshold = 0
	cfg.Seed = 1
	return cfg
}

// toyPair returns a loaded draft and target toy model without simulated
// latency or an end-of-sequence token.
func toyPair(t *testing.T) (draft, target *toy.LM) {
	t.Helper()
	ts := toy.DefaultTarget()
	ts.EOS = ""
	ts.Latency, ts.TokenLatency = 0, 0
	ds := toy.DefaultDraft()
	ds.EOS = ""
	ds.Latency, ds.TokenLatency = 0, 0
	draft, target = toy.New(ds, nil), toy.New(ts, nil)
	for _, m := range []*toy.LM{draft, target} {
		if err := m.Load(context.Background()); err != nil {
			t.Fatalf("load %s: %v", m.ID(), err)
		}
	}
	return draft, target
}

func ids(tokens []model.Token) []int {
	out := make([]int, len(tokens))
	for i, t := range tokens {
		out[i] = t.ID
	}
	return out
}
