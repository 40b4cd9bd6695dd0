package speculative

import (
	"context"
	"fmt"

	"github.com/samcharles93/speculate/internal/model"
)

// DraftGenerator proposes candidate tokens by sampling the draft model
// autoregressively, feeding each drafted token back as context.
type DraftGenerator struct {
	model     model.TokenModel
	sampler   *model.Sampler
	threshold float64
}

// NewDraftGenerator returns a generator sampling m with rng. A positive
// threshold ends the draft after the first token whose draft probability
// is below it.
func NewDraftGenerator(m model.TokenModel, rng RandomSource, threshold float64) *DraftGenerator {
	return &DraftGenerator{model: m, sampler: model.NewSampler(rng), threshold: threshold}
}

// Draft proposes at most k tokens following tc. The draft model is reset
// first, so calls with the same context and random state are independent of
// earlier rounds.
func (g *DraftGenerator) Draft(ctx context.Context, tc *TokenContext, k int) (DraftSequence, error) {
	return g.draft(ctx, tc, k, nil)
}

func (g *DraftGenerator) draft(ctx context.Context, tc *TokenContext, k int, a *arena) (DraftSequence, error) {
	if k < 1 {
		return DraftSequence{}, fmt.Errorf("%w: %d", ErrInvalidDraftLength, k)
	}
	if !g.model.Loaded() {
		return DraftSequence{}, fmt.Errorf("draft model %s: %w", g.model.ID(), ErrModelNotLoaded)
	}
	if err := safeReset(g.model); err != nil {
		return DraftSequence{}, err
	}

	history := tc.IDs()
	seq := DraftSequence{
		Start:         tc.Len(),
		Tokens:        make([]model.Token, 0, k),
		Distributions: make([]model.Distribution, 0, k),
	}
	eos := g.model.EOS()
	for i := range k {
		dist, err := safeScoreNext(ctx, g.model, history)
		if err != nil {
			return DraftSequence{}, fmt.Errorf("draft position %d: %w", i, err)
		}
		dist = a.copy(dist)
		tok := g.sampler.Next(g.model, dist, seq.Start+i)
		seq.Tokens = append(seq.Tokens, tok)
		seq.Distributions = append(seq.Distributions, dist)
		history = append(history, tok.ID)

		if tok.ID == eos {
			break
		}
		if g.threshold > 0 && tok.Probability < g.threshold {
			break
		}
	}
	return seq, nil
}
