package speculative

import (
	"context"
	"fmt"

	"github.com/samcharles93/speculate/internal/model"
)

// VerificationEngine scores a whole draft with the target model. In
// parallel mode all positions and the bonus position go out in a single
// ScoreBatch dispatch; otherwise each position is a separate ScoreNext call.
// Both modes condition position i on the context plus draft[:i] and yield
// the same distributions.
type VerificationEngine struct {
	model    model.TokenModel
	parallel bool
}

func NewVerificationEngine(m model.TokenModel, parallel bool) *VerificationEngine {
	return &VerificationEngine{model: m, parallel: parallel}
}

// Verify returns a result for every drafted position or an error; never a
// partial list.
func (v *VerificationEngine) Verify(ctx context.Context, tc *TokenContext, draft DraftSequence) (Verification, error) {
	return v.verify(ctx, tc, draft, nil)
}

func (v *VerificationEngine) verify(ctx context.Context, tc *TokenContext, draft DraftSequence, a *arena) (Verification, error) {
	if !v.model.Loaded() {
		return Verification{}, fmt.Errorf("verification model %s: %w", v.model.ID(), ErrModelNotLoaded)
	}
	n := draft.Len()
	history := tc.IDs()
	candidates := draft.IDs()

	var dists []model.Distribution
	if v.parallel {
		out, err := safeScoreBatch(ctx, v.model, history, candidates)
		if err != nil {
			return Verification{}, fmt.Errorf("verify batch of %d: %w", n, err)
		}
		if len(out) != n+1 {
			return Verification{}, fmt.Errorf("%w: %d distributions for %d positions", ErrIncompleteVerification, len(out), n+1)
		}
		dists = make([]model.Distribution, n+1)
		for i, d := range out {
			dists[i] = a.copy(d)
		}
	} else {
		dists = make([]model.Distribution, 0, n+1)
		prefix := append(history, candidates...)
		for i := 0; i <= n; i++ {
			d, err := safeScoreNext(ctx, v.model, prefix[:len(history)+i])
			if err != nil {
				return Verification{}, fmt.Errorf("verify position %d of %d: %w", i, n, err)
			}
			dists = append(dists, a.copy(d))
		}
	}

	results := make([]VerificationResult, n)
	for i, tok := range draft.Tokens {
		_, confidence := dists[i].Argmax()
		results[i] = VerificationResult{
			Position:          tok.Position,
			TokenID:           tok.ID,
			DraftProbability:  tok.Probability,
			TargetProbability: dists[i].Prob(tok.ID),
			Confidence:        confidence,
		}
	}
	return Verification{Results: results, Distributions: dists}, nil
}
