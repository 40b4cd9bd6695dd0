package speculative

import (
	"fmt"
	"math"

	"github.com/samcharles93/speculate/internal/model"
)

// DistributionTolerance is how far a distribution's total mass may drift
// from 1 before it is rejected as malformed.
const DistributionTolerance = 1e-4

// Vocabulary maps token ids to text. Every model.TokenModel satisfies it.
type Vocabulary interface {
	TokenText(id int) string
}

// Outcome is the reconciliation of one draft against its verification.
// Tokens are what the round appends to the context: the accepted prefix
// followed by either the residual replacement or the bonus token.
type Outcome struct {
	Results    []VerificationResult
	Tokens     []model.Token
	Accepted   int
	RejectedAt int
	Bonus      bool
	Samples    int
	Iterations int
}

// AcceptanceController applies the rejection sampling rule. Draft token i
// with draft probability q and target probability p is accepted when a
// uniform variate u satisfies u < min(1, p/q). The first rejected position
// is replaced by a sample from normalize(max(0, target - draft)) and ends
// the round. A fully accepted draft earns a bonus token sampled from the
// target distribution after the last position.
type AcceptanceController struct {
	vocab     Vocabulary
	rejection bool
}

// NewAcceptanceController returns a controller naming tokens with vocab.
// With rejection false every drafted token is accepted: output then
// follows the draft model, which is only useful as a comparison baseline.
func NewAcceptanceController(vocab Vocabulary, rejection bool) *AcceptanceController {
	return &AcceptanceController{vocab: vocab, rejection: rejection}
}

// Reconcile walks draft left to right. Probabilities are validated before
// any variate is drawn, so a malformed round consumes no randomness and
// accepts nothing.
func (c *AcceptanceController) Reconcile(draft DraftSequence, ver Verification, rng RandomSource) (Outcome, error) {
	return c.reconcile(draft, ver, rng, nil)
}

func (c *AcceptanceController) reconcile(draft DraftSequence, ver Verification, rng RandomSource, a *arena) (Outcome, error) {
	if err := validate(draft, ver); err != nil {
		return Outcome{}, err
	}
	n := draft.Len()
	out := Outcome{
		Results:    append([]VerificationResult(nil), ver.Results...),
		Tokens:     make([]model.Token, 0, n+1),
		RejectedAt: -1,
	}

	for i, tok := range draft.Tokens {
		out.Iterations++
		if !c.rejection {
			out.accept(i, tok)
			continue
		}
		u := rng.Float64()
		out.Samples++
		if accepts(u, out.Results[i].TargetProbability, tok.Probability) {
			out.accept(i, tok)
			continue
		}

		target := ver.Distributions[i]
		residual := residualDistribution(a.alloc(len(target)), target, draft.Distributions[i])
		id := model.Categorical(residual, rng.Float64())
		out.Samples++
		out.Results[i].ResidualDistribution = sparse(residual)
		out.Tokens = append(out.Tokens, model.Token{
			ID:          id,
			Text:        c.vocab.TokenText(id),
			Probability: target.Prob(id),
			Position:    tok.Position,
		})
		out.RejectedAt = i
		return out, nil
	}

	bonus := ver.Distributions[n]
	id := model.Categorical(bonus, rng.Float64())
	out.Samples++
	out.Bonus = true
	out.Tokens = append(out.Tokens, model.Token{
		ID:          id,
		Text:        c.vocab.TokenText(id),
		Probability: bonus.Prob(id),
		Position:    draft.Start + n,
	})
	return out, nil
}

func (o *Outcome) accept(i int, tok model.Token) {
	o.Results[i].IsAccepted = true
	o.Accepted++
	o.Tokens = append(o.Tokens, tok)
}

// accepts reports u < min(1, p/q). q == 0 only reaches here with p == 0,
// which is always a rejection.
func accepts(u, p, q float64) bool {
	if q <= 0 {
		return false
	}
	return u < math.Min(1, p/q)
}

// residualDistribution writes normalize(max(0, p - q)) into dst. When the
// draft covers the target everywhere there is no residual mass and the
// target distribution itself is used.
func residualDistribution(dst, p, q model.Distribution) model.Distribution {
	var sum float64
	for i := range p {
		r := p[i] - q[i]
		if r < 0 {
			r = 0
		}
		dst[i] = r
		sum += r
	}
	if sum <= 0 {
		copy(dst, p)
		return dst
	}
	for i := range dst {
		dst[i] /= sum
	}
	return dst
}

func sparse(d model.Distribution) map[int]float64 {
	m := make(map[int]float64)
	for id, p := range d {
		if p > 0 {
			m[id] = p
		}
	}
	return m
}

func validate(draft DraftSequence, ver Verification) error {
	n := draft.Len()
	if len(draft.Distributions) != n {
		return fmt.Errorf("%w: draft has %d distributions for %d tokens", ErrInvalidProbabilityDistribution, len(draft.Distributions), n)
	}
	if len(ver.Results) != n || len(ver.Distributions) != n+1 {
		return fmt.Errorf("%w: %d results and %d distributions for a draft of %d", ErrIncompleteVerification, len(ver.Results), len(ver.Distributions), n)
	}
	for i := 0; i <= n; i++ {
		if err := ver.Distributions[i].Check(DistributionTolerance); err != nil {
			return fmt.Errorf("%w: target position %d: %v", ErrInvalidProbabilityDistribution, i, err)
		}
	}
	vocab := len(ver.Distributions[0])
	for i, tok := range draft.Tokens {
		qd, pd := draft.Distributions[i], ver.Distributions[i]
		if err := qd.Check(DistributionTolerance); err != nil {
			return fmt.Errorf("%w: draft position %d: %v", ErrInvalidProbabilityDistribution, i, err)
		}
		if len(qd) != vocab || len(pd) != vocab {
			return fmt.Errorf("%w: position %d: draft vocabulary %d, target vocabulary %d", ErrInvalidProbabilityDistribution, i, len(qd), len(pd))
		}
		p, q := ver.Results[i].TargetProbability, tok.Probability
		perr := &ProbabilityError{Position: i, TokenID: tok.ID, Target: p, Draft: q}
		switch {
		case !isProbability(p):
			perr.Reason = "target probability outside [0,1]"
		case !isProbability(q):
			perr.Reason = "draft probability outside [0,1]"
		case q == 0 && p > 0:
			perr.Reason = "draft probability is zero where the target is not"
		case math.Abs(q-qd.Prob(tok.ID)) > DistributionTolerance:
			perr.Reason = "draft probability disagrees with the draft distribution"
		case math.Abs(p-pd.Prob(tok.ID)) > DistributionTolerance:
			perr.Reason = "target probability disagrees with the target distribution"
		default:
			continue
		}
		return perr
	}
	return nil
}

func isProbability(p float64) bool {
	return !math.IsNaN(p) && p >= 0 && p <= 1
}
