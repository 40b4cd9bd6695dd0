package speculative

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/samcharles93/speculate/internal/model"
)

func TestAcceptRule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		u, p, q float64
		want    bool
	}{
		{"target above draft", 0.999, 0.8, 0.4, true},
		{"equal", 0.999, 0.5, 0.5, true},
		{"ratio above u", 0.49, 0.3, 0.6, true},
		{"ratio equals u", 0.5, 0.3, 0.6, false},
		{"ratio below u", 0.9, 0.3, 0.6, false},
		{"zero target", 0, 0, 0.6, false},
		{"both zero", 0, 0, 0, false},
	}
	for _, tc := range tests {
		if got := accepts(tc.u, tc.p, tc.q); got != tc.want {
			t.Errorf("%s: accepts(%v, %v, %v) = %v, want %v", tc.name, tc.u, tc.p, tc.q, got, tc.want)
		}
	}
}

func TestResidualDistribution(t *testing.T) {
	t.Parallel()
	p := model.Distribution{0.5, 0.3, 0.2}
	q := model.Distribution{0.2, 0.6, 0.2}
	r := residualDistribution(make(model.Distribution, 3), p, q)
	want := model.Distribution{1, 0, 0}
	for i := range want {
		if math.Abs(r[i]-want[i]) > 1e-12 {
			t.Fatalf("residual[%d]: got %v, want %v", i, r[i], want[i])
		}
	}

	p = model.Distribution{0.6, 0.3, 0.1}
	q = model.Distribution{0.2, 0.2, 0.6}
	r = residualDistribution(make(model.Distribution, 3), p, q)
	if math.Abs(r[0]-0.8) > 1e-12 || math.Abs(r[1]-0.2) > 1e-12 || r[2] != 0 {
		t.Fatalf("unexpected residual %v", r)
	}
}

func TestDegenerateResidualFallsBackToTarget(t *testing.T) {
	t.Parallel()
	p := model.Distribution{0.25, 0.75}
	r := residualDistribution(make(model.Distribution, 2), p, p)
	if r[0] != 0.25 || r[1] != 0.75 {
		t.Fatalf("expected target distribution, got %v", r)
	}
}

func reconcileHello(t *testing.T, rng RandomSource, rejection bool) (Outcome, error) {
	t.Helper()
	draftModel, targetModel := helloModels()
	tc := helloContext()
	draft, err := NewDraftGenerator(draftModel, &seqRand{}, 0).Draft(context.Background(), tc, 4)
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	ver, err := NewVerificationEngine(targetModel, true).Verify(context.Background(), tc, draft)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	return NewAcceptanceController(targetModel, rejection).Reconcile(draft, ver, rng)
}

func TestHelloScenario(t *testing.T) {
	t.Parallel()
	draftModel, targetModel := helloModels()
	tc := helloContext()

	draft, err := NewDraftGenerator(draftModel, &seqRand{}, 0).Draft(context.Background(), tc, 4)
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if got := ids(draft.Tokens); len(got) != 4 || got[0] != tokComma || got[1] != tokWorld || got[2] != tokBang || got[3] != tokHow {
		t.Fatalf("draft tokens: got %v", got)
	}
	wantQ := []float64{0.9, 0.6, 0.5, 0.4}
	for i, tok := range draft.Tokens {
		if tok.Probability != wantQ[i] {
			t.Fatalf("draft probability %d: got %v, want %v", i, tok.Probability, wantQ[i])
		}
	}

	ver, err := NewVerificationEngine(targetModel, true).Verify(context.Background(), tc, draft)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	wantP := []float64{0.9, 0.3, 0.5, 0.7}
	for i, r := range ver.Results {
		if r.TargetProbability != wantP[i] {
			t.Fatalf("target probability %d: got %v, want %v", i, r.TargetProbability, wantP[i])
		}
	}

	// u0 = 0.5 accepts the comma, u1 = 0.99 rejects "world", 0.3 samples
	// the residual.
	out, err := NewAcceptanceController(targetModel, true).Reconcile(draft, ver, &seqRand{vals: []float64{0.5, 0.99, 0.3}})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(out.Tokens) != 2 {
		t.Fatalf("expected exactly 2 new tokens, got %d", len(out.Tokens))
	}
	if out.Tokens[0].Text != "," || out.Tokens[1].Text != "are" {
		t.Fatalf("unexpected tokens %q %q", out.Tokens[0].Text, out.Tokens[1].Text)
	}
	if out.Bonus || out.Accepted != 1 || out.RejectedAt != 1 {
		t.Fatalf("unexpected outcome: bonus=%v accepted=%d rejectedAt=%d", out.Bonus, out.Accepted, out.RejectedAt)
	}
	if !out.Results[0].IsAccepted || out.Results[1].IsAccepted || out.Results[2].IsAccepted || out.Results[3].IsAccepted {
		t.Fatalf("unexpected acceptance flags %+v", out.Results)
	}
	if res := out.Results[1].ResidualDistribution; len(res) != 1 || res[tokAre] != 1 {
		t.Fatalf("unexpected residual %v", res)
	}
	if out.Results[0].ResidualDistribution != nil {
		t.Fatal("residual must only be set on the rejected position")
	}
	if out.Tokens[1].Position != 2 || out.Tokens[1].Probability != 0.7 {
		t.Fatalf("replacement token: %+v", out.Tokens[1])
	}
	if out.Samples != 3 || out.Iterations != 2 {
		t.Fatalf("samples=%d iterations=%d, want 3 and 2", out.Samples, out.Iterations)
	}
	if ver.Results[0].IsAccepted {
		t.Fatal("reconcile must not mutate the verification it was given")
	}
}

func TestFullAcceptanceAppendsBonus(t *testing.T) {
	t.Parallel()
	// u = 0 accepts every position with p > 0, then samples the bonus.
	out, err := reconcileHello(t, &seqRand{vals: []float64{0, 0, 0, 0, 0}}, true)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if out.Accepted != 4 || !out.Bonus || len(out.Tokens) != 5 {
		t.Fatalf("expected 4 accepted plus bonus, got accepted=%d bonus=%v tokens=%d", out.Accepted, out.Bonus, len(out.Tokens))
	}
	bonus := out.Tokens[4]
	if bonus.ID != tokEOS || bonus.Position != 5 || bonus.Probability != 1 {
		t.Fatalf("unexpected bonus token %+v", bonus)
	}
	if out.RejectedAt != -1 {
		t.Fatalf("expected no rejection, got %d", out.RejectedAt)
	}
}

func TestAlwaysAcceptMode(t *testing.T) {
	t.Parallel()
	// 0.99 would reject "world" under rejection sampling.
	rng := &seqRand{vals: []float64{0.99, 0.99, 0.99, 0.99, 0}}
	out, err := reconcileHello(t, rng, false)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if out.Accepted != 4 || !out.Bonus {
		t.Fatalf("expected every token accepted with a bonus, got %+v", out)
	}
	if out.Samples != 1 {
		t.Fatalf("expected only the bonus draw, got %d samples", out.Samples)
	}
}

func TestInvalidProbabilities(t *testing.T) {
	t.Parallel()
	tok := func(id int, q float64) model.Token { return model.Token{ID: id, Probability: q} }
	good := model.Distribution{0.5, 0.5}
	tests := []struct {
		name  string
		draft DraftSequence
		ver   Verification
	}{
		{
			name:  "target above one",
			draft: DraftSequence{Tokens: []model.Token{tok(0, 0.5)}, Distributions: []model.Distribution{good}},
			ver: Verification{
				Results:       []VerificationResult{{TargetProbability: 1.5}},
				Distributions: []model.Distribution{good, good},
			},
		},
		{
			name:  "negative draft",
			draft: DraftSequence{Tokens: []model.Token{tok(0, -0.1)}, Distributions: []model.Distribution{good}},
			ver: Verification{
				Results:       []VerificationResult{{TargetProbability: 0.5}},
				Distributions: []model.Distribution{good, good},
			},
		},
		{
			name:  "zero draft with positive target",
			draft: DraftSequence{Tokens: []model.Token{tok(0, 0)}, Distributions: []model.Distribution{{0, 1}}},
			ver: Verification{
				Results:       []VerificationResult{{TargetProbability: 0.5}},
				Distributions: []model.Distribution{good, good},
			},
		},
		{
			name:  "NaN target",
			draft: DraftSequence{Tokens: []model.Token{tok(0, 0.5)}, Distributions: []model.Distribution{good}},
			ver: Verification{
				Results:       []VerificationResult{{TargetProbability: math.NaN()}},
				Distributions: []model.Distribution{good, good},
			},
		},
		{
			name:  "target distribution mass",
			draft: DraftSequence{Tokens: []model.Token{tok(0, 0.5)}, Distributions: []model.Distribution{good}},
			ver: Verification{
				Results:       []VerificationResult{{TargetProbability: 0.5}},
				Distributions: []model.Distribution{{0.5, 0.7}, good},
			},
		},
		{
			name:  "draft probability disagrees",
			draft: DraftSequence{Tokens: []model.Token{tok(0, 0.9)}, Distributions: []model.Distribution{good}},
			ver: Verification{
				Results:       []VerificationResult{{TargetProbability: 0.5}},
				Distributions: []model.Distribution{good, good},
			},
		},
	}
	for _, tc := range tests {
		rng := &seqRand{vals: []float64{0.1, 0.1}}
		out, err := NewAcceptanceController(nil, true).Reconcile(tc.draft, tc.ver, rng)
		if !errors.Is(err, ErrInvalidProbabilityDistribution) {
			t.Errorf("%s: expected ErrInvalidProbabilityDistribution, got %v", tc.name, err)
			continue
		}
		if len(out.Tokens) != 0 || rng.i != 0 {
			t.Errorf("%s: malformed round must accept nothing and draw nothing", tc.name)
		}
	}
}

func TestReconcileRejectsIncompleteVerification(t *testing.T) {
	t.Parallel()
	good := model.Distribution{0.5, 0.5}
	draft := DraftSequence{
		Tokens:        []model.Token{{ID: 0, Probability: 0.5}, {ID: 1, Probability: 0.5}},
		Distributions: []model.Distribution{good, good},
	}
	ver := Verification{
		Results:       []VerificationResult{{TargetProbability: 0.5}},
		Distributions: []model.Distribution{good, good},
	}
	_, err := NewAcceptanceController(nil, true).Reconcile(draft, ver, &seqRand{})
	if !errors.Is(err, ErrIncompleteVerification) {
		t.Fatalf("expected ErrIncompleteVerification, got %v", err)
	}
}

func TestProbabilityErrorDetail(t *testing.T) {
	t.Parallel()
	good := model.Distribution{0.5, 0.5}
	draft := DraftSequence{Tokens: []model.Token{{ID: 1, Probability: 0.5}}, Distributions: []model.Distribution{good}}
	ver := Verification{
		Results:       []VerificationResult{{TargetProbability: 2}},
		Distributions: []model.Distribution{good, good},
	}
	_, err := NewAcceptanceController(nil, true).Reconcile(draft, ver, &seqRand{})
	var perr *ProbabilityError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ProbabilityError, got %T", err)
	}
	if perr.Position != 0 || perr.TokenID != 1 || perr.Target != 2 {
		t.Fatalf("unexpected detail %+v", perr)
	}
}
