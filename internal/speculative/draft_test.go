package speculative

import (
	"context"
	"errors"
	"testing"

	"github.com/samcharles93/speculate/internal/model"
)

func TestDraftRejectsInvalidLength(t *testing.T) {
	t.Parallel()
	m, _ := helloModels()
	for _, k := range []int{0, -3} {
		_, err := NewDraftGenerator(m, &seqRand{}, 0).Draft(context.Background(), helloContext(), k)
		if !errors.Is(err, ErrInvalidDraftLength) {
			t.Fatalf("k=%d: expected ErrInvalidDraftLength, got %v", k, err)
		}
	}
}

func TestDraftRequiresLoadedModel(t *testing.T) {
	t.Parallel()
	m, _ := helloModels()
	m.Unload()
	_, err := NewDraftGenerator(m, &seqRand{}, 0).Draft(context.Background(), helloContext(), 2)
	if !errors.Is(err, ErrModelNotLoaded) {
		t.Fatalf("expected ErrModelNotLoaded, got %v", err)
	}
}

func TestDraftLengthAndPositions(t *testing.T) {
	t.Parallel()
	m, _ := helloModels()
	for k := 1; k <= 6; k++ {
		d, err := NewDraftGenerator(m, &seqRand{}, 0).Draft(context.Background(), helloContext(), k)
		if err != nil {
			t.Fatalf("k=%d: %v", k, err)
		}
		if d.Len() != k || len(d.Distributions) != k {
			t.Fatalf("k=%d: got %d tokens and %d distributions", k, d.Len(), len(d.Distributions))
		}
		for i, tok := range d.Tokens {
			if tok.Position != 1+i {
				t.Fatalf("k=%d: token %d at position %d", k, i, tok.Position)
			}
			if tok.Probability != d.Distributions[i].Prob(tok.ID) {
				t.Fatalf("k=%d: token %d probability does not come from its distribution", k, i)
			}
		}
	}
}

func TestDraftStopsAtEOS(t *testing.T) {
	t.Parallel()
	n := len(helloVocab)
	m := newScripted("draft", map[int]model.Distribution{
		1: dist(n, map[int]float64{tokComma: 1}),
		2: dist(n, map[int]float64{tokEOS: 1}),
	})
	m.eos = tokEOS
	d, err := NewDraftGenerator(m, &seqRand{}, 0).Draft(context.Background(), helloContext(), 4)
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if got := ids(d.Tokens); len(got) != 2 || got[1] != tokEOS {
		t.Fatalf("expected draft to end with eos, got %v", got)
	}
}

func TestThresholdOnlyShortensDraft(t *testing.T) {
	t.Parallel()
	m, _ := helloModels()
	// Draft probabilities are 0.9 0.6 0.5 0.4: with 0.7 the draft stops
	// after the first token below it.
	d, err := NewDraftGenerator(m, &seqRand{}, 0.7).Draft(context.Background(), helloContext(), 4)
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if got := ids(d.Tokens); len(got) != 2 || got[0] != tokComma || got[1] != tokWorld {
		t.Fatalf("expected draft of comma and world, got %v", got)
	}
	if d.Tokens[1].Probability != 0.6 {
		t.Fatalf("threshold must not alter probabilities, got %v", d.Tokens[1].Probability)
	}
}

func TestDraftResetsEveryRound(t *testing.T) {
	t.Parallel()
	m, _ := helloModels()
	g := NewDraftGenerator(m, model.NewRandom(5), 0)
	a, err := g.Draft(context.Background(), helloContext(), 3)
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	g = NewDraftGenerator(m, model.NewRandom(5), 0)
	b, err := g.Draft(context.Background(), helloContext(), 3)
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if m.resets != 2 {
		t.Fatalf("expected a reset per draft, got %d", m.resets)
	}
	for i := range a.Tokens {
		if a.Tokens[i] != b.Tokens[i] {
			t.Fatalf("drafts diverge at %d: %+v vs %+v", i, a.Tokens[i], b.Tokens[i])
		}
	}
}
