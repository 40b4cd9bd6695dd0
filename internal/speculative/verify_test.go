package speculative

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/samcharles93/speculate/internal/model"
)

func helloDraft(t *testing.T) (DraftSequence, *scriptedModel) {
	t.Helper()
	draftModel, targetModel := helloModels()
	draft, err := NewDraftGenerator(draftModel, &seqRand{}, 0).Draft(context.Background(), helloContext(), 4)
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	return draft, targetModel
}

func TestVerifyConditionsOnDraftPrefix(t *testing.T) {
	t.Parallel()
	draft, target := helloDraft(t)
	ver, err := NewVerificationEngine(target, true).Verify(context.Background(), helloContext(), draft)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(ver.Results) != draft.Len() || len(ver.Distributions) != draft.Len()+1 {
		t.Fatalf("got %d results and %d distributions for a draft of %d", len(ver.Results), len(ver.Distributions), draft.Len())
	}
	for i, r := range ver.Results {
		if r.Position != draft.Tokens[i].Position || r.TokenID != draft.Tokens[i].ID {
			t.Fatalf("result %d out of order: %+v", i, r)
		}
	}
	if ver.Results[1].Confidence != 0.7 {
		t.Fatalf("confidence: got %v, want 0.7", ver.Results[1].Confidence)
	}
	if target.batchCalls != 1 || target.nextCalls != 0 {
		t.Fatalf("expected one batched dispatch, got batch=%d next=%d", target.batchCalls, target.nextCalls)
	}
}

func TestVerifySequentialMatchesParallel(t *testing.T) {
	t.Parallel()
	draft, target := helloDraft(t)
	par, err := NewVerificationEngine(target, true).Verify(context.Background(), helloContext(), draft)
	if err != nil {
		t.Fatalf("parallel: %v", err)
	}
	seq, err := NewVerificationEngine(target, false).Verify(context.Background(), helloContext(), draft)
	if err != nil {
		t.Fatalf("sequential: %v", err)
	}
	if target.nextCalls != draft.Len()+1 {
		t.Fatalf("expected %d sequential calls, got %d", draft.Len()+1, target.nextCalls)
	}
	for i := range par.Results {
		if !reflect.DeepEqual(par.Results[i], seq.Results[i]) {
			t.Fatalf("result %d differs: %+v vs %+v", i, par.Results[i], seq.Results[i])
		}
	}
	for i := range par.Distributions {
		for j := range par.Distributions[i] {
			if par.Distributions[i][j] != seq.Distributions[i][j] {
				t.Fatalf("distribution %d token %d differs", i, j)
			}
		}
	}
}

func TestVerifyIsAtomic(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		parallel bool
		setup    func(m *scriptedModel)
		want     error
	}{
		{"short batch", true, func(m *scriptedModel) { m.shortBatch = true }, ErrIncompleteVerification},
		{"batch failure", true, func(m *scriptedModel) { m.failFrom = 3 }, errScripted},
		{"failure mid sequence", false, func(m *scriptedModel) { m.failFrom = 3 }, errScripted},
		{"not loaded", true, func(m *scriptedModel) { m.Unload() }, ErrModelNotLoaded},
	}
	for _, tc := range tests {
		draft, target := helloDraft(t)
		tc.setup(target)
		ver, err := NewVerificationEngine(target, tc.parallel).Verify(context.Background(), helloContext(), draft)
		if !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.want)
		}
		if ver.Results != nil || ver.Distributions != nil {
			t.Errorf("%s: partial verification returned", tc.name)
		}
	}
}

func TestVerifyRecoversPanics(t *testing.T) {
	t.Parallel()
	draft, _ := helloDraft(t)
	_, err := NewVerificationEngine(panicModel{newScripted("boom", nil)}, true).Verify(context.Background(), helloContext(), draft)
	if err == nil {
		t.Fatal("expected panic to surface as an error")
	}
}

type panicModel struct{ *scriptedModel }

func (panicModel) ScoreBatch(context.Context, []int, []int) ([]model.Distribution, error) {
	panic("kernel fault")
}
