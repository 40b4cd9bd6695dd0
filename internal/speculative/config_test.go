package speculative

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/samcharles93/speculate/internal/model"
)

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{"default", func(*Config) {}, true},
		{"threshold zero", func(c *Config) { c.AcceptanceThreshold = 0 }, true},
		{"threshold one", func(c *Config) { c.AcceptanceThreshold = 1 }, true},
		{"threshold negative", func(c *Config) { c.AcceptanceThreshold = -0.1 }, false},
		{"threshold above one", func(c *Config) { c.AcceptanceThreshold = 1.5 }, false},
		{"threshold NaN", func(c *Config) { c.AcceptanceThreshold = math.NaN() }, false},
		{"draft tokens zero", func(c *Config) { c.MaxDraftTokens = 0 }, false},
		{"draft tokens limit", func(c *Config) { c.MaxDraftTokens = 64 }, true},
		{"draft tokens above limit", func(c *Config) { c.MaxDraftTokens = 65 }, false},
		{"negative response time", func(c *Config) { c.MaxResponseTime = -time.Second }, false},
	}
	for _, tc := range tests {
		cfg := DefaultConfig()
		tc.mutate(&cfg)
		err := cfg.Validate()
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: expected ErrInvalidConfig, got %v", tc.name, err)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	if cfg.AcceptanceThreshold != 0.7 || cfg.MaxDraftTokens != 4 || !cfg.UseParallelVerification || !cfg.UseRejectionSampling {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestTokenContextCopies(t *testing.T) {
	t.Parallel()
	tc := NewTokenContext(model.Token{ID: 1}, model.Token{ID: 2})
	idCopy := tc.IDs()
	idCopy[0] = 9
	toks := tc.Tokens()
	toks[1].ID = 9
	if got := tc.IDs(); got[0] != 1 || got[1] != 2 {
		t.Fatalf("context mutated through a copy: %v", got)
	}
	clone := tc.Clone()
	clone.append(model.Token{ID: 3})
	if tc.Len() != 2 || clone.Len() != 3 {
		t.Fatalf("clone shares storage: %d and %d", tc.Len(), clone.Len())
	}
}

func TestStateNames(t *testing.T) {
	t.Parallel()
	want := map[State]string{
		StateIdle:        "idle",
		StateDrafting:    "drafting",
		StateVerifying:   "verifying",
		StateReconciling: "reconciling",
		StateDone:        "done",
		StateFailed:      "failed",
		State(42):        "state(42)",
	}
	for s, name := range want {
		if s.String() != name {
			t.Errorf("got %q, want %q", s.String(), name)
		}
	}
}

func TestStateTextRoundTrip(t *testing.T) {
	t.Parallel()
	for s := StateIdle; s <= StateFailed; s++ {
		b, err := s.MarshalText()
		if err != nil {
			t.Fatalf("marshal %v: %v", s, err)
		}
		var got State
		if err := got.UnmarshalText(b); err != nil || got != s {
			t.Fatalf("got %v (%v), want %v", got, err, s)
		}
	}
	var s State
	if err := s.UnmarshalText([]byte("sleeping")); err == nil {
		t.Fatal("expected an error for an unknown state")
	}
}
