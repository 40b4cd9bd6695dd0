package toy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/samcharles93/speculate/internal/model"
)

const specYAML = `
models:
  - id: small
    vocab: ["<eos>", "a", "b", "c"]
    eos: "<eos>"
    hidden: 4
    seed: 3
    latency: 5ms
    token_latency: 250us
  - id: big
    seed: 3
    temperature: 0.5
    top_p: 0.9
    min_p: 0.05
`

func TestParseSpecs(t *testing.T) {
	t.Parallel()
	specs, err := ParseSpecs([]byte(specYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(specs))
	}
	small := specs[0]
	if small.ID != "small" || len(small.Vocab) != 4 || small.Hidden != 4 {
		t.Fatalf("unexpected spec: %+v", small)
	}
	if small.Latency != 5*time.Millisecond || small.TokenLatency != 250*time.Microsecond {
		t.Fatalf("unexpected latencies: %v %v", small.Latency, small.TokenLatency)
	}
	if small.Temperature != 1 {
		t.Fatalf("expected default temperature 1, got %v", small.Temperature)
	}
	big := specs[1]
	if len(big.Vocab) != len(DefaultVocab) || big.Hidden != 16 || big.Temperature != 0.5 {
		t.Fatalf("expected defaults applied: %+v", big)
	}
	if big.TopP != 0.9 || big.MinP != 0.05 || small.TopP != 0 {
		t.Fatalf("unexpected truncation settings: top_p=%v min_p=%v", big.TopP, big.MinP)
	}
}

func TestParseSpecsErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"empty", "models: []", "no models"},
		{"missing id", "models:\n  - seed: 1", "id is required"},
		{"dup vocab", "models:\n  - id: x\n    vocab: [a, a]", "duplicate"},
		{"bad eos", "models:\n  - id: x\n    vocab: [a]\n    eos: z", "not in vocab"},
		{"bad yaml", "models: [", "parse model specs"},
	}
	for _, tc := range tests {
		_, err := ParseSpecs([]byte(tc.yaml))
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: expected error containing %q, got %v", tc.name, tc.want, err)
		}
	}
}

func TestLoadSpecsFromFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "models.yaml")
	if err := os.WriteFile(path, []byte(specYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	specs, err := LoadSpecs(path)
	if err != nil || len(specs) != 2 {
		t.Fatalf("load specs: %v (%d)", err, len(specs))
	}
	if _, err := LoadSpecs(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestRegisterSharesWeights(t *testing.T) {
	t.Parallel()
	reg := model.NewRegistry()
	if err := Register(reg, DefaultTarget(), DefaultDraft()); err != nil {
		t.Fatalf("register: %v", err)
	}
	a, err := reg.Open(context.Background(), "toy-target")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	b, err := reg.Open(context.Background(), "toy-target")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	la, lb := a.(*LM), b.(*LM)
	if la == lb {
		t.Fatal("expected separate instances")
	}
	if la.weights != lb.weights {
		t.Fatal("expected instances to share read-only weights")
	}
	if err := Register(reg, DefaultTarget()); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}
