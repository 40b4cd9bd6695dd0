package toy

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/speculate/internal/model"
)

// Spec describes a toy model. Latencies simulate inference cost: every
// dispatch pays Latency and every evaluated position pays TokenLatency, so a
// batched pass over k positions is cheaper than k single-token passes.
type Spec struct {
	ID           string        `yaml:"id"`
	Vocab        []string      `yaml:"vocab"`
	EOS          string        `yaml:"eos"`
	EOSBias      float32       `yaml:"eos_bias"`
	Hidden       int           `yaml:"hidden"`
	Seed         int64         `yaml:"seed"`
	Scale        float32       `yaml:"scale"`
	Mix          float32       `yaml:"mix"`
	Noise        float32       `yaml:"noise"`
	NoiseSeed    int64         `yaml:"noise_seed"`
	Temperature  float32       `yaml:"temperature"`
	TopK         int           `yaml:"top_k"`
	TopP         float32       `yaml:"top_p"`
	MinP         float32       `yaml:"min_p"`
	Latency      time.Duration `yaml:"latency"`
	TokenLatency time.Duration `yaml:"token_latency"`
}

// DefaultVocab is the word vocabulary used when a spec does not list one.
var DefaultVocab = []string{
	"<eos>", "Hello", ",", "world", "!", "How", "are", "you", "today", "?",
	"I", "am", "fine", "thanks", "the", "a", "market", "is", "up", "down",
	"budget", "savings", "spend", "less", "more", "money", "this", "month", ".",
	"and", "we", "can",
}

// DefaultTarget is the slow reference model.
func DefaultTarget() Spec {
	return Spec{
		ID:           "toy-target",
		Vocab:        DefaultVocab,
		EOS:          "<eos>",
		EOSBias:      -1,
		Hidden:       16,
		Seed:         7,
		Scale:        1.4,
		Mix:          0.5,
		Temperature:  0.7,
		Latency:      20 * time.Millisecond,
		TokenLatency: time.Millisecond,
	}
}

// DefaultDraft approximates DefaultTarget: same base weights, perturbed, and
// an order of magnitude cheaper per dispatch.
func DefaultDraft() Spec {
	s := DefaultTarget()
	s.ID = "toy-draft"
	s.Noise = 0.25
	s.NoiseSeed = 99
	s.Latency = 2 * time.Millisecond
	s.TokenLatency = 0
	return s
}

func (s *Spec) applyDefaults() {
	if len(s.Vocab) == 0 {
		s.Vocab = DefaultVocab
	}
	if s.Hidden <= 0 {
		s.Hidden = 16
	}
	if s.Scale == 0 {
		s.Scale = 1.4
	}
	// Zero means unset; a negative temperature selects greedy decoding.
	if s.Temperature == 0 {
		s.Temperature = 1
	}
}

// Validate checks s after defaults are applied.
func (s Spec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("toy model: id is required")
	}
	seen := make(map[string]struct{}, len(s.Vocab))
	for _, v := range s.Vocab {
		if _, ok := seen[v]; ok {
			return fmt.Errorf("toy model %q: duplicate vocab entry %q", s.ID, v)
		}
		seen[v] = struct{}{}
	}
	if s.EOS != "" {
		if _, ok := seen[s.EOS]; !ok {
			return fmt.Errorf("toy model %q: eos %q not in vocab", s.ID, s.EOS)
		}
	}
	if s.Latency < 0 || s.TokenLatency < 0 {
		return fmt.Errorf("toy model %q: negative latency", s.ID)
	}
	return nil
}

type specFile struct {
	Models []Spec `yaml:"models"`
}

// LoadSpecs reads model specs from a YAML file of the form
//
//	models:
//	  - id: toy-target
//	    seed: 7
//	    latency: 20ms
func LoadSpecs(path string) ([]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model specs: %w", err)
	}
	return ParseSpecs(data)
}

func ParseSpecs(data []byte) ([]Spec, error) {
	var f specFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse model specs: %w", err)
	}
	if len(f.Models) == 0 {
		return nil, fmt.Errorf("parse model specs: no models defined")
	}
	for i := range f.Models {
		f.Models[i].applyDefaults()
		if err := f.Models[i].Validate(); err != nil {
			return nil, err
		}
	}
	return f.Models, nil
}

// Register adds a factory per spec to reg. Weights are built once per spec
// and shared read-only by every instance the registry opens.
func Register(reg *model.Registry, specs ...Spec) error {
	for _, spec := range specs {
		spec.applyDefaults()
		if err := spec.Validate(); err != nil {
			return err
		}
		weights := NewWeights(spec)
		if err := reg.Register(spec.ID, func() (model.TokenModel, error) {
			return New(spec, weights), nil
		}); err != nil {
			return err
		}
	}
	return nil
}
