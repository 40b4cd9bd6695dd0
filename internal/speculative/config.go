package speculative

import (
	"fmt"
	"math"
	"time"
)

const MaxDraftTokensLimit = 64

type Config struct {
	DraftModelID        string `yaml:"draft_model" json:"draft_model_id"`
	VerificationModelID string `yaml:"verification_model" json:"verification_model_id"`

	// AcceptanceThreshold stops drafting after a token whose draft
	// probability falls below it. It never changes the acceptance rule.
	// Zero disables the gate.
	AcceptanceThreshold float64 `yaml:"acceptance_threshold" json:"acceptance_threshold"`
	MaxDraftTokens      int     `yaml:"max_draft_tokens" json:"max_draft_tokens"`

	UseParallelVerification bool `yaml:"parallel_verification" json:"use_parallel_verification"`
	// UseRejectionSampling=false accepts every drafted token. The output
	// then follows the draft model, not the target.
	UseRejectionSampling bool `yaml:"rejection_sampling" json:"use_rejection_sampling"`

	// MaxResponseTime bounds a single round; zero means no deadline.
	MaxResponseTime time.Duration `yaml:"max_response_time" json:"max_response_time"`
	// Seed seeds the default random source; negative picks a random seed.
	Seed int64 `yaml:"seed" json:"seed"`
}

func DefaultConfig() Config {
	return Config{
		DraftModelID:            "toy-draft",
		VerificationModelID:     "toy-target",
		AcceptanceThreshold:     0.7,
		MaxDraftTokens:          4,
		UseParallelVerification: true,
		UseRejectionSampling:    true,
		Seed:                    -1,
	}
}

func (c Config) Validate() error {
	if math.IsNaN(c.AcceptanceThreshold) || c.AcceptanceThreshold < 0 || c.AcceptanceThreshold > 1 {
		return fmt.Errorf("%w: acceptance threshold %v outside [0,1]", ErrInvalidConfig, c.AcceptanceThreshold)
	}
	if c.MaxDraftTokens < 1 || c.MaxDraftTokens > MaxDraftTokensLimit {
		return fmt.Errorf("%w: max draft tokens %d outside [1,%d]", ErrInvalidConfig, c.MaxDraftTokens, MaxDraftTokensLimit)
	}
	if c.MaxResponseTime < 0 {
		return fmt.Errorf("%w: negative max response time %s", ErrInvalidConfig, c.MaxResponseTime)
	}
	return nil
}
