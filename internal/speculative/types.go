// Package speculative implements speculative decoding: a cheap draft model
// proposes several tokens, the target model scores them all in one batched
// pass, and a rejection sampler keeps the longest prefix that preserves the
// target model's output distribution exactly.
package speculative

import (
	"github.com/samcharles93/speculate/internal/model"
	"github.com/samcharles93/speculate/internal/perf"
)

// RandomSource supplies the uniform variates for drafting, acceptance and
// resampling. Inject a seeded source for reproducible generations.
type RandomSource = model.RandomSource

// TokenContext is the ordered history of accepted tokens for one request.
// Only the orchestrator appends to it, and only after a round completes.
type TokenContext struct {
	tokens []model.Token
	ids    []int
}

func NewTokenContext(tokens ...model.Token) *TokenContext {
	tc := &TokenContext{}
	tc.append(tokens...)
	return tc
}

func (c *TokenContext) append(tokens ...model.Token) {
	for _, t := range tokens {
		c.tokens = append(c.tokens, t)
		c.ids = append(c.ids, t.ID)
	}
}

func (c *TokenContext) Len() int { return len(c.tokens) }

// Tokens returns a copy of the accepted tokens.
func (c *TokenContext) Tokens() []model.Token {
	return append([]model.Token(nil), c.tokens...)
}

// IDs returns a copy of the accepted token ids.
func (c *TokenContext) IDs() []int {
	return append([]int(nil), c.ids...)
}

func (c *TokenContext) Clone() *TokenContext {
	return &TokenContext{tokens: c.Tokens(), ids: c.IDs()}
}

// DraftSequence holds the candidates of one round. Distributions[i] is the
// full draft distribution Tokens[i] was sampled from; they are only valid
// for the round that produced them.
type DraftSequence struct {
	Start         int
	Tokens        []model.Token
	Distributions []model.Distribution
}

func (d DraftSequence) Len() int { return len(d.Tokens) }

func (d DraftSequence) IDs() []int {
	ids := make([]int, len(d.Tokens))
	for i, t := range d.Tokens {
		ids[i] = t.ID
	}
	return ids
}

// VerificationResult is the target model's verdict on one drafted position.
// ResidualDistribution is only set on the rejected position and maps token
// ids to their residual probability.
type VerificationResult struct {
	Position             int             `json:"position"`
	TokenID              int             `json:"token_id"`
	DraftProbability     float64         `json:"draft_probability"`
	TargetProbability    float64         `json:"target_probability"`
	IsAccepted           bool            `json:"is_accepted"`
	Confidence           float64         `json:"confidence"`
	ResidualDistribution map[int]float64 `json:"residual_distribution,omitempty"`
}

// Verification is the atomic output of one verification pass: a result
// per drafted position and len(Results)+1 target distributions, the last
// one for the bonus position.
type Verification struct {
	Results       []VerificationResult
	Distributions []model.Distribution
}

// RejectionSamplingStats accumulate across the rounds of one request.
type RejectionSamplingStats struct {
	// TotalSamples counts every random draw the acceptance controller made:
	// acceptance variates plus residual and bonus samples.
	TotalSamples int `json:"total_samples"`
	// AverageRejectionIterations is the mean number of positions examined
	// per round before the first rejection, or the full draft.
	AverageRejectionIterations float64 `json:"average_rejection_iterations"`
	// SamplingEfficiency is accepted draft tokens over drafted tokens.
	SamplingEfficiency float64 `json:"sampling_efficiency"`

	rounds     int
	iterations int
	drafted    int
	accepted   int
}

func (s *RejectionSamplingStats) add(o Outcome, drafted int) {
	s.rounds++
	s.TotalSamples += o.Samples
	s.iterations += o.Iterations
	s.drafted += drafted
	s.accepted += o.Accepted
	s.AverageRejectionIterations = float64(s.iterations) / float64(s.rounds)
	if s.drafted > 0 {
		s.SamplingEfficiency = float64(s.accepted) / float64(s.drafted)
	}
}

// RoundSample records one completed round. Bonus reports whether the
// acceptance controller produced a bonus token, even when maxTokens cut it.
type RoundSample struct {
	Index          int                  `json:"index"`
	Draft          []model.Token        `json:"draft"`
	Results        []VerificationResult `json:"results"`
	Appended       []model.Token        `json:"appended"`
	Accepted       int                  `json:"accepted"`
	AcceptanceRate float64              `json:"acceptance_rate"`
	Bonus          bool                 `json:"bonus"`
	Timing         perf.RoundTiming     `json:"timing"`
}

// StopReason says why a generation ended.
type StopReason string

const (
	StopMaxTokens StopReason = "max_tokens"
	StopEOS       StopReason = "eos"
	StopCancelled StopReason = "cancelled"
	StopError     StopReason = "error"
)

// SpeculativeSample is the cumulative result of one generation request.
// DraftTokens and VerificationResults concatenate every round; Rounds keeps
// them per round.
type SpeculativeSample struct {
	DraftTokens         []model.Token          `json:"draft_tokens"`
	VerificationResults []VerificationResult   `json:"verification_results"`
	AcceptanceRate      float64                `json:"acceptance_rate"`
	Stats               RejectionSamplingStats `json:"stats"`

	PromptLength int                    `json:"prompt_length"`
	Tokens       []model.Token          `json:"tokens"`
	Context      []model.Token          `json:"-"`
	Rounds       []RoundSample          `json:"rounds"`
	BonusTokens  int                    `json:"bonus_tokens"`
	Truncated    bool                   `json:"truncated"`
	StopReason   StopReason             `json:"stop_reason"`
	Metrics      perf.ProcessingMetrics `json:"metrics"`
}

// Text concatenates the generated tokens separated by spaces.
func (s *SpeculativeSample) Text() string {
	n := 0
	for _, t := range s.Tokens {
		n += len(t.Text) + 1
	}
	b := make([]byte, 0, n)
	for i, t := range s.Tokens {
		if i > 0 {
			b = append(b, ' ')
		}
		b = append(b, t.Text...)
	}
	return string(b)
}

// RoundEvent is pushed to Options.OnRound after every round and on state
// changes.
type RoundEvent struct {
	State   State                  `json:"state"`
	Round   *RoundSample           `json:"round,omitempty"`
	Metrics perf.ProcessingMetrics `json:"metrics"`
	Err     string                 `json:"error,omitempty"`
}
