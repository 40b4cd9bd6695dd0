package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samcharles93/speculate/internal/perf"
	"github.com/samcharles93/speculate/internal/speculative"
)

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrNotFound       = errors.New("generation not found")
	ErrClosed         = errors.New("service closed")
)

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(format string, args ...any) error {
	return invalidRequestError{msg: fmt.Sprintf(format, args...)}
}

const (
	DefaultMaxTokens = 32
	MaxTokensLimit   = 4096
)

// Request asks for one generation. Prompt is encoded with the verification
// model when PromptIDs is empty. Nil overrides keep the service defaults.
type Request struct {
	Prompt    string `json:"prompt,omitempty"`
	PromptIDs []int  `json:"prompt_ids,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`

	DraftModel              string   `json:"draft_model,omitempty"`
	VerificationModel       string   `json:"verification_model,omitempty"`
	MaxDraftTokens          *int     `json:"max_draft_tokens,omitempty"`
	AcceptanceThreshold     *float64 `json:"acceptance_threshold,omitempty"`
	UseParallelVerification *bool    `json:"use_parallel_verification,omitempty"`
	UseRejectionSampling    *bool    `json:"use_rejection_sampling,omitempty"`
	MaxResponseTimeMS       *int64   `json:"max_response_time_ms,omitempty"`
	Seed                    *int64   `json:"seed,omitempty"`
}

// resolve applies the request overrides to base and validates the result.
func (r Request) resolve(base speculative.Config) (speculative.Config, int, error) {
	cfg := base
	if v := strings.TrimSpace(r.DraftModel); v != "" {
		cfg.DraftModelID = v
	}
	if v := strings.TrimSpace(r.VerificationModel); v != "" {
		cfg.VerificationModelID = v
	}
	if r.MaxDraftTokens != nil {
		cfg.MaxDraftTokens = *r.MaxDraftTokens
	}
	if r.AcceptanceThreshold != nil {
		cfg.AcceptanceThreshold = *r.AcceptanceThreshold
	}
	if r.UseParallelVerification != nil {
		cfg.UseParallelVerification = *r.UseParallelVerification
	}
	if r.UseRejectionSampling != nil {
		cfg.UseRejectionSampling = *r.UseRejectionSampling
	}
	if r.MaxResponseTimeMS != nil {
		cfg.MaxResponseTime = time.Duration(*r.MaxResponseTimeMS) * time.Millisecond
	}
	if r.Seed != nil {
		cfg.Seed = *r.Seed
	}
	if err := cfg.Validate(); err != nil {
		return cfg, 0, invalidRequestError{msg: err.Error()}
	}

	maxTokens := r.MaxTokens
	switch {
	case maxTokens == 0:
		maxTokens = DefaultMaxTokens
	case maxTokens < 0 || maxTokens > MaxTokensLimit:
		return cfg, 0, newInvalidRequest("max_tokens must be between 1 and %d", MaxTokensLimit)
	}
	if strings.TrimSpace(r.Prompt) == "" && len(r.PromptIDs) == 0 {
		return cfg, 0, newInvalidRequest("prompt is required")
	}
	return cfg, maxTokens, nil
}

type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Generation is the reported state of one request.
type Generation struct {
	ID          string                         `json:"id"`
	Status      Status                         `json:"status"`
	CreatedAt   time.Time                      `json:"created_at"`
	CompletedAt *time.Time                     `json:"completed_at,omitempty"`
	Config      speculative.Config             `json:"config"`
	MaxTokens   int                            `json:"max_tokens"`
	Text        string                         `json:"text,omitempty"`
	Sample      *speculative.SpeculativeSample `json:"sample,omitempty"`
	Metrics     perf.ProcessingMetrics         `json:"metrics"`
	Error       string                         `json:"error,omitempty"`
}
