package speculative

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samcharles93/speculate/internal/compute"
	"github.com/samcharles93/speculate/internal/model"
)

var (
	// ErrModelNotLoaded is returned when a draft or verification model is
	// used before Load.
	ErrModelNotLoaded = model.ErrNotLoaded

	// ErrInvalidProbabilityDistribution is fatal for the round: a model
	// produced probabilities the rejection sampler cannot reconcile.
	ErrInvalidProbabilityDistribution = errors.New("invalid probability distribution")

	// ErrRoundTimeout is returned when a round exceeds MaxResponseTime. The
	// caller may retry with a fresh round.
	ErrRoundTimeout = errors.New("round timeout")

	// ErrBufferAllocation is propagated unchanged from the compute pool.
	ErrBufferAllocation = compute.ErrBufferAllocation

	// ErrIncompleteVerification is returned when a verification pass does
	// not produce a distribution for every drafted position.
	ErrIncompleteVerification = errors.New("incomplete verification")

	ErrInvalidDraftLength = errors.New("invalid draft length")
	ErrInvalidConfig      = errors.New("invalid config")
	ErrBusy               = errors.New("orchestrator busy")
)

// ProbabilityError describes a probability the acceptance rule cannot use.
type ProbabilityError struct {
	Position int
	TokenID  int
	Target   float64
	Draft    float64
	Reason   string
}

func (e *ProbabilityError) Error() string {
	return fmt.Sprintf("%v at position %d (token %d, p=%v, q=%v): %s",
		ErrInvalidProbabilityDistribution, e.Position, e.TokenID, e.Target, e.Draft, e.Reason)
}

func (e *ProbabilityError) Unwrap() error {
	return ErrInvalidProbabilityDistribution
}

// RoundTimeoutError reports the phase a round was in when its deadline
// passed.
type RoundTimeoutError struct {
	Round int
	Phase State
	Limit time.Duration
}

func (e *RoundTimeoutError) Error() string {
	return fmt.Sprintf("round %d exceeded %s while %s", e.Round, e.Limit, e.Phase)
}

func (e *RoundTimeoutError) Unwrap() error {
	return ErrRoundTimeout
}

// PhaseError wraps the failure of one round phase.
type PhaseError struct {
	Round int
	Phase State
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("round %d %s: %v", e.Round, e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

func safeReset(m model.TokenModel) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in %s Reset: %v", m.ID(), rec)
		}
	}()
	m.Reset()
	return nil
}

func safeScoreNext(ctx context.Context, m model.TokenModel, history []int) (d model.Distribution, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in %s ScoreNext: %v", m.ID(), rec)
		}
	}()
	return m.ScoreNext(ctx, history)
}

func safeScoreBatch(ctx context.Context, m model.TokenModel, history, candidates []int) (d []model.Distribution, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in %s ScoreBatch: %v", m.ID(), rec)
		}
	}()
	return m.ScoreBatch(ctx, history, candidates)
}
