package speculative

import (
	"context"
	"fmt"
	"time"

	"github.com/samcharles93/speculate/internal/model"
)

// BaselineResult is the output of plain autoregressive decoding.
type BaselineResult struct {
	Tokens  []model.Token `json:"tokens"`
	Calls   int           `json:"calls"`
	Elapsed time.Duration `json:"elapsed"`
}

// DecodeTarget samples up to maxTokens tokens from target one at a time,
// stopping after its end-of-sequence token. It is the reference the
// speculative output distribution must match, and the benchmark baseline.
func DecodeTarget(ctx context.Context, target model.TokenModel, prompt []int, maxTokens int, rng RandomSource) (*BaselineResult, error) {
	if !target.Loaded() {
		return nil, fmt.Errorf("verification model %s: %w", target.ID(), ErrModelNotLoaded)
	}
	if err := safeReset(target); err != nil {
		return nil, err
	}
	sampler := model.NewSampler(rng)
	history := append([]int(nil), prompt...)
	res := &BaselineResult{Tokens: make([]model.Token, 0, maxTokens)}
	eos := target.EOS()
	start := time.Now()
	defer func() { res.Elapsed = time.Since(start) }()

	for range maxTokens {
		dist, err := safeScoreNext(ctx, target, history)
		if err != nil {
			return res, fmt.Errorf("decode position %d: %w", len(history), err)
		}
		res.Calls++
		tok := sampler.Next(target, dist, len(history))
		res.Tokens = append(res.Tokens, tok)
		history = append(history, tok.ID)
		if tok.ID == eos {
			break
		}
	}
	return res, nil
}
