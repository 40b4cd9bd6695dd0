package model

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ErrNotLoaded is returned by TokenModel methods called before Load or after
// Unload.
var ErrNotLoaded = errors.New("model not loaded")

// NoEOS is returned by TokenModel.EOS for models without an end-of-sequence
// token.
const NoEOS = -1

// Distribution is a next-token probability distribution indexed by token id.
type Distribution []float64

// Prob returns the probability of id, or 0 when id is out of range.
func (d Distribution) Prob(id int) float64 {
	if id < 0 || id >= len(d) {
		return 0
	}
	return d[id]
}

// Argmax returns the most probable token id and its probability.
func (d Distribution) Argmax() (int, float64) {
	best, bestP := 0, math.Inf(-1)
	for i, p := range d {
		if p > bestP {
			best, bestP = i, p
		}
	}
	if len(d) == 0 {
		return 0, 0
	}
	return best, bestP
}

// Clone returns a heap copy of d.
func (d Distribution) Clone() Distribution {
	return append(Distribution(nil), d...)
}

// Check reports the first entry that is not a finite probability, or a total
// mass that is not 1 within tol.
func (d Distribution) Check(tol float64) error {
	if len(d) == 0 {
		return fmt.Errorf("empty distribution")
	}
	var sum float64
	for i, p := range d {
		if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 || p > 1 {
			return fmt.Errorf("token %d has probability %v", i, p)
		}
		sum += p
	}
	if math.Abs(sum-1) > tol {
		return fmt.Errorf("distribution mass %.6f", sum)
	}
	return nil
}

// Token is one generated or drafted token. Probability is the probability
// assigned by the model that produced it.
type Token struct {
	ID          int     `json:"id"`
	Text        string  `json:"text"`
	Probability float64 `json:"probability"`
	Position    int     `json:"position"`
}

// TokenModel is the narrow interface the decoding engine needs from a
// language model. Implementations may keep per-instance state such as a KV
// cache keyed on the history they were last asked about; Reset drops it.
//
// Distributions returned by ScoreNext and ScoreBatch may be reused by the
// model on its next call. Callers copy whatever they retain.
type TokenModel interface {
	ID() string
	Load(ctx context.Context) error
	Unload()
	Loaded() bool

	VocabSize() int
	EOS() int
	TokenText(id int) string

	// Reset clears per-instance state (KV cache, position).
	Reset()

	// ScoreNext returns the distribution of the token following history.
	ScoreNext(ctx context.Context, history []int) (Distribution, error)

	// ScoreBatch evaluates history followed by candidates in one dispatch and
	// returns len(candidates)+1 distributions: entry i conditions on
	// history+candidates[:i].
	ScoreBatch(ctx context.Context, history []int, candidates []int) ([]Distribution, error)
}

// Encoder is implemented by models that can map prompt text onto token ids.
type Encoder interface {
	Encode(text string) ([]int, error)
}
