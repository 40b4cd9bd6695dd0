package model

import "math/rand"

// RandomSource supplies uniform variates in [0,1). *rand.Rand satisfies it.
type RandomSource interface {
	Float64() float64
}

// NewRandom returns a seeded source. A negative seed picks a random one.
func NewRandom(seed int64) *rand.Rand {
	if seed < 0 {
		seed = rand.Int63()
	}
	return rand.New(rand.NewSource(seed))
}

// Categorical maps a uniform variate u onto an index of dist by inverse CDF.
// Entries with zero mass are never selected unless rounding leaves u beyond
// the accumulated total, in which case the last positive entry is returned.
func Categorical(dist Distribution, u float64) int {
	var c float64
	last := -1
	for i, p := range dist {
		if p <= 0 {
			continue
		}
		last = i
		c += p
		if u < c {
			return i
		}
	}
	if last < 0 {
		return 0
	}
	return last
}

// Sampler is the adapter glue that turns a model distribution into a Token.
type Sampler struct {
	rng RandomSource
}

// NewSampler returns a Sampler drawing from rng.
func NewSampler(rng RandomSource) *Sampler {
	return &Sampler{rng: rng}
}

// Next draws one token from dist. The returned token carries the
// probability dist assigns to it.
func (s *Sampler) Next(m TokenModel, dist Distribution, position int) Token {
	id := Categorical(dist, s.rng.Float64())
	return Token{
		ID:          id,
		Text:        m.TokenText(id),
		Probability: dist.Prob(id),
		Position:    position,
	}
}
