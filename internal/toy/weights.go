package toy

import "math/rand"

// mat is a dense row-major float32 matrix.
type mat struct {
	R, C int
	Data []float32
}

func newMat(r, c int) mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return mat{R: r, C: c, Data: make([]float32, r*c)}
}

func (m *mat) Row(i int) []float32 {
	return m.Data[i*m.C : (i+1)*m.C]
}

// fillRand fills m with reproducible values in (-scale, scale).
func fillRand(m *mat, seed int64, scale float32) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32()*2 - 1) * scale
	}
}

// perturb adds reproducible noise in (-amount, amount) to every element.
func perturb(m *mat, seed int64, amount float32) {
	if amount <= 0 {
		return
	}
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] += (rng.Float32()*2 - 1) * amount
	}
}

// Weights are the read-only parameters of a toy model. They are shared by
// every LM instance built from the same Spec.
//
// The next-token logits for a history ending in (prev, last) are
//
//	(Emb[last] + Mix*Emb[prev]) * W + Bias
type Weights struct {
	Vocab  int
	Hidden int
	Mix    float32

	Emb  mat // [Vocab x Hidden]
	W    mat // [Hidden x Vocab]
	Bias []float32
}

// NewWeights deterministically initialises weights for spec. Specs sharing
// Seed and dimensions produce the same base weights; Noise then perturbs
// them, which is how draft models approximate their target.
func NewWeights(spec Spec) *Weights {
	vocab := len(spec.Vocab)
	w := &Weights{
		Vocab:  vocab,
		Hidden: spec.Hidden,
		Mix:    spec.Mix,
		Emb:    newMat(vocab, spec.Hidden),
		W:      newMat(spec.Hidden, vocab),
		Bias:   make([]float32, vocab),
	}
	fillRand(&w.Emb, spec.Seed+11, spec.Scale)
	fillRand(&w.W, spec.Seed+23, spec.Scale)
	perturb(&w.Emb, spec.NoiseSeed+11, spec.Noise)
	perturb(&w.W, spec.NoiseSeed+23, spec.Noise)
	if eos, ok := indexOf(spec.Vocab, spec.EOS); ok {
		w.Bias[eos] = spec.EOSBias
	}
	return w
}

// forward writes the logits following (prev, last) into dst. prev < 0
// means the history holds a single token.
func (w *Weights) forward(dst []float32, h []float32, prev, last int) {
	copy(h, w.Emb.Row(last))
	if prev >= 0 && w.Mix != 0 {
		row := w.Emb.Row(prev)
		for i := range h {
			h[i] += w.Mix * row[i]
		}
	}
	copy(dst, w.Bias)
	for i := 0; i < w.Hidden; i++ {
		hi := h[i]
		row := w.W.Row(i)
		for j := range dst {
			dst[j] += hi * row[j]
		}
	}
}

func indexOf(vocab []string, s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	for i, v := range vocab {
		if v == s {
			return i, true
		}
	}
	return 0, false
}
