package logits

import "math"

// WarpConfig configures how raw logits become a sampling distribution.
type WarpConfig struct {
	Temperature float32
	TopK        int
	TopP        float32
	MinP        float32
}

// Warper turns logits into a full-vocabulary probability distribution with
// temperature, top-k, min-p and top-p applied. Filtered tokens get zero mass
// and the remainder is renormalised, so the result can be used both to draw
// a token and to score one that was drawn elsewhere.
type Warper struct {
	cfg    WarpConfig
	greedy bool
	topIdx []int
	topVal []float32
	prob   []float64
}

// NewWarper returns a warper for cfg. Temperature <= 0 selects greedy
// (one-hot argmax); TopK <= 0 keeps the whole vocabulary.
func NewWarper(cfg WarpConfig) *Warper {
	greedy := cfg.Temperature <= 0
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopK < 0 {
		cfg.TopK = 0
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.MinP < 0 {
		cfg.MinP = 0
	}
	return &Warper{
		cfg:    cfg,
		greedy: greedy,
	}
}

// Distribution writes the warped distribution of logits into dst, growing it
// when needed, and returns it. The steps are:
//
//  1. Greedy configs put all mass on the argmax.
//  2. Logits are scaled by the inverse temperature and the top k kept.
//  3. A softmax is taken over the shortlist.
//  4. Min-P drops entries below MinP times the best probability.
//  5. Top-P keeps the smallest prefix reaching TopP cumulative mass.
//  6. The survivors are renormalised and scattered back by token id.
func (w *Warper) Distribution(dst []float64, logits []float32) []float64 {
	if cap(dst) < len(logits) {
		dst = make([]float64, len(logits))
	}
	dst = dst[:len(logits)]
	clear(dst)
	if len(logits) == 0 {
		return dst
	}

	if w.greedy {
		dst[argmax(logits)] = 1
		return dst
	}

	k := len(logits)
	if w.cfg.TopK > 0 && w.cfg.TopK < k {
		k = w.cfg.TopK
	}
	topIdx, topVal := w.topK(logits, k, 1/w.cfg.Temperature)

	maxv := topVal[0]
	if cap(w.prob) < len(topVal) {
		w.prob = make([]float64, len(topVal))
	}
	prob := w.prob[:len(topVal)]
	var sum float64
	for i := range topVal {
		e := math.Exp(float64(topVal[i] - maxv))
		prob[i] = e
		sum += e
	}
	if sum == 0 || math.IsNaN(sum) {
		dst[topIdx[0]] = 1
		return dst
	}
	for i := range prob {
		prob[i] /= sum
	}

	// topVal is sorted descending, so prob[0] is the best.
	n := len(prob)
	if w.cfg.MinP > 0 {
		threshold := prob[0] * float64(w.cfg.MinP)
		keep := 0
		for i := 0; i < n; i++ {
			if prob[i] >= threshold {
				prob[keep] = prob[i]
				topIdx[keep] = topIdx[i]
				keep++
			}
		}
		n = keep
	}

	if w.cfg.TopP < 1 {
		var total, c float64
		for i := 0; i < n; i++ {
			total += prob[i]
		}
		for i := 0; i < n; i++ {
			c += prob[i]
			if c/total >= float64(w.cfg.TopP) {
				n = i + 1
				break
			}
		}
	}

	var kept float64
	for i := 0; i < n; i++ {
		kept += prob[i]
	}
	for i := 0; i < n; i++ {
		dst[topIdx[i]] = prob[i] / kept
	}
	return dst
}

// argmax returns the index of the maximum value in the slice. If the slice is empty it panics.
func argmax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

// topK returns the indices and values of the k largest elements in logits, scaled by invTemp.
// The returned slices are ordered from largest to smallest by value.
// This is an O(V*K) algorithm suitable for small K.
func (w *Warper) topK(logits []float32, k int, invTemp float32) ([]int, []float32) {
	if cap(w.topIdx) < k+1 {
		w.topIdx = make([]int, 0, k+1)
		w.topVal = make([]float32, 0, k+1)
	}
	topIdx := w.topIdx[:0]
	topVal := w.topVal[:0]

	for i, l := range logits {
		v := l * invTemp

		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}

		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)

		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v

		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	w.topIdx = topIdx
	w.topVal = topVal
	return topIdx, topVal
}
