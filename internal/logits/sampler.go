package logits

import (
	"cmp"
	"math"
	"math/rand"
	"slices"
)

// SamplerConfig configures the behaviour of a Sampler.
type SamplerConfig struct {
	Seed        int64
	Temperature float32
	// TopK <= 0 keeps the whole vocabulary.
	TopK int
	// TopP outside (0, 1) disables nucleus truncation.
	TopP float32
}

type Sampler struct {
	rng    *rand.Rand
	cfg    SamplerConfig
	greedy bool
	idx    []int
	prob   []float64
}

// NewSampler returns a new sampler with the provided configuration.
func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		cfg:    cfg,
		greedy: cfg.Temperature <= 0 || cfg.TopK == 1,
	}
}

// Sample draws a single index from the provided logits vector:
//
//  1. With Temperature <= 0 or TopK == 1 the argmax is returned.
//  2. The indices of the TopK largest logits are kept, in descending order.
//  3. A softmax over the scaled shortlist is computed, subtracting the
//     maximum for numerical stability.
//  4. If TopP < 1 the shortlist is cut where the cumulative probability
//     first reaches TopP (the crossing token is kept).
//  5. A value drawn from [0,1) selects an index from the renormalised
//     remainder.
func (s *Sampler) Sample(logits []float32) int {
	if len(logits) == 0 {
		return 0
	}
	if s.greedy {
		return argmax(logits)
	}

	k := s.cfg.TopK
	if k <= 0 || k > len(logits) {
		k = len(logits)
	}
	idx := s.topK(logits, k)

	invTemp := 1 / float64(s.cfg.Temperature)
	maxv := float64(logits[idx[0]]) * invTemp
	if cap(s.prob) < len(idx) {
		s.prob = make([]float64, len(idx))
	}
	prob := s.prob[:len(idx)]
	var sum float64
	for i, id := range idx {
		e := math.Exp(float64(logits[id])*invTemp - maxv)
		prob[i] = e
		sum += e
	}
	if sum == 0 || math.IsNaN(sum) {
		return idx[0]
	}

	cut := len(prob)
	if s.cfg.TopP < 1 {
		var c float64
		for i := range prob {
			c += prob[i] / sum
			if c >= float64(s.cfg.TopP) {
				cut = i + 1
				break
			}
		}
	}

	var kept float64
	for i := 0; i < cut; i++ {
		kept += prob[i]
	}
	r := s.rng.Float64() * kept
	var c float64
	for i := 0; i < cut; i++ {
		c += prob[i]
		if r < c {
			return idx[i]
		}
	}
	return idx[cut-1]
}

// argmax returns the index of the maximum value in the slice.
func argmax(x []float32) int {
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

// topK returns the indices of the k largest logits ordered from largest to
// smallest. Ties keep the lower index first.
func (s *Sampler) topK(logits []float32, k int) []int {
	if cap(s.idx) < len(logits) {
		s.idx = make([]int, len(logits))
	}
	idx := s.idx[:len(logits)]
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		return cmp.Compare(logits[b], logits[a])
	})
	return idx[:k]
}
