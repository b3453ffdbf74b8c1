package main

import (
	"math"
	"math/rand"
)

// FeedForward is the position-wise two-layer MLP:
//
//	FFN(x) = GELU(x @ W1 + b1) @ W2 + b2
//
// Positions are independent, so the layer operates on a flattened
// (rows, dim) view regardless of batch structure. Most of a layer's
// parameters live here.
type FeedForward struct {
	w1, b1 *Tensor // (dim, inner), (inner,)
	w2, b2 *Tensor // (inner, dim), (dim,)

	compute ComputeConfig
}

// FFCache stores activations for the backward pass.
type FFCache struct {
	input         *Tensor
	preActivation *Tensor // before GELU
	hidden        *Tensor // after GELU
}

// NewFeedForward creates a feed-forward sub-layer.
func NewFeedForward(cfg Config, rng *rand.Rand) *FeedForward {
	scale := math.Sqrt(2.0 / float64(cfg.ModelSize))
	return &FeedForward{
		w1:      NewTensorRand(rng, scale, cfg.ModelSize, cfg.InnerSize),
		b1:      NewTensor(cfg.InnerSize),
		w2:      NewTensorRand(rng, scale, cfg.InnerSize, cfg.ModelSize),
		b2:      NewTensor(cfg.ModelSize),
		compute: cfg.Compute,
	}
}

// Params returns the trainable parameters.
func (ff *FeedForward) Params() []*Tensor {
	return []*Tensor{ff.w1, ff.b1, ff.w2, ff.b2}
}

// Forward applies the MLP to a (rows, dim) tensor.
func (ff *FeedForward) Forward(x *Tensor) *Tensor {
	out, _ := ff.forward(x, false)
	return out
}

// ForwardWithCache applies the MLP recording activations for Backward.
func (ff *FeedForward) ForwardWithCache(x *Tensor) (*Tensor, *FFCache) {
	return ff.forward(x, true)
}

func (ff *FeedForward) forward(x *Tensor, withCache bool) (*Tensor, *FFCache) {
	hidden := MatMulWithConfig(x, ff.w1, ff.compute)
	addBiasInPlace(hidden, ff.b1)

	var cache *FFCache
	if withCache {
		cache = &FFCache{input: x, preActivation: hidden.Clone()}
	}

	hidden = ParallelApply(hidden, gelu, ff.compute)
	if withCache {
		cache.hidden = hidden
	}

	out := MatMulWithConfig(hidden, ff.w2, ff.compute)
	addBiasInPlace(out, ff.b2)
	return out, cache
}

// Backward propagates through the MLP, accumulating weight gradients and
// returning the input gradient.
func (ff *FeedForward) Backward(gradOut *Tensor, cache *FFCache) *Tensor {
	gradHidden, gradW2 := MatMulBackwardWithConfig(cache.hidden, ff.w2, gradOut, ff.compute)
	ff.w2.AccumulateGrad(gradW2)
	accumulateBiasGrad(ff.b2, gradOut)

	gradPre := GELUBackward(cache.preActivation, gradHidden)

	gradIn, gradW1 := MatMulBackwardWithConfig(cache.input, ff.w1, gradPre, ff.compute)
	ff.w1.AccumulateGrad(gradW1)
	accumulateBiasGrad(ff.b1, gradPre)

	return gradIn
}
