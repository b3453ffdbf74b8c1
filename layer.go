package main

import (
	"math/rand"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// One residual block of each stack. Sub-layer order is fixed:
//
//   encoder layer: pre(n) → self-attn → post(da) → pre(n) → ffn → post(da)
//   decoder layer: pre(n) → self-attn → post(da)
//                → pre(n) → cross-attn → post(da)
//                → pre(n) → ffn → post(da)
//
// where "n" normalizes, "d" applies dropout and "a" adds the residual.
//
// The encoder layer returns its normalized pre-attention input alongside
// the output: that tensor is what the stack collects into the memory bank
// (for every layer except the first). The decoder layer returns its
// cross-attention coverage, and has a step variant that runs the same
// sub-layer order for a single new position against the decode buffer.
//
// Pre/post units operate on a flattened (batch*len, dim) view; only
// attention needs the batch structure.
//
// ===========================================================================

// EncoderLayer is one encoder residual block.
type EncoderLayer struct {
	preAttn  *ProcessUnit
	attn     *MultiHeadAttention
	postAttn *ProcessUnit
	preFF    *ProcessUnit
	ff       *FeedForward
	postFF   *ProcessUnit
}

// EncoderLayerCache stores one layer's forward activations.
type EncoderLayerCache struct {
	preAttnCache  *ProcessCache
	attnCache     *AttnCache
	postAttnCache *ProcessCache
	preFFCache    *ProcessCache
	ffCache       *FFCache
	postFFCache   *ProcessCache

	normInput *Tensor // (batch, len, dim), the memory-bank feed
}

// NewEncoderLayer creates an encoder layer.
func NewEncoderLayer(cfg Config, rng *rand.Rand) *EncoderLayer {
	return &EncoderLayer{
		preAttn:  NewProcessUnit("n", cfg.ModelSize, cfg.Dropout, cfg.NormVariant),
		attn:     NewMultiHeadAttention(cfg, rng),
		postAttn: NewProcessUnit("da", cfg.ModelSize, cfg.Dropout, cfg.NormVariant),
		preFF:    NewProcessUnit("n", cfg.ModelSize, cfg.Dropout, cfg.NormVariant),
		ff:       NewFeedForward(cfg, rng),
		postFF:   NewProcessUnit("da", cfg.ModelSize, cfg.Dropout, cfg.NormVariant),
	}
}

// PreAttn exposes the layer's first pre-processing unit. The growth splice
// copies the stack's final normalization parameters into it.
func (l *EncoderLayer) PreAttn() *ProcessUnit {
	return l.preAttn
}

// Params returns the layer's trainable parameters.
func (l *EncoderLayer) Params() []*Tensor {
	var params []*Tensor
	params = append(params, l.preAttn.Params()...)
	params = append(params, l.attn.Params()...)
	params = append(params, l.postAttn.Params()...)
	params = append(params, l.preFF.Params()...)
	params = append(params, l.ff.Params()...)
	params = append(params, l.postFF.Params()...)
	return params
}

// Forward runs the layer in inference mode.
// Returns (output, normalized pre-attention input).
func (l *EncoderLayer) Forward(x *Tensor, mask *Mask) (*Tensor, *Tensor) {
	batch, length, dim := x.shape[0], x.shape[1], x.shape[2]
	rows := batch * length

	x2 := x.Reshape(rows, dim)
	normInput := l.preAttn.Forward(x2, nil).Reshape(batch, length, dim)

	attnOut, _ := l.attn.Forward(normInput, normInput, mask)
	x2 = l.postAttn.Forward(attnOut.Reshape(rows, dim), x2)

	normFF := l.preFF.Forward(x2, nil)
	ffOut := l.ff.Forward(normFF)
	out := l.postFF.Forward(ffOut, x2)

	return out.Reshape(batch, length, dim), normInput
}

// ForwardWithCache runs the layer in training mode.
func (l *EncoderLayer) ForwardWithCache(x *Tensor, mask *Mask, rng *rand.Rand) (*Tensor, *Tensor, *EncoderLayerCache) {
	batch, length, dim := x.shape[0], x.shape[1], x.shape[2]
	rows := batch * length
	cache := &EncoderLayerCache{}

	x2 := x.Reshape(rows, dim)
	normed, preCache := l.preAttn.ForwardWithCache(x2, nil, rng)
	cache.preAttnCache = preCache
	normInput := normed.Reshape(batch, length, dim)
	cache.normInput = normInput

	attnOut, _, attnCache := l.attn.ForwardWithCache(normInput, normInput, mask, rng)
	cache.attnCache = attnCache

	x2Next, postCache := l.postAttn.ForwardWithCache(attnOut.Reshape(rows, dim), x2, rng)
	cache.postAttnCache = postCache

	normFF, preFFCache := l.preFF.ForwardWithCache(x2Next, nil, rng)
	cache.preFFCache = preFFCache

	ffOut, ffCache := l.ff.ForwardWithCache(normFF)
	cache.ffCache = ffCache

	out, postFFCache := l.postFF.ForwardWithCache(ffOut, x2Next, rng)
	cache.postFFCache = postFFCache

	return out.Reshape(batch, length, dim), normInput, cache
}

// Backward propagates through the layer. gradBank is the gradient flowing
// into this layer's normalized pre-attention input from the memory bank
// (nil for the first layer, whose norm input is not banked).
func (l *EncoderLayer) Backward(gradOut, gradBank *Tensor, cache *EncoderLayerCache) *Tensor {
	batch, length, dim := cache.normInput.shape[0], cache.normInput.shape[1], cache.normInput.shape[2]
	rows := batch * length

	grad2 := gradOut.Reshape(rows, dim)

	// post(da) → ffn → pre(n)
	gradFFOut, gradResidualFF := l.postFF.Backward(grad2, cache.postFFCache)
	gradNormFF := l.ff.Backward(gradFFOut, cache.ffCache)
	gradX2, _ := l.preFF.Backward(gradNormFF, cache.preFFCache)
	AddInPlace(gradX2, gradResidualFF)

	// post(da) → self-attn → pre(n)
	gradAttnOut, gradResidualAttn := l.postAttn.Backward(gradX2, cache.postAttnCache)
	gradQuery, gradKV := l.attn.Backward(gradAttnOut.Reshape(batch, length, dim), cache.attnCache)

	// Self-attention: query and key/value gradients land on the same
	// normalized input, plus whatever the memory bank sends back.
	gradNorm := Add(gradQuery, gradKV)
	if gradBank != nil {
		AddInPlace(gradNorm, gradBank)
	}

	gradIn, _ := l.preAttn.Backward(gradNorm.Reshape(rows, dim), cache.preAttnCache)
	AddInPlace(gradIn, gradResidualAttn)

	return gradIn.Reshape(batch, length, dim)
}

// ===========================================================================
// DECODER LAYER
// ===========================================================================

// DecoderLayer is one decoder residual block: masked self-attention, then
// cross-attention against its memory-bank entry, then feed-forward.
type DecoderLayer struct {
	preSelf   *ProcessUnit
	selfAttn  *MultiHeadAttention
	postSelf  *ProcessUnit
	preCross  *ProcessUnit
	crossAttn *MultiHeadAttention
	postCross *ProcessUnit
	preFF     *ProcessUnit
	ff        *FeedForward
	postFF    *ProcessUnit
}

// DecoderLayerCache stores one decoder layer's forward activations.
type DecoderLayerCache struct {
	preSelfCache   *ProcessCache
	selfAttnCache  *AttnCache
	postSelfCache  *ProcessCache
	preCrossCache  *ProcessCache
	crossAttnCache *AttnCache
	postCrossCache *ProcessCache
	preFFCache     *ProcessCache
	ffCache        *FFCache
	postFFCache    *ProcessCache

	shape []int // (batch, len, dim)
}

// NewDecoderLayer creates a decoder layer.
func NewDecoderLayer(cfg Config, rng *rand.Rand) *DecoderLayer {
	return &DecoderLayer{
		preSelf:   NewProcessUnit("n", cfg.ModelSize, cfg.Dropout, cfg.NormVariant),
		selfAttn:  NewMultiHeadAttention(cfg, rng),
		postSelf:  NewProcessUnit("da", cfg.ModelSize, cfg.Dropout, cfg.NormVariant),
		preCross:  NewProcessUnit("n", cfg.ModelSize, cfg.Dropout, cfg.NormVariant),
		crossAttn: NewMultiHeadAttention(cfg, rng),
		postCross: NewProcessUnit("da", cfg.ModelSize, cfg.Dropout, cfg.NormVariant),
		preFF:     NewProcessUnit("n", cfg.ModelSize, cfg.Dropout, cfg.NormVariant),
		ff:        NewFeedForward(cfg, rng),
		postFF:    NewProcessUnit("da", cfg.ModelSize, cfg.Dropout, cfg.NormVariant),
	}
}

// PreAttn exposes the layer's first pre-processing unit for growth splicing.
func (l *DecoderLayer) PreAttn() *ProcessUnit {
	return l.preSelf
}

// Params returns the layer's trainable parameters.
func (l *DecoderLayer) Params() []*Tensor {
	var params []*Tensor
	params = append(params, l.preSelf.Params()...)
	params = append(params, l.selfAttn.Params()...)
	params = append(params, l.postSelf.Params()...)
	params = append(params, l.preCross.Params()...)
	params = append(params, l.crossAttn.Params()...)
	params = append(params, l.postCross.Params()...)
	params = append(params, l.preFF.Params()...)
	params = append(params, l.ff.Params()...)
	params = append(params, l.postFF.Params()...)
	return params
}

// Forward runs the layer in inference mode.
// Returns (output, cross-attention coverage).
func (l *DecoderLayer) Forward(x, bankEntry *Tensor, selfMask, crossMask *Mask) (*Tensor, *Tensor) {
	batch, length, dim := x.shape[0], x.shape[1], x.shape[2]
	rows := batch * length

	x2 := x.Reshape(rows, dim)
	normed := l.preSelf.Forward(x2, nil).Reshape(batch, length, dim)
	selfOut, _ := l.selfAttn.Forward(normed, normed, selfMask)
	x2 = l.postSelf.Forward(selfOut.Reshape(rows, dim), x2)

	normedCross := l.preCross.Forward(x2, nil).Reshape(batch, length, dim)
	crossOut, coverage := l.crossAttn.Forward(normedCross, bankEntry, crossMask)
	x2 = l.postCross.Forward(crossOut.Reshape(rows, dim), x2)

	normFF := l.preFF.Forward(x2, nil)
	ffOut := l.ff.Forward(normFF)
	out := l.postFF.Forward(ffOut, x2)

	return out.Reshape(batch, length, dim), coverage
}

// ForwardWithCache runs the layer in training mode.
func (l *DecoderLayer) ForwardWithCache(x, bankEntry *Tensor, selfMask, crossMask *Mask, rng *rand.Rand) (*Tensor, *Tensor, *DecoderLayerCache) {
	batch, length, dim := x.shape[0], x.shape[1], x.shape[2]
	rows := batch * length
	cache := &DecoderLayerCache{shape: []int{batch, length, dim}}

	x2 := x.Reshape(rows, dim)
	normed, preSelfCache := l.preSelf.ForwardWithCache(x2, nil, rng)
	cache.preSelfCache = preSelfCache
	normed3 := normed.Reshape(batch, length, dim)

	selfOut, _, selfCache := l.selfAttn.ForwardWithCache(normed3, normed3, selfMask, rng)
	cache.selfAttnCache = selfCache

	x2, postSelfCache := l.postSelf.ForwardWithCache(selfOut.Reshape(rows, dim), x2, rng)
	cache.postSelfCache = postSelfCache

	normedCross, preCrossCache := l.preCross.ForwardWithCache(x2, nil, rng)
	cache.preCrossCache = preCrossCache

	crossOut, coverage, crossCache := l.crossAttn.ForwardWithCache(normedCross.Reshape(batch, length, dim), bankEntry, crossMask, rng)
	cache.crossAttnCache = crossCache

	x2, postCrossCache := l.postCross.ForwardWithCache(crossOut.Reshape(rows, dim), x2, rng)
	cache.postCrossCache = postCrossCache

	normFF, preFFCache := l.preFF.ForwardWithCache(x2, nil, rng)
	cache.preFFCache = preFFCache

	ffOut, ffCache := l.ff.ForwardWithCache(normFF)
	cache.ffCache = ffCache

	out, postFFCache := l.postFF.ForwardWithCache(ffOut, x2, rng)
	cache.postFFCache = postFFCache

	return out.Reshape(batch, length, dim), coverage, cache
}

// Step runs the layer for one new position t against the decode buffer.
// bankEntry supplies the layer's cross-attention source; its projections
// are cached in cross after the first call.
func (l *DecoderLayer) Step(x, bankEntry *Tensor, selfMask, crossMask *Mask, kv *LayerKV, cross **CrossKV) (*Tensor, *Tensor) {
	batch, dim := x.shape[0], x.shape[2]

	x2 := x.Reshape(batch, dim)
	normed := l.preSelf.Forward(x2, nil).Reshape(batch, 1, dim)
	selfOut, _ := l.selfAttn.Step(normed, kv, selfMask)
	x2 = l.postSelf.Forward(selfOut.Reshape(batch, dim), x2)

	if *cross == nil {
		*cross = l.crossAttn.ProjectCross(bankEntry)
	}
	normedCross := l.preCross.Forward(x2, nil).Reshape(batch, 1, dim)
	crossOut, coverage := l.crossAttn.StepCross(normedCross, *cross, crossMask)
	x2 = l.postCross.Forward(crossOut.Reshape(batch, dim), x2)

	normFF := l.preFF.Forward(x2, nil)
	ffOut := l.ff.Forward(normFF)
	out := l.postFF.Forward(ffOut, x2)

	return out.Reshape(batch, 1, dim), coverage
}

// Backward propagates through the layer, returning the input gradient and
// the gradient flowing into the layer's memory-bank entry.
func (l *DecoderLayer) Backward(gradOut *Tensor, cache *DecoderLayerCache) (gradIn, gradBankEntry *Tensor) {
	batch, length, dim := cache.shape[0], cache.shape[1], cache.shape[2]
	rows := batch * length

	grad2 := gradOut.Reshape(rows, dim)

	// post(da) → ffn → pre(n)
	gradFFOut, gradResidualFF := l.postFF.Backward(grad2, cache.postFFCache)
	gradNormFF := l.ff.Backward(gradFFOut, cache.ffCache)
	gradX2, _ := l.preFF.Backward(gradNormFF, cache.preFFCache)
	AddInPlace(gradX2, gradResidualFF)

	// post(da) → cross-attn → pre(n)
	gradCrossOut, gradResidualCross := l.postCross.Backward(gradX2, cache.postCrossCache)
	gradQuery, gradBank := l.crossAttn.Backward(gradCrossOut.Reshape(batch, length, dim), cache.crossAttnCache)
	gradX2, _ = l.preCross.Backward(gradQuery.Reshape(rows, dim), cache.preCrossCache)
	AddInPlace(gradX2, gradResidualCross)

	// post(da) → self-attn → pre(n)
	gradSelfOut, gradResidualSelf := l.postSelf.Backward(gradX2, cache.postSelfCache)
	gradQ, gradKV := l.selfAttn.Backward(gradSelfOut.Reshape(batch, length, dim), cache.selfAttnCache)
	gradNorm := Add(gradQ, gradKV)
	gradIn2, _ := l.preSelf.Backward(gradNorm.Reshape(rows, dim), cache.preSelfCache)
	AddInPlace(gradIn2, gradResidualSelf)

	return gradIn2.Reshape(batch, length, dim), gradBank
}
