package main

import (
	"fmt"
	"math"
	"math/rand"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Time encoding: how token embeddings learn where they are in the sequence.
// Two interchangeable strategies behind one interface:
//
//   SinusoidalEncoder - the classic fixed table of interleaved sin/cos
//                       waves, added to the (scaled) embeddings. Stateless;
//                       single-step mode just indexes the table at t.
//   RecurrentEncoder  - a GRU cell run along the sequence; the hidden state
//                       IS the position-aware embedding. Stateful; single-
//                       step mode carries the hidden state explicitly.
//
// The stacks depend only on the interface. The table-based strategy owns a
// maximum-length register: encoding past it without an explicit Renew is a
// contract violation and panics (unlike the causal mask, which grows
// silently - the table is part of the model's numerical behavior, the mask
// is not).
//
// ===========================================================================

// TimeEncoder injects position information into embeddings.
type TimeEncoder interface {
	// Encode processes a full (batch, length, dim) embedding tensor.
	Encode(x *Tensor) *Tensor

	// EncodeWithCache is Encode recording what Backward needs.
	EncodeWithCache(x *Tensor) (*Tensor, *TimeCache)

	// EncodeStep processes a single position t. x is (batch, 1, dim);
	// state carries recurrent hidden state between calls (nil for
	// stateless strategies) and the updated state is returned.
	EncodeStep(x *Tensor, t int, state *Tensor) (*Tensor, *Tensor)

	// Backward propagates gradients through Encode, accumulating any
	// parameter gradients and returning the embedding gradient.
	Backward(gradOut *Tensor, cache *TimeCache) *Tensor

	// Renew regenerates internal tables for a new maximum length.
	// Idempotent; never shrinks. A no-op for recurrent strategies.
	Renew(maxLen int)

	// Params returns trainable parameters (empty for the table strategy).
	Params() []*Tensor
}

// TimeCache stores forward activations for a time encoder's backward pass.
type TimeCache struct {
	steps []*gruStepCache // recurrent strategy only
}

// NewTimeEncoder constructs the strategy named by the configuration.
func NewTimeEncoder(cfg Config, rng *rand.Rand) (TimeEncoder, error) {
	switch cfg.TimeEncoding {
	case TimePositional:
		return NewSinusoidalEncoder(cfg.ModelSize, cfg.MaxLen), nil
	case TimeRecurrent:
		return NewRecurrentEncoder(cfg.ModelSize, cfg.Compute, rng), nil
	default:
		return nil, fmt.Errorf("timeenc: unknown time encoding %q", cfg.TimeEncoding)
	}
}

// ===========================================================================
// SINUSOIDAL TABLE
// ===========================================================================

// SinusoidalEncoder adds fixed sin/cos position signals to embeddings,
// scaling the embeddings by sqrt(dim) first.
type SinusoidalEncoder struct {
	dim    int
	maxLen int
	table  *Tensor // (maxLen, dim)
	scale  float64
}

// NewSinusoidalEncoder precomputes the table for lengths up to maxLen.
func NewSinusoidalEncoder(dim, maxLen int) *SinusoidalEncoder {
	e := &SinusoidalEncoder{
		dim:   dim,
		scale: math.Sqrt(float64(dim)),
	}
	e.Renew(maxLen)
	return e
}

// Renew regenerates the table for a new maximum length. Regeneration is
// deterministic, so renewing to the current maximum twice changes nothing.
func (e *SinusoidalEncoder) Renew(maxLen int) {
	if maxLen <= e.maxLen {
		return
	}
	table := NewTensor(maxLen, e.dim)
	for pos := 0; pos < maxLen; pos++ {
		for i := 0; i < e.dim; i += 2 {
			freq := math.Exp(float64(i) * -math.Log(10000.0) / float64(e.dim))
			angle := float64(pos) * freq
			table.data[pos*e.dim+i] = math.Sin(angle)
			if i+1 < e.dim {
				table.data[pos*e.dim+i+1] = math.Cos(angle)
			}
		}
	}
	e.maxLen = maxLen
	e.table = table
}

// MaxLen returns the current table capacity.
func (e *SinusoidalEncoder) MaxLen() int {
	return e.maxLen
}

// Encode scales x by sqrt(dim) and adds the position signal per position.
// Panics if the sequence exceeds the table without a prior Renew call.
func (e *SinusoidalEncoder) Encode(x *Tensor) *Tensor {
	if len(x.shape) != 3 || x.shape[2] != e.dim {
		panic(fmt.Sprintf("timeenc: input shape %v does not match dim %d", x.shape, e.dim))
	}
	batch, length := x.shape[0], x.shape[1]
	if length > e.maxLen {
		panic(fmt.Sprintf("timeenc: sequence length %d exceeds table maximum %d; call Renew first", length, e.maxLen))
	}

	out := NewTensor(batch, length, e.dim)
	for b := 0; b < batch; b++ {
		for pos := 0; pos < length; pos++ {
			base := (b*length + pos) * e.dim
			for d := 0; d < e.dim; d++ {
				out.data[base+d] = x.data[base+d]*e.scale + e.table.data[pos*e.dim+d]
			}
		}
	}
	return out
}

// EncodeWithCache is Encode; the additive strategy needs no cache.
func (e *SinusoidalEncoder) EncodeWithCache(x *Tensor) (*Tensor, *TimeCache) {
	return e.Encode(x), nil
}

// EncodeStep encodes the single position t. State is ignored and returned
// unchanged (always nil for this strategy).
func (e *SinusoidalEncoder) EncodeStep(x *Tensor, t int, state *Tensor) (*Tensor, *Tensor) {
	if len(x.shape) != 3 || x.shape[1] != 1 || x.shape[2] != e.dim {
		panic(fmt.Sprintf("timeenc: step input must be (batch, 1, %d), got %v", e.dim, x.shape))
	}
	if t >= e.maxLen {
		panic(fmt.Sprintf("timeenc: position %d exceeds table maximum %d; call Renew first", t, e.maxLen))
	}

	batch := x.shape[0]
	out := NewTensor(batch, 1, e.dim)
	for b := 0; b < batch; b++ {
		base := b * e.dim
		for d := 0; d < e.dim; d++ {
			out.data[base+d] = x.data[base+d]*e.scale + e.table.data[t*e.dim+d]
		}
	}
	return out, state
}

// Backward undoes the sqrt(dim) scaling; the additive signal is constant.
func (e *SinusoidalEncoder) Backward(gradOut *Tensor, _ *TimeCache) *Tensor {
	return ScaleBackward(e.scale, gradOut)
}

// Params returns no parameters; the table is fixed.
func (e *SinusoidalEncoder) Params() []*Tensor {
	return nil
}

// ===========================================================================
// RECURRENT (GRU) CELL
// ===========================================================================

// RecurrentEncoder runs a single-layer GRU along the sequence; the hidden
// state at each position is the position-aware embedding.
//
//	r = sigmoid(x Wxr + h Whr + br)
//	z = sigmoid(x Wxz + h Whz + bz)
//	n = tanh(x Wxn + bn + r * (h Whn + bhn))
//	h' = (1 - z) * n + z * h
type RecurrentEncoder struct {
	dim     int
	compute ComputeConfig

	wxr, whr, br  *Tensor
	wxz, whz, bz  *Tensor
	wxn, whn      *Tensor
	bn, bhn       *Tensor
}

type gruStepCache struct {
	x, hPrev   *Tensor // (batch, dim)
	r, z, n    *Tensor // gate activations
	hiddenPart *Tensor // h Whn + bhn, needed for the reset-gate gradient
}

// NewRecurrentEncoder initializes the cell with small random weights.
func NewRecurrentEncoder(dim int, compute ComputeConfig, rng *rand.Rand) *RecurrentEncoder {
	scale := 1.0 / math.Sqrt(float64(dim))
	return &RecurrentEncoder{
		dim:     dim,
		compute: compute,
		wxr:     NewTensorRand(rng, scale, dim, dim),
		whr:     NewTensorRand(rng, scale, dim, dim),
		br:      NewTensor(dim),
		wxz:     NewTensorRand(rng, scale, dim, dim),
		whz:     NewTensorRand(rng, scale, dim, dim),
		bz:      NewTensor(dim),
		wxn:     NewTensorRand(rng, scale, dim, dim),
		whn:     NewTensorRand(rng, scale, dim, dim),
		bn:      NewTensor(dim),
		bhn:     NewTensor(dim),
	}
}

// Params returns the trainable parameters of the cell.
func (e *RecurrentEncoder) Params() []*Tensor {
	return []*Tensor{e.wxr, e.whr, e.br, e.wxz, e.whz, e.bz, e.wxn, e.whn, e.bn, e.bhn}
}

// Renew is a no-op: the recurrent strategy has no length-bound tables.
func (e *RecurrentEncoder) Renew(int) {}

// Encode runs the cell over the full sequence from a zero hidden state.
func (e *RecurrentEncoder) Encode(x *Tensor) *Tensor {
	out, _ := e.encode(x, false)
	return out
}

// EncodeWithCache runs the cell recording per-step activations.
func (e *RecurrentEncoder) EncodeWithCache(x *Tensor) (*Tensor, *TimeCache) {
	return e.encode(x, true)
}

func (e *RecurrentEncoder) encode(x *Tensor, withCache bool) (*Tensor, *TimeCache) {
	if len(x.shape) != 3 || x.shape[2] != e.dim {
		panic(fmt.Sprintf("timeenc: input shape %v does not match dim %d", x.shape, e.dim))
	}
	batch, length := x.shape[0], x.shape[1]

	var cache *TimeCache
	if withCache {
		cache = &TimeCache{steps: make([]*gruStepCache, length)}
	}

	out := NewTensor(batch, length, e.dim)
	h := NewTensor(batch, e.dim)
	for t := 0; t < length; t++ {
		xt := e.timeSlice(x, t)
		var step *gruStepCache
		h, step = e.cell(xt, h, withCache)
		if withCache {
			cache.steps[t] = step
		}
		for b := 0; b < batch; b++ {
			copy(out.data[(b*length+t)*e.dim:(b*length+t+1)*e.dim], h.data[b*e.dim:(b+1)*e.dim])
		}
	}
	return out, cache
}

// EncodeStep advances the cell by one position. A nil state starts a fresh
// session from zero hidden state; t must increase by one per call.
func (e *RecurrentEncoder) EncodeStep(x *Tensor, t int, state *Tensor) (*Tensor, *Tensor) {
	if len(x.shape) != 3 || x.shape[1] != 1 || x.shape[2] != e.dim {
		panic(fmt.Sprintf("timeenc: step input must be (batch, 1, %d), got %v", e.dim, x.shape))
	}
	batch := x.shape[0]
	if state == nil {
		if t != 0 {
			panic(fmt.Sprintf("timeenc: step at position %d without prior hidden state", t))
		}
		state = NewTensor(batch, e.dim)
	}

	xt := x.Reshape(batch, e.dim)
	h, _ := e.cell(xt, state, false)
	return h.Clone().Reshape(batch, 1, e.dim), h
}

// cell advances h by one step for a (batch, dim) input.
func (e *RecurrentEncoder) cell(x, h *Tensor, withCache bool) (*Tensor, *gruStepCache) {
	r := e.gate(x, h, e.wxr, e.whr, e.br, sigmoid)
	z := e.gate(x, h, e.wxz, e.whz, e.bz, sigmoid)

	hiddenPart := MatMulWithConfig(h, e.whn, e.compute)
	addBiasInPlace(hiddenPart, e.bhn)

	n := MatMulWithConfig(x, e.wxn, e.compute)
	addBiasInPlace(n, e.bn)
	for i := range n.data {
		n.data[i] = math.Tanh(n.data[i] + r.data[i]*hiddenPart.data[i])
	}

	hNew := NewTensor(h.shape...)
	for i := range hNew.data {
		hNew.data[i] = (1-z.data[i])*n.data[i] + z.data[i]*h.data[i]
	}

	if !withCache {
		return hNew, nil
	}
	return hNew, &gruStepCache{
		x: x.Clone(), hPrev: h.Clone(),
		r: r, z: z, n: n, hiddenPart: hiddenPart,
	}
}

func (e *RecurrentEncoder) gate(x, h, wx, wh, bias *Tensor, act func(float64) float64) *Tensor {
	out := MatMulWithConfig(x, wx, e.compute)
	hPart := MatMulWithConfig(h, wh, e.compute)
	for i := range out.data {
		out.data[i] = act(out.data[i] + hPart.data[i] + bias.data[i%len(bias.data)])
	}
	return out
}

// Backward propagates through the full-sequence encode, walking positions
// in reverse and carrying the hidden-state gradient.
func (e *RecurrentEncoder) Backward(gradOut *Tensor, cache *TimeCache) *Tensor {
	if cache == nil {
		panic("timeenc: recurrent backward requires a forward cache")
	}
	batch, length := gradOut.shape[0], gradOut.shape[1]
	gradX := NewTensor(gradOut.shape...)
	gradH := NewTensor(batch, e.dim)

	for t := length - 1; t >= 0; t-- {
		step := cache.steps[t]

		// Hidden gradient at t: the output slot plus what flowed back
		// from t+1.
		gh := e.timeSlice(gradOut, t)
		AddInPlace(gh, gradH)

		gradXt, gradHPrev := e.cellBackward(gh, step)
		gradH = gradHPrev

		for b := 0; b < batch; b++ {
			copy(gradX.data[(b*length+t)*e.dim:(b*length+t+1)*e.dim], gradXt.data[b*e.dim:(b+1)*e.dim])
		}
	}
	return gradX
}

func (e *RecurrentEncoder) cellBackward(gh *Tensor, step *gruStepCache) (gradX, gradHPrev *Tensor) {
	// h' = (1-z)*n + z*hPrev
	gradZ := NewTensor(gh.shape...)
	gradN := NewTensor(gh.shape...)
	gradHPrev = NewTensor(gh.shape...)
	for i := range gh.data {
		gradZ.data[i] = gh.data[i] * (step.hPrev.data[i] - step.n.data[i])
		gradN.data[i] = gh.data[i] * (1 - step.z.data[i])
		gradHPrev.data[i] = gh.data[i] * step.z.data[i]
	}

	// n = tanh(x Wxn + bn + r*hiddenPart)
	gradNRaw := NewTensor(gh.shape...)
	gradR := NewTensor(gh.shape...)
	gradHiddenPart := NewTensor(gh.shape...)
	for i := range gradNRaw.data {
		raw := gradN.data[i] * (1 - step.n.data[i]*step.n.data[i])
		gradNRaw.data[i] = raw
		gradR.data[i] = raw * step.hiddenPart.data[i]
		gradHiddenPart.data[i] = raw * step.r.data[i]
	}

	gradX, gradWxn := MatMulBackwardWithConfig(step.x, e.wxn, gradNRaw, e.compute)
	e.wxn.AccumulateGrad(gradWxn)
	accumulateBiasGrad(e.bn, gradNRaw)

	gradHFromN, gradWhn := MatMulBackwardWithConfig(step.hPrev, e.whn, gradHiddenPart, e.compute)
	e.whn.AccumulateGrad(gradWhn)
	accumulateBiasGrad(e.bhn, gradHiddenPart)
	AddInPlace(gradHPrev, gradHFromN)

	// Gates: sigmoid' = s*(1-s)
	gradRRaw := NewTensor(gh.shape...)
	gradZRaw := NewTensor(gh.shape...)
	for i := range gradRRaw.data {
		gradRRaw.data[i] = gradR.data[i] * step.r.data[i] * (1 - step.r.data[i])
		gradZRaw.data[i] = gradZ.data[i] * step.z.data[i] * (1 - step.z.data[i])
	}

	gradXr, gradWxr := MatMulBackwardWithConfig(step.x, e.wxr, gradRRaw, e.compute)
	e.wxr.AccumulateGrad(gradWxr)
	accumulateBiasGrad(e.br, gradRRaw)
	AddInPlace(gradX, gradXr)

	gradHr, gradWhr := MatMulBackwardWithConfig(step.hPrev, e.whr, gradRRaw, e.compute)
	e.whr.AccumulateGrad(gradWhr)
	AddInPlace(gradHPrev, gradHr)

	gradXz, gradWxz := MatMulBackwardWithConfig(step.x, e.wxz, gradZRaw, e.compute)
	e.wxz.AccumulateGrad(gradWxz)
	accumulateBiasGrad(e.bz, gradZRaw)
	AddInPlace(gradX, gradXz)

	gradHz, gradWhz := MatMulBackwardWithConfig(step.hPrev, e.whz, gradZRaw, e.compute)
	e.whz.AccumulateGrad(gradWhz)
	AddInPlace(gradHPrev, gradHz)

	return gradX, gradHPrev
}

// timeSlice copies position t of a (batch, length, dim) tensor into a
// (batch, dim) tensor. Time slices are strided, so a view is not possible.
func (e *RecurrentEncoder) timeSlice(x *Tensor, t int) *Tensor {
	batch, length := x.shape[0], x.shape[1]
	out := NewTensor(batch, e.dim)
	for b := 0; b < batch; b++ {
		copy(out.data[b*e.dim:(b+1)*e.dim], x.data[(b*length+t)*e.dim:(b*length+t+1)*e.dim])
	}
	return out
}

func sigmoid(v float64) float64 {
	return 1.0 / (1.0 + math.Exp(-v))
}

// addBiasInPlace adds a (dim,) bias to each row of a (rows, dim) tensor.
func addBiasInPlace(x, bias *Tensor) {
	dim := bias.Size()
	for i := range x.data {
		x.data[i] += bias.data[i%dim]
	}
}

// accumulateBiasGrad sums row gradients into a (dim,) bias gradient.
func accumulateBiasGrad(bias, grad *Tensor) {
	dim := bias.Size()
	for i := range grad.data {
		bias.grad[i%dim] += grad.data[i]
	}
}
