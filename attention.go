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
// Multi-head attention, used three ways:
//
//   self-attention  - query and key/value source are the same tensor
//                     (encoder over source, decoder over target prefix).
//   cross-attention - decoder queries against one memory-bank entry; the
//                     mask suppresses padded source positions.
//   step mode       - incremental self-attention for decoding. The query
//                     is exactly ONE new position; previously projected
//                     keys/values live in a caller-owned buffer and only
//                     the new position's projection is computed. Query
//                     length != 1 in this mode is a contract violation.
//
// Masked positions get score -1e9 before softmax, which drives their
// weight to ~0 without special-casing the softmax itself. The head-
// averaged post-softmax weights are returned as the "coverage" tensor;
// for a decoder's cross-attention that is the distribution over source
// positions that external consumers (loss terms, alignment extraction)
// read.
//
// Everything is computed per batch row and per head with explicit loops
// over 2D matmuls. Slower than a fused batched kernel, but each backward
// formula stays one screen away from its forward counterpart.
//
// ===========================================================================

// MultiHeadAttention projects inputs to per-head queries, keys and values,
// attends, and projects the concatenated heads back to model size.
type MultiHeadAttention struct {
	modelSize int
	numHeads  int
	headSize  int

	wq, wk, wv, wo *Tensor // (modelSize, modelSize)

	attnDropout float64
	compute     ComputeConfig
}

// AttnCache stores forward activations for the backward pass.
type AttnCache struct {
	query, kv *Tensor // layer inputs, (batch, len, dim)
	mask      *Mask
	perBatch  []*attnBatchCache
}

type attnBatchCache struct {
	q, k, v   *Tensor   // projections, (len, modelSize)
	weights   []*Tensor // per-head post-softmax weights, (qLen, kLen)
	dropMasks []*Tensor // per-head inverted dropout masks, nil if inactive
	context   *Tensor   // concatenated heads before output projection
}

// NewMultiHeadAttention creates an attention sub-layer.
func NewMultiHeadAttention(cfg Config, rng *rand.Rand) *MultiHeadAttention {
	scale := math.Sqrt(2.0 / float64(cfg.ModelSize))
	return &MultiHeadAttention{
		modelSize:   cfg.ModelSize,
		numHeads:    cfg.NumHeads,
		headSize:    cfg.HeadSize(),
		wq:          NewTensorRand(rng, scale, cfg.ModelSize, cfg.ModelSize),
		wk:          NewTensorRand(rng, scale, cfg.ModelSize, cfg.ModelSize),
		wv:          NewTensorRand(rng, scale, cfg.ModelSize, cfg.ModelSize),
		wo:          NewTensorRand(rng, scale, cfg.ModelSize, cfg.ModelSize),
		attnDropout: cfg.AttnDropout,
		compute:     cfg.Compute,
	}
}

// Params returns the trainable parameters.
func (a *MultiHeadAttention) Params() []*Tensor {
	return []*Tensor{a.wq, a.wk, a.wv, a.wo}
}

// Forward attends query against kv in inference mode.
// query: (batch, qLen, dim), kv: (batch, kLen, dim),
// mask: (batch, qLen, kLen) or nil.
// Returns (output (batch, qLen, dim), coverage (batch, qLen, kLen)).
func (a *MultiHeadAttention) Forward(query, kv *Tensor, mask *Mask) (*Tensor, *Tensor) {
	out, coverage, _ := a.forward(query, kv, mask, nil, false)
	return out, coverage
}

// ForwardWithCache attends in training mode, recording the cache and
// applying attention-weight dropout from rng.
func (a *MultiHeadAttention) ForwardWithCache(query, kv *Tensor, mask *Mask, rng *rand.Rand) (*Tensor, *Tensor, *AttnCache) {
	return a.forward(query, kv, mask, rng, true)
}

func (a *MultiHeadAttention) forward(query, kv *Tensor, mask *Mask, rng *rand.Rand, withCache bool) (*Tensor, *Tensor, *AttnCache) {
	a.checkInputs(query, kv, mask)

	batch, qLen := query.shape[0], query.shape[1]
	kLen := kv.shape[1]

	out := NewTensor(batch, qLen, a.modelSize)
	coverage := NewTensor(batch, qLen, kLen)

	var cache *AttnCache
	if withCache {
		cache = &AttnCache{
			query:    query,
			kv:       kv,
			mask:     mask,
			perBatch: make([]*attnBatchCache, batch),
		}
	}

	for b := 0; b < batch; b++ {
		q := MatMulWithConfig(query.Batch(b), a.wq, a.compute)
		k := MatMulWithConfig(kv.Batch(b), a.wk, a.compute)
		v := MatMulWithConfig(kv.Batch(b), a.wv, a.compute)

		var bc *attnBatchCache
		if withCache {
			bc = &attnBatchCache{
				q: q, k: k, v: v,
				weights:   make([]*Tensor, a.numHeads),
				dropMasks: make([]*Tensor, a.numHeads),
			}
			cache.perBatch[b] = bc
		}

		context := NewTensor(qLen, a.modelSize)
		for h := 0; h < a.numHeads; h++ {
			qh := a.extractHead(q, h)
			kh := a.extractHead(k, h)
			vh := a.extractHead(v, h)

			weights := a.headWeights(qh, kh, mask, b)
			if withCache {
				bc.weights[h] = weights
			}

			// Coverage averages the pre-dropout weights over heads.
			for i := 0; i < qLen; i++ {
				for j := 0; j < kLen; j++ {
					coverage.data[(b*qLen+i)*kLen+j] += weights.data[i*kLen+j] / float64(a.numHeads)
				}
			}

			attended := weights
			if withCache && a.attnDropout > 0 {
				dropMask := NewTensor(weights.shape...)
				keep := 1.0 - a.attnDropout
				for j := range dropMask.data {
					if rng.Float64() < keep {
						dropMask.data[j] = 1.0 / keep
					}
				}
				bc.dropMasks[h] = dropMask
				attended = Mul(weights, dropMask)
			}

			ctx := MatMulWithConfig(attended, vh, a.compute)
			a.placeHead(context, ctx, h)
		}

		if withCache {
			bc.context = context
		}

		outB := MatMulWithConfig(context, a.wo, a.compute)
		copy(out.data[b*qLen*a.modelSize:], outB.data)
	}

	return out, coverage, cache
}

// headWeights computes masked scaled-dot-product softmax weights for one
// head of one batch row.
func (a *MultiHeadAttention) headWeights(qh, kh *Tensor, mask *Mask, b int) *Tensor {
	qLen, kLen := qh.shape[0], kh.shape[0]

	scores := MatMulWithConfig(qh, Transpose(kh), a.compute)
	scale := 1.0 / math.Sqrt(float64(a.headSize))
	for i := range scores.data {
		scores.data[i] *= scale
	}

	if mask != nil {
		for i := 0; i < qLen; i++ {
			for j := 0; j < kLen; j++ {
				if mask.At(b, i, j) {
					scores.data[i*kLen+j] = -1e9
				}
			}
		}
	}

	return Softmax(scores)
}

// Step attends one new query position against the session's accumulated
// keys and values. The new position's K/V projections are appended to the
// buffer before attending. Query length must be exactly 1.
func (a *MultiHeadAttention) Step(query *Tensor, buf *LayerKV, mask *Mask) (*Tensor, *Tensor) {
	if len(query.shape) != 3 || query.shape[2] != a.modelSize {
		panic(fmt.Sprintf("attention: step query shape %v does not match dim %d", query.shape, a.modelSize))
	}
	if query.shape[1] != 1 {
		panic(fmt.Sprintf("attention: step mode requires query length 1, got %d", query.shape[1]))
	}

	batch := query.shape[0]
	for b := 0; b < batch; b++ {
		k := MatMulWithConfig(query.Batch(b), a.wk, a.compute)
		v := MatMulWithConfig(query.Batch(b), a.wv, a.compute)
		buf.append(b, k.data, v.data)
	}
	buf.advance()

	return a.attendBuffered(query, buf.keys, buf.values, buf.length, mask)
}

// StepCross attends one new query position against fixed source-side keys
// and values (projected once per session from a memory-bank entry).
func (a *MultiHeadAttention) StepCross(query *Tensor, cross *CrossKV, mask *Mask) (*Tensor, *Tensor) {
	if query.shape[1] != 1 {
		panic(fmt.Sprintf("attention: step mode requires query length 1, got %d", query.shape[1]))
	}
	return a.attendBuffered(query, cross.keys, cross.values, cross.srcLen, mask)
}

// ProjectCross precomputes key/value projections of a memory-bank entry
// for a decoding session.
func (a *MultiHeadAttention) ProjectCross(bankEntry *Tensor) *CrossKV {
	batch, srcLen := bankEntry.shape[0], bankEntry.shape[1]
	keys := NewTensor(batch, srcLen, a.modelSize)
	values := NewTensor(batch, srcLen, a.modelSize)
	for b := 0; b < batch; b++ {
		k := MatMulWithConfig(bankEntry.Batch(b), a.wk, a.compute)
		v := MatMulWithConfig(bankEntry.Batch(b), a.wv, a.compute)
		copy(keys.data[b*srcLen*a.modelSize:], k.data)
		copy(values.data[b*srcLen*a.modelSize:], v.data)
	}
	return &CrossKV{keys: keys, values: values, srcLen: srcLen}
}

// attendBuffered attends a length-1 query against kLen buffered projections.
func (a *MultiHeadAttention) attendBuffered(query, keys, values *Tensor, kLen int, mask *Mask) (*Tensor, *Tensor) {
	batch := query.shape[0]
	out := NewTensor(batch, 1, a.modelSize)
	coverage := NewTensor(batch, 1, kLen)

	for b := 0; b < batch; b++ {
		q := MatMulWithConfig(query.Batch(b), a.wq, a.compute)

		k := a.bufferedSlice(keys, b, kLen)
		v := a.bufferedSlice(values, b, kLen)

		context := NewTensor(1, a.modelSize)
		for h := 0; h < a.numHeads; h++ {
			qh := a.extractHead(q, h)
			kh := a.extractHead(k, h)
			vh := a.extractHead(v, h)

			weights := a.headWeights(qh, kh, mask, b)
			for j := 0; j < kLen; j++ {
				coverage.data[b*kLen+j] += weights.data[j] / float64(a.numHeads)
			}

			ctx := MatMulWithConfig(weights, vh, a.compute)
			a.placeHead(context, ctx, h)
		}

		outB := MatMulWithConfig(context, a.wo, a.compute)
		copy(out.data[b*a.modelSize:], outB.data)
	}
	return out, coverage
}

// bufferedSlice copies the first kLen positions of batch b from a
// (batch, maxLen, dim) buffer into a (kLen, dim) tensor.
func (a *MultiHeadAttention) bufferedSlice(buf *Tensor, b, kLen int) *Tensor {
	maxLen := buf.shape[1]
	out := NewTensor(kLen, a.modelSize)
	copy(out.data, buf.data[b*maxLen*a.modelSize:b*maxLen*a.modelSize+kLen*a.modelSize])
	return out
}

// Backward propagates through a cached full-mode forward, accumulating
// projection gradients and returning gradients for the query and key/value
// inputs. For self-attention the caller adds the two.
func (a *MultiHeadAttention) Backward(gradOut *Tensor, cache *AttnCache) (gradQuery, gradKV *Tensor) {
	batch, qLen := cache.query.shape[0], cache.query.shape[1]
	kLen := cache.kv.shape[1]

	gradQuery = NewTensor(cache.query.shape...)
	gradKV = NewTensor(cache.kv.shape...)

	for b := 0; b < batch; b++ {
		bc := cache.perBatch[b]

		// Output projection: outB = context @ wo
		gradOutB := gradOut.Batch(b).Clone()
		gradContext, gradWo := MatMulBackwardWithConfig(bc.context, a.wo, gradOutB, a.compute)
		a.wo.AccumulateGrad(gradWo)

		gradQ := NewTensor(qLen, a.modelSize)
		gradK := NewTensor(kLen, a.modelSize)
		gradV := NewTensor(kLen, a.modelSize)

		for h := 0; h < a.numHeads; h++ {
			kh := a.extractHead(bc.k, h)
			vh := a.extractHead(bc.v, h)
			qh := a.extractHead(bc.q, h)
			gradCtxHead := a.extractHead(gradContext, h)

			weights := bc.weights[h]
			attended := weights
			if bc.dropMasks[h] != nil {
				attended = Mul(weights, bc.dropMasks[h])
			}

			// context = attended @ vh
			gradAttended, gradVh := MatMulBackwardWithConfig(attended, vh, gradCtxHead, a.compute)
			if bc.dropMasks[h] != nil {
				gradAttended = Mul(gradAttended, bc.dropMasks[h])
			}

			// softmax
			gradScores := SoftmaxBackward(weights, gradAttended)
			gradScores = ScaleBackward(1.0/math.Sqrt(float64(a.headSize)), gradScores)

			// scores = qh @ kh^T
			gradQh, gradKhT := MatMulBackwardWithConfig(qh, Transpose(kh), gradScores, a.compute)
			gradKh := Transpose(gradKhT)

			a.placeHead(gradQ, gradQh, h)
			a.placeHead(gradK, gradKh, h)
			a.placeHead(gradV, gradVh, h)
		}

		// Projections: q = x @ wq etc.
		gradQIn, gradWq := MatMulBackwardWithConfig(cache.query.Batch(b), a.wq, gradQ, a.compute)
		a.wq.AccumulateGrad(gradWq)
		AddInPlace(gradQuery.Batch(b), gradQIn)

		gradKIn, gradWk := MatMulBackwardWithConfig(cache.kv.Batch(b), a.wk, gradK, a.compute)
		a.wk.AccumulateGrad(gradWk)
		AddInPlace(gradKV.Batch(b), gradKIn)

		gradVIn, gradWv := MatMulBackwardWithConfig(cache.kv.Batch(b), a.wv, gradV, a.compute)
		a.wv.AccumulateGrad(gradWv)
		AddInPlace(gradKV.Batch(b), gradVIn)
	}

	return gradQuery, gradKV
}

// extractHead copies head h's columns of a (len, modelSize) matrix into a
// (len, headSize) matrix.
func (a *MultiHeadAttention) extractHead(x *Tensor, h int) *Tensor {
	length := x.shape[0]
	out := NewTensor(length, a.headSize)
	for i := 0; i < length; i++ {
		copy(out.data[i*a.headSize:(i+1)*a.headSize],
			x.data[i*a.modelSize+h*a.headSize:i*a.modelSize+(h+1)*a.headSize])
	}
	return out
}

// placeHead adds a (len, headSize) matrix into head h's columns of a
// (len, modelSize) matrix.
func (a *MultiHeadAttention) placeHead(dst, src *Tensor, h int) {
	length := src.shape[0]
	for i := 0; i < length; i++ {
		for d := 0; d < a.headSize; d++ {
			dst.data[i*a.modelSize+h*a.headSize+d] += src.data[i*a.headSize+d]
		}
	}
}

func (a *MultiHeadAttention) checkInputs(query, kv *Tensor, mask *Mask) {
	if len(query.shape) != 3 || query.shape[2] != a.modelSize {
		panic(fmt.Sprintf("attention: query shape %v does not match dim %d", query.shape, a.modelSize))
	}
	if len(kv.shape) != 3 || kv.shape[2] != a.modelSize {
		panic(fmt.Sprintf("attention: key/value shape %v does not match dim %d", kv.shape, a.modelSize))
	}
	if query.shape[0] != kv.shape[0] {
		panic(fmt.Sprintf("attention: batch mismatch %d vs %d", query.shape[0], kv.shape[0]))
	}
	if mask != nil {
		ms := mask.Shape()
		if ms[0] != query.shape[0] || ms[1] != query.shape[1] || ms[2] != kv.shape[1] {
			panic(fmt.Sprintf("attention: mask shape %v does not cover (%d,%d,%d)", ms, query.shape[0], query.shape[1], kv.shape[1]))
		}
	}
}
