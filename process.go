package main

import (
	"fmt"
	"math/rand"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Pre/post processing units: the structural glue of the residual stream.
// Every sub-layer (attention, feed-forward) is wrapped by two of these:
//
//	preprocessed  = pre.Forward(x)            // typically "n" (normalize)
//	subOut        = sublayer(preprocessed)
//	x             = post.Forward(subOut, x)   // typically "da" (dropout, add)
//
// The operation order is written as a short sequence string ("n", "da",
// "d"), parsed exactly once at construction into a closed set of tagged
// ops. Nothing re-interprets the string per call.
//
// Dropout draws its mask from the *rand.Rand handed into Forward. The
// recomputation machinery in checkpoint.go replays a layer's forward pass
// with a reseeded generator, so the same masks fall out and the recomputed
// activations are bit-identical to the discarded originals.
//
// ===========================================================================

// ProcessOp identifies one operation in a processing sequence.
type ProcessOp int

const (
	OpDropout ProcessOp = iota
	OpNormalize
	OpResidualAdd
)

// ProcessUnit applies a fixed ordered sequence of operations drawn from
// {dropout, normalize, residual-add} around a sub-layer.
type ProcessUnit struct {
	ops     []ProcessOp
	norm    *LayerNorm // allocated only when the sequence contains "n"
	dropout float64
}

// ProcessCache stores per-op forward activations for the backward pass.
type ProcessCache struct {
	inputs []*Tensor // input seen by each op
	masks  []*Tensor // inverted dropout mask per op, nil when inactive
}

// NewProcessUnit parses a sequence string ("d" dropout, "n" normalize,
// "a" residual-add) into a processing unit. The sequence vocabulary is
// closed; any other character is a programming error and panics.
func NewProcessUnit(sequence string, dim int, dropout float64, normVariant string) *ProcessUnit {
	u := &ProcessUnit{dropout: dropout}
	for _, ch := range sequence {
		switch ch {
		case 'd':
			u.ops = append(u.ops, OpDropout)
		case 'n':
			u.ops = append(u.ops, OpNormalize)
			if u.norm == nil {
				u.norm = NewLayerNorm(dim, normVariant)
			}
		case 'a':
			u.ops = append(u.ops, OpResidualAdd)
		default:
			panic(fmt.Sprintf("process: unknown op %q in sequence %q", ch, sequence))
		}
	}
	return u
}

// Norm exposes the unit's normalization, or nil if the sequence has none.
// The growth splice reads the old final unit's norm through this.
func (u *ProcessUnit) Norm() *LayerNorm {
	return u.norm
}

// Params returns the trainable parameters of the unit.
func (u *ProcessUnit) Params() []*Tensor {
	if u.norm == nil {
		return nil
	}
	return u.norm.Params()
}

// Forward applies the op sequence in inference mode (no dropout, no cache).
// residual may be nil when the sequence contains no residual-add.
func (u *ProcessUnit) Forward(x, residual *Tensor) *Tensor {
	out, _ := u.forward(x, residual, nil, false, false)
	return out
}

// ForwardWithCache applies the op sequence in training mode, recording the
// activations and dropout masks needed by Backward.
func (u *ProcessUnit) ForwardWithCache(x, residual *Tensor, rng *rand.Rand) (*Tensor, *ProcessCache) {
	return u.forward(x, residual, rng, true, true)
}

func (u *ProcessUnit) forward(x, residual *Tensor, rng *rand.Rand, training, withCache bool) (*Tensor, *ProcessCache) {
	var cache *ProcessCache
	if withCache {
		cache = &ProcessCache{
			inputs: make([]*Tensor, len(u.ops)),
			masks:  make([]*Tensor, len(u.ops)),
		}
	}

	for i, op := range u.ops {
		switch op {
		case OpDropout:
			if !training || u.dropout == 0 {
				break
			}
			mask := NewTensor(x.shape...)
			keep := 1.0 - u.dropout
			for j := range mask.data {
				if rng.Float64() < keep {
					mask.data[j] = 1.0 / keep
				}
			}
			x = Mul(x, mask)
			if withCache {
				cache.masks[i] = mask
			}
		case OpNormalize:
			if withCache {
				cache.inputs[i] = x
			}
			x = u.norm.Forward(x)
		case OpResidualAdd:
			if residual == nil {
				panic("process: residual-add without a residual input")
			}
			x = Add(x, residual)
		}
	}
	return x, cache
}

// Backward walks the op sequence in reverse, returning the gradient of the
// unit's main input and, when the sequence contains a residual-add, the
// gradient flowing to the residual input (nil otherwise).
func (u *ProcessUnit) Backward(gradOut *Tensor, cache *ProcessCache) (gradX, gradResidual *Tensor) {
	grad := gradOut
	for i := len(u.ops) - 1; i >= 0; i-- {
		switch u.ops[i] {
		case OpDropout:
			if cache.masks[i] != nil {
				grad = Mul(grad, cache.masks[i])
			}
		case OpNormalize:
			grad = u.norm.Backward(cache.inputs[i], grad)
		case OpResidualAdd:
			if gradResidual == nil {
				gradResidual = grad.Clone()
			} else {
				AddInPlace(gradResidual, grad)
			}
		}
	}
	return grad, gradResidual
}
