package main

import (
	"fmt"
	"math"
)

// LayerNorm normalizes each row of a (rows, dim) tensor to zero mean and
// unit variance, then applies the learned affine transform:
//
//	y = gamma * (x - mean) / sqrt(variance + eps) + beta
//
// Two variants compute the same statistics differently and are selected
// once at construction:
//
//	NormFast - single pass, variance from E[x²] - mean². Fewer reads,
//	           slightly different rounding.
//	NormSlow - two passes, variance from squared deviations. The reference.
//
// The variant must not change mid-run; both stacks are built from the same
// Config so they always agree.
type LayerNorm struct {
	dim     int
	eps     float64
	variant string

	gamma *Tensor
	beta  *Tensor
}

// NewLayerNorm creates a layer normalization with identity affine params.
func NewLayerNorm(dim int, variant string) *LayerNorm {
	switch variant {
	case NormFast, NormSlow:
	default:
		panic(fmt.Sprintf("norm: unknown variant %q", variant))
	}

	gamma := NewTensor(dim)
	beta := NewTensor(dim)
	for i := 0; i < dim; i++ {
		gamma.data[i] = 1.0
	}

	return &LayerNorm{
		dim:     dim,
		eps:     1e-5,
		variant: variant,
		gamma:   gamma,
		beta:    beta,
	}
}

// CopyParamsFrom copies another norm's affine parameters verbatim.
func (ln *LayerNorm) CopyParamsFrom(src *LayerNorm) {
	ln.gamma.CopyFrom(src.gamma)
	ln.beta.CopyFrom(src.beta)
}

// Params returns the trainable parameters.
func (ln *LayerNorm) Params() []*Tensor {
	return []*Tensor{ln.gamma, ln.beta}
}

// Forward applies layer normalization to a 2D (rows, dim) tensor.
func (ln *LayerNorm) Forward(x *Tensor) *Tensor {
	if len(x.shape) != 2 || x.shape[1] != ln.dim {
		panic(fmt.Sprintf("norm: input shape %v does not match dim %d", x.shape, ln.dim))
	}

	rows := x.shape[0]
	out := NewTensor(rows, ln.dim)

	for r := 0; r < rows; r++ {
		mean, variance := ln.rowStats(x.data[r*ln.dim : (r+1)*ln.dim])
		invStd := 1.0 / math.Sqrt(variance+ln.eps)
		for c := 0; c < ln.dim; c++ {
			normalized := (x.data[r*ln.dim+c] - mean) * invStd
			out.data[r*ln.dim+c] = normalized*ln.gamma.data[c] + ln.beta.data[c]
		}
	}
	return out
}

func (ln *LayerNorm) rowStats(row []float64) (mean, variance float64) {
	n := float64(ln.dim)
	switch ln.variant {
	case NormFast:
		sum, sumSq := 0.0, 0.0
		for _, v := range row {
			sum += v
			sumSq += v * v
		}
		mean = sum / n
		variance = sumSq/n - mean*mean
		if variance < 0 {
			variance = 0
		}
	default: // NormSlow
		sum := 0.0
		for _, v := range row {
			sum += v
		}
		mean = sum / n
		for _, v := range row {
			diff := v - mean
			variance += diff * diff
		}
		variance /= n
	}
	return mean, variance
}

// Backward computes the input gradient and accumulates gamma/beta gradients.
// x is the forward input, gradY the gradient of the forward output.
func (ln *LayerNorm) Backward(x, gradY *Tensor) *Tensor {
	if !shapeEqual(x.shape, gradY.shape) {
		panic("norm: backward shape mismatch")
	}

	rows := x.shape[0]
	gradX := NewTensor(x.shape...)
	n := float64(ln.dim)

	for r := 0; r < rows; r++ {
		row := x.data[r*ln.dim : (r+1)*ln.dim]
		mean, variance := ln.rowStats(row)
		invStd := 1.0 / math.Sqrt(variance+ln.eps)

		sumGrad := 0.0
		sumGradXNorm := 0.0
		for c := 0; c < ln.dim; c++ {
			xNorm := (row[c] - mean) * invStd
			g := gradY.data[r*ln.dim+c]

			ln.gamma.grad[c] += g * xNorm
			ln.beta.grad[c] += g

			gg := g * ln.gamma.data[c]
			sumGrad += gg
			sumGradXNorm += gg * xNorm
		}

		for c := 0; c < ln.dim; c++ {
			xNorm := (row[c] - mean) * invStd
			gg := gradY.data[r*ln.dim+c] * ln.gamma.data[c]
			gradX.data[r*ln.dim+c] = (n*gg - sumGrad - xNorm*sumGradXNorm) * invStd / n
		}
	}
	return gradX
}
