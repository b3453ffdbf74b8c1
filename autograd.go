package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Hand-written backward operations. Each forward op used by the model has a
// matching gradient function here; the composite backward passes for whole
// sub-layers live next to their forward passes (attention.go, ffn.go,
// norm.go, process.go).
//
// THE CHAIN RULE, ONCE:
//
//   Forward:  C = A @ B
//   Backward: gradA = gradC @ B^T
//             gradB = A^T @ gradC
//
// Every function below is a specialization of that pattern for one op.
// A backward pass costs roughly 2x the forward pass: one matmul forward
// becomes two matmuls backward.
//
// ===========================================================================

import (
	"math"
)

// MatMulBackward computes gradients for C = A @ B.
//
//	gradA = gradC @ B^T
//	gradB = A^T @ gradC
func MatMulBackward(a, b, gradC *Tensor) (gradA, gradB *Tensor) {
	return MatMulBackwardWithConfig(a, b, gradC, DefaultComputeConfig())
}

// MatMulBackwardWithConfig is MatMulBackward on an explicit kernel config.
func MatMulBackwardWithConfig(a, b, gradC *Tensor, cfg ComputeConfig) (gradA, gradB *Tensor) {
	gradA = MatMulWithConfig(gradC, Transpose(b), cfg)
	gradB = MatMulWithConfig(Transpose(a), gradC, cfg)
	return gradA, gradB
}

// ScaleBackward computes the gradient for Y = scalar * X.
func ScaleBackward(scalar float64, gradY *Tensor) *Tensor {
	return Scale(gradY, scalar)
}

// GELUBackward computes the gradient for the tanh-approximated GELU,
// differentiated analytically against the forward in tensor.go.
func GELUBackward(x, gradY *Tensor) *Tensor {
	gradX := NewTensor(x.shape...)

	const (
		sqrt2OverPi = 0.7978845608028654
		coeff       = 0.044715
	)

	for i := range x.data {
		v := x.data[i]
		inner := sqrt2OverPi * (v + coeff*v*v*v)
		tanhInner := math.Tanh(inner)

		tanhDeriv := 1.0 - tanhInner*tanhInner
		innerDeriv := sqrt2OverPi * (1.0 + 3.0*coeff*v*v)
		geluDeriv := 0.5*(1.0+tanhInner) + 0.5*v*tanhDeriv*innerDeriv

		gradX.data[i] = gradY.data[i] * geluDeriv
	}
	return gradX
}

// SoftmaxBackward computes the gradient for Y = softmax(X), row-wise.
//
// Using the Jacobian identity:
//
//	gradX[i] = Y[i] * (gradY[i] - sum_j gradY[j] * Y[j])
func SoftmaxBackward(y, gradY *Tensor) *Tensor {
	if len(y.shape) != 2 {
		panic("SoftmaxBackward: requires 2D tensor")
	}

	rows, cols := y.shape[0], y.shape[1]
	gradX := NewTensor(y.shape...)

	for r := 0; r < rows; r++ {
		dot := 0.0
		for c := 0; c < cols; c++ {
			dot += gradY.data[r*cols+c] * y.data[r*cols+c]
		}
		for c := 0; c < cols; c++ {
			gradX.data[r*cols+c] = y.data[r*cols+c] * (gradY.data[r*cols+c] - dot)
		}
	}
	return gradX
}

// AccumulateGrad adds grad's values into t's gradient buffer.
// Used wherever a tensor feeds multiple consumers in the forward pass.
func (t *Tensor) AccumulateGrad(grad *Tensor) {
	if !shapeEqual(t.shape, grad.shape) {
		panic("AccumulateGrad: shape mismatch")
	}
	for i := range t.grad {
		t.grad[i] += grad.data[i]
	}
}
