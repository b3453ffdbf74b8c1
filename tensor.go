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
// Minimal float64 tensor with a gradient buffer, stored row-major. Every
// activation and every parameter in the model is one of these. The backward
// passes in this repository are written by hand, so the tensor deliberately
// stays dumb: no computation graph, no tape, just data + grad and a handful
// of operations. What PyTorch's autograd does implicitly, the *Backward
// functions in autograd.go and the *WithCache forward variants do explicitly.
//
// Shape errors are programmer bugs, not runtime conditions, so shape checks
// panic rather than return errors. Configuration-level validation lives in
// config.go and happens before any tensor exists.
//
// Views: Batch() and Entry() return tensors that share the underlying data
// and grad slices. Mutating a view mutates the parent. This is how a decoder
// layer reads "its" memory-bank entry without copying, and how gradients
// written into a bank entry land in the full bank tensor.
//
// ===========================================================================

// Tensor is a multi-dimensional array of float64 values in row-major order
// with a parallel gradient buffer.
//
// Tensor is not safe for concurrent use. Each stack instance is exclusively
// owned by the single execution context invoking it.
type Tensor struct {
	data  []float64
	shape []int
	grad  []float64
}

// NewTensor creates a zero tensor with the given shape.
// Panics if the shape is empty or contains non-positive dimensions.
func NewTensor(shape ...int) *Tensor {
	if len(shape) == 0 {
		panic("tensor: shape cannot be empty")
	}
	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("tensor: shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}

	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)

	return &Tensor{
		data:  make([]float64, size),
		shape: shapeCopy,
		grad:  make([]float64, size),
	}
}

// NewTensorRand creates a tensor with values drawn from N(0, scale²) using
// the supplied source. Sampling goes through an explicit *rand.Rand so that
// model construction is reproducible from a seed; there is no package-level
// random state anywhere in the model.
func NewTensorRand(rng *rand.Rand, scale float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.data {
		t.data[i] = rng.NormFloat64() * scale
	}
	return t
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int {
	shape := make([]int, len(t.shape))
	copy(shape, t.shape)
	return shape
}

// Dims returns the number of dimensions (rank) of the tensor.
func (t *Tensor) Dims() int {
	return len(t.shape)
}

// Size returns the total number of elements.
func (t *Tensor) Size() int {
	return len(t.data)
}

// At returns the element at the given indices. Panics on invalid indices.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.flatIndex(indices)]
}

// Set sets the element at the given indices. Panics on invalid indices.
func (t *Tensor) Set(value float64, indices ...int) {
	t.data[t.flatIndex(indices)] = value
}

// GradAt returns the gradient element at the given indices.
func (t *Tensor) GradAt(indices ...int) float64 {
	return t.grad[t.flatIndex(indices)]
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.shape), len(indices)))
	}
	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index[%d]=%d out of bounds [0,%d)", i, indices[i], t.shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.shape[i]
	}
	return idx
}

// ZeroGrad clears the gradient buffer. Call before a backward pass.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// Clone creates a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	clone := NewTensor(t.shape...)
	copy(clone.data, t.data)
	copy(clone.grad, t.grad)
	return clone
}

// CopyFrom copies another tensor's values into t. Shapes must match.
// Used by the growth splice, where a new layer's normalization parameters
// must equal the stack's previous final normalization parameters verbatim.
func (t *Tensor) CopyFrom(src *Tensor) {
	if !shapeEqual(t.shape, src.shape) {
		panic(fmt.Sprintf("tensor: cannot copy shape %v into %v", src.shape, t.shape))
	}
	copy(t.data, src.data)
}

// Reshape returns a view with a different shape over the same data and grad.
// The element count must be unchanged.
func (t *Tensor) Reshape(newShape ...int) *Tensor {
	newSize := 1
	for _, dim := range newShape {
		newSize *= dim
	}
	if newSize != len(t.data) {
		panic(fmt.Sprintf("tensor: cannot reshape size %d to %v (size %d)", len(t.data), newShape, newSize))
	}

	shapeCopy := make([]int, len(newShape))
	copy(shapeCopy, newShape)

	return &Tensor{
		data:  t.data,
		shape: shapeCopy,
		grad:  t.grad,
	}
}

// Batch returns a view of one leading-index slice of the tensor: for a
// (batch, len, dim) tensor, Batch(b) is the (len, dim) view of batch b.
// The view shares data and grad with the parent.
func (t *Tensor) Batch(b int) *Tensor {
	if len(t.shape) < 2 {
		panic("tensor: Batch requires rank >= 2")
	}
	if b < 0 || b >= t.shape[0] {
		panic(fmt.Sprintf("tensor: batch index %d out of bounds [0,%d)", b, t.shape[0]))
	}
	inner := 1
	for _, dim := range t.shape[1:] {
		inner *= dim
	}
	shapeCopy := make([]int, len(t.shape)-1)
	copy(shapeCopy, t.shape[1:])
	return &Tensor{
		data:  t.data[b*inner : (b+1)*inner],
		shape: shapeCopy,
		grad:  t.grad[b*inner : (b+1)*inner],
	}
}

// Entry is Batch under the name used for memory-bank access: for a bank of
// shape (layers, batch, len, dim), Entry(i) is layer i's (batch, len, dim)
// view.
func (t *Tensor) Entry(i int) *Tensor {
	return t.Batch(i)
}

// Stack concatenates same-shaped tensors along a new leading dimension.
// Grad buffers are stacked too, so a later backward pass can write into
// Entry(i).grad and read the result from the stacked tensor.
func Stack(tensors []*Tensor) *Tensor {
	if len(tensors) == 0 {
		panic("tensor: cannot stack zero tensors")
	}
	first := tensors[0]
	for i, t := range tensors[1:] {
		if !shapeEqual(first.shape, t.shape) {
			panic(fmt.Sprintf("tensor: stack shape mismatch at %d: %v vs %v", i+1, first.shape, t.shape))
		}
	}

	shape := append([]int{len(tensors)}, first.shape...)
	out := NewTensor(shape...)
	for i, t := range tensors {
		copy(out.data[i*t.Size():], t.data)
		copy(out.grad[i*t.Size():], t.grad)
	}
	return out
}

// String returns a debug representation.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, size=%d)", t.shape, len(t.data))
}

// ===========================================================================
// OPERATIONS
// ===========================================================================

// Add performs element-wise addition: out = a + b.
func Add(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot add shapes %v and %v", a.shape, b.shape))
	}
	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] + b.data[i]
	}
	return out
}

// AddInPlace accumulates b into a: a += b.
func AddInPlace(a, b *Tensor) {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot add shapes %v and %v", a.shape, b.shape))
	}
	for i := range a.data {
		a.data[i] += b.data[i]
	}
}

// Mul performs element-wise multiplication (Hadamard product).
func Mul(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot multiply shapes %v and %v", a.shape, b.shape))
	}
	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] * b.data[i]
	}
	return out
}

// Scale multiplies all elements by a scalar.
func Scale(a *Tensor, scalar float64) *Tensor {
	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] * scalar
	}
	return out
}

// Transpose returns the transpose of a 2D matrix.
func Transpose(a *Tensor) *Tensor {
	if len(a.shape) != 2 {
		panic("tensor: Transpose requires 2D tensor")
	}
	m, n := a.shape[0], a.shape[1]
	out := NewTensor(n, m)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out.data[j*m+i] = a.data[i*n+j]
		}
	}
	return out
}

// ===========================================================================
// ACTIVATIONS
// ===========================================================================

// gelu is the scalar Gaussian Error Linear Unit (tanh approximation).
func gelu(v float64) float64 {
	const (
		sqrt2OverPi = 0.7978845608028654 // sqrt(2/pi)
		coeff       = 0.044715
	)
	inner := sqrt2OverPi * (v + coeff*v*v*v)
	return 0.5 * v * (1.0 + math.Tanh(inner))
}

// GELU applies the activation elementwise. Hot paths that carry a
// ComputeConfig go through ParallelApply with the same scalar instead.
func GELU(x *Tensor) *Tensor {
	out := NewTensor(x.shape...)
	for i := range x.data {
		out.data[i] = gelu(x.data[i])
	}
	return out
}

// Softmax applies a numerically stable row-wise softmax to a 2D tensor.
// Subtracting the row max before exponentiating keeps the masked rows
// (every score -1e9) from producing NaN.
func Softmax(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("tensor: Softmax requires 2D tensor")
	}

	rows, cols := x.shape[0], x.shape[1]
	out := NewTensor(rows, cols)

	for r := 0; r < rows; r++ {
		maxVal := x.data[r*cols]
		for c := 1; c < cols; c++ {
			if v := x.data[r*cols+c]; v > maxVal {
				maxVal = v
			}
		}

		sum := 0.0
		for c := 0; c < cols; c++ {
			e := math.Exp(x.data[r*cols+c] - maxVal)
			out.data[r*cols+c] = e
			sum += e
		}

		for c := 0; c < cols; c++ {
			out.data[r*cols+c] /= sum
		}
	}
	return out
}

// ===========================================================================
// HELPERS
// ===========================================================================

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
