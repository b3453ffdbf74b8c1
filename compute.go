package main

import (
	"fmt"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Matrix kernel selection. Every matmul in the model funnels through
// MatMulWithConfig, and the ComputeConfig decides which kernel runs:
//
//   KernelGonum - gonum/mat (BLAS-backed). The default. An order of
//                 magnitude faster than anything we could hand-roll here,
//                 and deterministic for a fixed input.
//   KernelNaive - triple loop, optionally row-parallel across a worker
//                 pool. Kept as the reference implementation: when a
//                 gradient check disagrees with expectations, run both
//                 kernels and diff.
//
// The config travels inside Config and is passed by value to the components
// that multiply matrices. There is deliberately no package-level mutable
// kernel switch: two models in one process can run different kernels.
//
// ===========================================================================

// Kernel identifiers.
const (
	KernelGonum = "gonum"
	KernelNaive = "naive"
)

// ComputeConfig controls kernel selection and parallelism for tensor ops.
type ComputeConfig struct {
	// Kernel selects the matmul implementation.
	Kernel string

	// NumWorkers is the worker count for the naive parallel path.
	// 0 means runtime.NumCPU().
	NumWorkers int

	// MinParallelSize is the smallest output element count worth
	// fanning out to workers. Below it the naive path stays serial.
	MinParallelSize int
}

// DefaultComputeConfig returns the BLAS-backed configuration.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		Kernel:          KernelGonum,
		NumWorkers:      0,
		MinParallelSize: 64 * 64,
	}
}

// ReferenceComputeConfig returns the single-threaded naive configuration.
// Useful when bisecting a numerical discrepancy.
func ReferenceComputeConfig() ComputeConfig {
	return ComputeConfig{
		Kernel:          KernelNaive,
		NumWorkers:      1,
		MinParallelSize: 1 << 62,
	}
}

func (c ComputeConfig) numWorkers() int {
	if c.NumWorkers <= 0 {
		return runtime.NumCPU()
	}
	return c.NumWorkers
}

// MatMul multiplies 2D matrices with the default kernel: C = A @ B.
// A is (M, K), B is (K, N), C is (M, N).
func MatMul(a, b *Tensor) *Tensor {
	return MatMulWithConfig(a, b, DefaultComputeConfig())
}

// MatMulWithConfig multiplies 2D matrices with the configured kernel.
func MatMulWithConfig(a, b *Tensor, cfg ComputeConfig) *Tensor {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic(fmt.Sprintf("compute: MatMul requires 2D tensors, got %v and %v", a.shape, b.shape))
	}
	if a.shape[1] != b.shape[0] {
		panic(fmt.Sprintf("compute: MatMul shape mismatch (%d,%d) @ (%d,%d)", a.shape[0], a.shape[1], b.shape[0], b.shape[1]))
	}

	switch cfg.Kernel {
	case KernelNaive:
		return naiveMatMul(a, b, cfg)
	default:
		return gonumMatMul(a, b)
	}
}

// gonumMatMul wraps the tensors' backing slices in mat.Dense without
// copying the inputs and runs the BLAS path.
func gonumMatMul(a, b *Tensor) *Tensor {
	m, k := a.shape[0], a.shape[1]
	n := b.shape[1]

	am := mat.NewDense(m, k, a.data)
	bm := mat.NewDense(k, n, b.data)

	out := NewTensor(m, n)
	cm := mat.NewDense(m, n, out.data)
	cm.Mul(am, bm)

	return out
}

func naiveMatMul(a, b *Tensor, cfg ComputeConfig) *Tensor {
	m, k := a.shape[0], a.shape[1]
	n := b.shape[1]
	out := NewTensor(m, n)

	workers := cfg.numWorkers()
	if workers <= 1 || m*n < cfg.MinParallelSize {
		matmulRows(a, b, out, 0, m, n, k)
		return out
	}

	rowsPerWorker := (m + workers - 1) / workers
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * rowsPerWorker
		if start >= m {
			break
		}
		end := start + rowsPerWorker
		if end > m {
			end = m
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			matmulRows(a, b, out, start, end, n, k)
		}(start, end)
	}
	wg.Wait()
	return out
}

// matmulRows computes out rows [startRow, endRow) with the i-k-j loop order,
// which walks both B and the output row contiguously.
func matmulRows(a, b, out *Tensor, startRow, endRow, n, k int) {
	for i := startRow; i < endRow; i++ {
		outRow := out.data[i*n : (i+1)*n]
		for kk := 0; kk < k; kk++ {
			av := a.data[i*k+kk]
			if av == 0 {
				continue
			}
			bRow := b.data[kk*n : (kk+1)*n]
			for j := range outRow {
				outRow[j] += av * bRow[j]
			}
		}
	}
}

// ParallelApply maps fn over every element of t, fanning out across the
// configured worker count when the tensor is large enough.
func ParallelApply(t *Tensor, fn func(float64) float64, cfg ComputeConfig) *Tensor {
	out := NewTensor(t.shape...)

	workers := cfg.numWorkers()
	if workers <= 1 || t.Size() < cfg.MinParallelSize {
		for i, v := range t.data {
			out.data[i] = fn(v)
		}
		return out
	}

	chunk := (t.Size() + workers - 1) / workers
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * chunk
		if start >= t.Size() {
			break
		}
		end := start + chunk
		if end > t.Size() {
			end = t.Size()
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				out.data[i] = fn(t.data[i])
			}
		}(start, end)
	}
	wg.Wait()
	return out
}
