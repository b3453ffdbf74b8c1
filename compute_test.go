package main

import (
	"math"
	"math/rand"
	"testing"
)

func TestKernelsAgree(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	a := NewTensorRand(rng, 1.0, 17, 23)
	b := NewTensorRand(rng, 1.0, 23, 11)

	fast := MatMulWithConfig(a, b, DefaultComputeConfig())
	ref := MatMulWithConfig(a, b, ReferenceComputeConfig())

	for i := range fast.data {
		if math.Abs(fast.data[i]-ref.data[i]) > 1e-9 {
			t.Fatalf("kernel mismatch at %d: gonum %v vs naive %v", i, fast.data[i], ref.data[i])
		}
	}
}

func TestMatMulKnownProduct(t *testing.T) {
	a := NewTensor(2, 2)
	b := NewTensor(2, 2)
	copy(a.data, []float64{1, 2, 3, 4})
	copy(b.data, []float64{5, 6, 7, 8})

	c := MatMul(a, b)
	want := []float64{19, 22, 43, 50}
	for i := range want {
		if c.data[i] != want[i] {
			t.Fatalf("MatMul[%d] = %v, want %v", i, c.data[i], want[i])
		}
	}
}

func TestMatMulPanicsOnInnerMismatch(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("MatMul with mismatched inner dims did not panic")
		}
	}()
	MatMul(NewTensor(2, 3), NewTensor(4, 2))
}

// TestMatMulBackwardNumerical checks the analytic matmul gradients against
// central finite differences of a scalar loss (the sum of all outputs).
func TestMatMulBackwardNumerical(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	a := NewTensorRand(rng, 1.0, 3, 4)
	b := NewTensorRand(rng, 1.0, 4, 2)

	// d(sum(AB))/dC is all ones.
	gradC := NewTensor(3, 2)
	for i := range gradC.data {
		gradC.data[i] = 1
	}
	gradA, gradB := MatMulBackward(a, b, gradC)

	const eps = 1e-6
	sum := func() float64 {
		c := MatMul(a, b)
		s := 0.0
		for _, v := range c.data {
			s += v
		}
		return s
	}

	for i := range a.data {
		orig := a.data[i]
		a.data[i] = orig + eps
		up := sum()
		a.data[i] = orig - eps
		down := sum()
		a.data[i] = orig

		numeric := (up - down) / (2 * eps)
		if math.Abs(numeric-gradA.data[i]) > 1e-4 {
			t.Fatalf("gradA[%d] = %v, numeric %v", i, gradA.data[i], numeric)
		}
	}
	for i := range b.data {
		orig := b.data[i]
		b.data[i] = orig + eps
		up := sum()
		b.data[i] = orig - eps
		down := sum()
		b.data[i] = orig

		numeric := (up - down) / (2 * eps)
		if math.Abs(numeric-gradB.data[i]) > 1e-4 {
			t.Fatalf("gradB[%d] = %v, numeric %v", i, gradB.data[i], numeric)
		}
	}
}

// TestParallelApplyMatchesSerial drives the worker fan-out path on a tensor
// large enough to trigger it and expects the exact serial result.
func TestParallelApplyMatchesSerial(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	x := NewTensorRand(rng, 1.0, 128, 128)

	cfg := ComputeConfig{Kernel: KernelNaive, NumWorkers: 4, MinParallelSize: 1024}
	got := ParallelApply(x, gelu, cfg)
	want := GELU(x)

	for i := range want.data {
		if got.data[i] != want.data[i] {
			t.Fatalf("parallel apply differs at %d: %v vs %v", i, got.data[i], want.data[i])
		}
	}
}

func TestParallelApplySmallTensorStaysSerial(t *testing.T) {
	x := NewTensorRand(rand.New(rand.NewSource(9)), 1.0, 2, 3)
	cfg := ComputeConfig{Kernel: KernelNaive, NumWorkers: 8, MinParallelSize: 1024}

	got := ParallelApply(x, func(v float64) float64 { return v * 2 }, cfg)
	for i := range x.data {
		if got.data[i] != x.data[i]*2 {
			t.Fatalf("apply result differs at %d", i)
		}
	}
}
