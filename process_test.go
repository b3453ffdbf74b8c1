package main

import (
	"math"
	"math/rand"
	"testing"
)

func TestProcessUnitUnknownOpPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("NewProcessUnit with unknown op did not panic")
		}
	}()
	NewProcessUnit("dx", 8, 0.1, NormFast)
}

func TestProcessUnitNormalizeMatchesLayerNorm(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	x := NewTensorRand(rng, 1.0, 3, 8)

	unit := NewProcessUnit("n", 8, 0, NormFast)
	want := unit.Norm().Forward(x)
	got := unit.Forward(x, nil)

	for i := range want.data {
		if got.data[i] != want.data[i] {
			t.Fatalf("unit output differs from its norm at %d", i)
		}
	}
}

func TestProcessUnitResidualAdd(t *testing.T) {
	x := NewTensor(2, 4)
	res := NewTensor(2, 4)
	for i := range x.data {
		x.data[i] = float64(i)
		res.data[i] = 10
	}

	// Dropout at probability zero must be the identity, leaving x + residual.
	out := NewProcessUnit("da", 4, 0, NormFast).Forward(x, res)
	for i := range out.data {
		if out.data[i] != float64(i)+10 {
			t.Fatalf("out[%d] = %v, want %v", i, out.data[i], float64(i)+10)
		}
	}
}

func TestProcessUnitResidualAddWithoutResidualPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("residual-add without residual did not panic")
		}
	}()
	NewProcessUnit("a", 4, 0, NormFast).Forward(NewTensor(1, 4), nil)
}

func TestProcessUnitDropoutDeterministicPerSeed(t *testing.T) {
	x := NewTensor(4, 8)
	for i := range x.data {
		x.data[i] = 1
	}
	unit := NewProcessUnit("d", 8, 0.5, NormFast)

	a, _ := unit.ForwardWithCache(x, nil, rand.New(rand.NewSource(11)))
	b, _ := unit.ForwardWithCache(x, nil, rand.New(rand.NewSource(11)))
	c, _ := unit.ForwardWithCache(x, nil, rand.New(rand.NewSource(12)))

	same, diff := true, false
	for i := range a.data {
		if a.data[i] != b.data[i] {
			same = false
		}
		if a.data[i] != c.data[i] {
			diff = true
		}
	}
	if !same {
		t.Fatal("same seed produced different dropout masks")
	}
	if !diff {
		t.Fatal("different seeds produced identical dropout masks")
	}
}

func TestProcessUnitDropoutPreservesExpectation(t *testing.T) {
	x := NewTensor(64, 64)
	for i := range x.data {
		x.data[i] = 1
	}
	unit := NewProcessUnit("d", 64, 0.3, NormFast)
	out, _ := unit.ForwardWithCache(x, nil, rand.New(rand.NewSource(21)))

	mean := 0.0
	for _, v := range out.data {
		mean += v
	}
	mean /= float64(len(out.data))
	if math.Abs(mean-1.0) > 0.05 {
		t.Fatalf("inverted dropout mean = %v, want ~1", mean)
	}
}

func TestProcessUnitBackwardRoutesResidual(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	x := NewTensorRand(rng, 1.0, 2, 4)
	res := NewTensorRand(rng, 1.0, 2, 4)

	unit := NewProcessUnit("da", 4, 0, NormFast)
	_, cache := unit.ForwardWithCache(x, res, rng)

	gradOut := NewTensor(2, 4)
	for i := range gradOut.data {
		gradOut.data[i] = float64(i + 1)
	}
	gradX, gradResidual := unit.Backward(gradOut, cache)

	// With dropout inactive both paths pass the gradient through unchanged.
	for i := range gradOut.data {
		if gradX.data[i] != gradOut.data[i] {
			t.Fatalf("gradX[%d] = %v, want %v", i, gradX.data[i], gradOut.data[i])
		}
		if gradResidual.data[i] != gradOut.data[i] {
			t.Fatalf("gradResidual[%d] = %v, want %v", i, gradResidual.data[i], gradOut.data[i])
		}
	}
}
