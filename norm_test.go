package main

import (
	"math"
	"math/rand"
	"testing"
)

func TestLayerNormVariantsAgree(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	x := NewTensorRand(rng, 2.0, 5, 16)

	fast := NewLayerNorm(16, NormFast).Forward(x)
	slow := NewLayerNorm(16, NormSlow).Forward(x)

	for i := range fast.data {
		if math.Abs(fast.data[i]-slow.data[i]) > 1e-9 {
			t.Fatalf("variants disagree at %d: fast %v, slow %v", i, fast.data[i], slow.data[i])
		}
	}
}

func TestLayerNormNormalizesRows(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	x := NewTensorRand(rng, 3.0, 4, 32)
	y := NewLayerNorm(32, NormSlow).Forward(x)

	for r := 0; r < 4; r++ {
		mean, sq := 0.0, 0.0
		for c := 0; c < 32; c++ {
			mean += y.At(r, c)
		}
		mean /= 32
		for c := 0; c < 32; c++ {
			d := y.At(r, c) - mean
			sq += d * d
		}
		variance := sq / 32

		if math.Abs(mean) > 1e-9 {
			t.Fatalf("row %d mean = %v, want ~0", r, mean)
		}
		if math.Abs(variance-1.0) > 1e-3 {
			t.Fatalf("row %d variance = %v, want ~1", r, variance)
		}
	}
}

func TestLayerNormUnknownVariantPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("NewLayerNorm with unknown variant did not panic")
		}
	}()
	NewLayerNorm(8, "rms")
}

func TestLayerNormCopyParamsFrom(t *testing.T) {
	src := NewLayerNorm(4, NormFast)
	for i := range src.gamma.data {
		src.gamma.data[i] = float64(i) + 0.5
		src.beta.data[i] = -float64(i)
	}

	dst := NewLayerNorm(4, NormFast)
	dst.CopyParamsFrom(src)

	for i := 0; i < 4; i++ {
		if dst.gamma.data[i] != src.gamma.data[i] || dst.beta.data[i] != src.beta.data[i] {
			t.Fatalf("param copy differs at %d", i)
		}
	}

	// The copy must be by value, not aliasing.
	src.gamma.data[0] = 99
	if dst.gamma.data[0] == 99 {
		t.Fatal("CopyParamsFrom aliased the source tensor")
	}
}

// TestLayerNormBackwardNumerical checks the analytic input gradient against
// central finite differences of a weighted-sum loss.
func TestLayerNormBackwardNumerical(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	ln := NewLayerNorm(6, NormSlow)
	x := NewTensorRand(rng, 1.0, 2, 6)
	weights := NewTensorRand(rng, 1.0, 2, 6)

	loss := func() float64 {
		y := ln.Forward(x)
		s := 0.0
		for i := range y.data {
			s += y.data[i] * weights.data[i]
		}
		return s
	}

	gradX := ln.Backward(x, weights)

	const eps = 1e-6
	for i := range x.data {
		orig := x.data[i]
		x.data[i] = orig + eps
		up := loss()
		x.data[i] = orig - eps
		down := loss()
		x.data[i] = orig

		numeric := (up - down) / (2 * eps)
		if math.Abs(numeric-gradX.data[i]) > 1e-4 {
			t.Fatalf("gradX[%d] = %v, numeric %v", i, gradX.data[i], numeric)
		}
	}
}
