package main

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestReshapeSharesData(t *testing.T) {
	x := NewTensor(2, 3, 4)
	x.Set(7.5, 1, 2, 3)

	v := x.Reshape(6, 4)
	if got := v.At(5, 3); got != 7.5 {
		t.Fatalf("reshaped view At(5,3) = %v, want 7.5", got)
	}

	v.Set(-1.0, 0, 0)
	if got := x.At(0, 0, 0); got != -1.0 {
		t.Fatalf("write through view did not reach parent: got %v", got)
	}
}

func TestReshapePanicsOnSizeMismatch(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Reshape to a different element count did not panic")
		}
	}()
	NewTensor(2, 3).Reshape(4, 2)
}

func TestBatchView(t *testing.T) {
	x := NewTensor(2, 3, 4)
	x.Set(2.5, 1, 0, 1)

	b := x.Batch(1)
	if got := b.Shape(); !cmp.Equal(got, []int{3, 4}) {
		t.Fatalf("Batch(1) shape = %v, want [3 4]", got)
	}
	if got := b.At(0, 1); got != 2.5 {
		t.Fatalf("Batch(1).At(0,1) = %v, want 2.5", got)
	}
}

func TestStackCopiesDataAndGrad(t *testing.T) {
	a := NewTensor(2, 2)
	b := NewTensor(2, 2)
	a.data[0] = 1
	b.data[3] = 2
	a.grad[1] = 0.5

	s := Stack([]*Tensor{a, b})
	if got := s.Shape(); !cmp.Equal(got, []int{2, 2, 2}) {
		t.Fatalf("Stack shape = %v, want [2 2 2]", got)
	}
	if s.At(0, 0, 0) != 1 || s.At(1, 1, 1) != 2 {
		t.Fatal("stacked data does not match inputs")
	}
	if s.grad[1] != 0.5 {
		t.Fatal("stacked grad does not match inputs")
	}
}

func TestTranspose(t *testing.T) {
	x := NewTensor(2, 3)
	for i := range x.data {
		x.data[i] = float64(i)
	}
	y := Transpose(x)
	if got := y.Shape(); !cmp.Equal(got, []int{3, 2}) {
		t.Fatalf("Transpose shape = %v, want [3 2]", got)
	}
	for i := 0; i < 2; i++ {
		for j := 0; j < 3; j++ {
			if x.At(i, j) != y.At(j, i) {
				t.Fatalf("Transpose mismatch at (%d,%d)", i, j)
			}
		}
	}
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	x := NewTensorRand(rng, 3.0, 4, 7)
	y := Softmax(x)
	for i := 0; i < 4; i++ {
		sum := 0.0
		for j := 0; j < 7; j++ {
			v := y.At(i, j)
			if v < 0 {
				t.Fatalf("softmax produced negative value %v", v)
			}
			sum += v
		}
		if math.Abs(sum-1.0) > 1e-12 {
			t.Fatalf("softmax row %d sums to %v", i, sum)
		}
	}
}

func TestSoftmaxLargeValuesStable(t *testing.T) {
	x := NewTensor(1, 3)
	x.data[0], x.data[1], x.data[2] = 1000, 1001, 1002
	y := Softmax(x)
	for _, v := range y.data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("softmax overflowed: %v", y.data)
		}
	}
}

func TestGELUKnownValues(t *testing.T) {
	x := NewTensor(3)
	x.data[0], x.data[1], x.data[2] = 0, 100, -100
	y := GELU(x)
	if y.data[0] != 0 {
		t.Fatalf("GELU(0) = %v, want 0", y.data[0])
	}
	if math.Abs(y.data[1]-100) > 1e-9 {
		t.Fatalf("GELU(100) = %v, want ~100", y.data[1])
	}
	if math.Abs(y.data[2]) > 1e-9 {
		t.Fatalf("GELU(-100) = %v, want ~0", y.data[2])
	}
}

func TestCloneIsIndependent(t *testing.T) {
	x := NewTensor(2, 2)
	x.data[0] = 1
	y := x.Clone()
	y.data[0] = 9
	if x.data[0] != 1 {
		t.Fatal("Clone shares data with original")
	}
}
