package main

import (
	"math"
	"math/rand"
	"testing"
)

func TestEmbeddingPadRowStaysZero(t *testing.T) {
	emb := NewEmbedding(16, 8, 0, 0, rand.New(rand.NewSource(1)))

	for d := 0; d < 8; d++ {
		if emb.Weights().At(0, d) != 0 {
			t.Fatal("PAD row not zeroed at construction")
		}
	}

	out, cache := emb.ForwardWithCache([][]int{{5, 0, 7}}, rand.New(rand.NewSource(2)))
	grad := NewTensor(1, 3, 8)
	for i := range grad.data {
		grad.data[i] = 1
	}
	emb.Backward(grad, cache)

	for d := 0; d < 8; d++ {
		if emb.Weights().GradAt(0, d) != 0 {
			t.Fatal("PAD row received gradient")
		}
		if out.At(0, 1, d) != 0 {
			t.Fatal("PAD position produced a nonzero vector")
		}
	}
	for d := 0; d < 8; d++ {
		if g := emb.Weights().GradAt(5, d); g != 1 {
			t.Fatalf("real token row gradient = %v, want 1", g)
		}
	}
}

func TestEmbeddingRejectsOutOfRangeID(t *testing.T) {
	emb := NewEmbedding(16, 8, 0, 0, rand.New(rand.NewSource(1)))
	defer func() {
		if recover() == nil {
			t.Fatal("out-of-range id did not panic")
		}
	}()
	emb.Forward([][]int{{16}})
}

func TestEmbeddingWordDropoutNeverDropsPad(t *testing.T) {
	emb := NewEmbedding(16, 4, 0, 0.9, rand.New(rand.NewSource(1)))
	rng := rand.New(rand.NewSource(2))

	// PAD keeps scale 1 no matter how aggressive the dropout, while real
	// tokens are either zeroed or scaled up by 1/(1-p).
	_, cache := emb.ForwardWithCache([][]int{{0, 5, 0, 7}}, rng)
	for i, id := range []int{0, 5, 0, 7} {
		keep := cache.keep[0][i]
		if id == 0 {
			if keep != 1 {
				t.Fatalf("PAD keep scale = %v", keep)
			}
			continue
		}
		if keep != 0 && math.Abs(keep-10.0) > 1e-12 {
			t.Fatalf("real token keep scale = %v, want 0 or 10", keep)
		}
	}
}

func TestEmbeddingInferenceIgnoresWordDropout(t *testing.T) {
	emb := NewEmbedding(16, 4, 0, 0.9, rand.New(rand.NewSource(1)))

	a := emb.Forward([][]int{{5, 7}})
	b := emb.Forward([][]int{{5, 7}})
	for i := range a.data {
		if a.data[i] != b.data[i] {
			t.Fatal("inference lookup is not deterministic")
		}
	}
	for d := 0; d < 4; d++ {
		if a.At(0, 0, d) != emb.Weights().At(5, d) {
			t.Fatal("inference lookup does not return raw table rows")
		}
	}
}
