package main

import (
	"fmt"
	"math/rand"
)

// Embedding maps vocabulary ids to dense vectors.
//
// The row at the PAD id is pinned at zero: it is zeroed at construction,
// never receives gradient, and the optimizer therefore never moves it.
// Two stacks may share one Embedding instance (joined embeddings); the
// generator projection may alias the table as well (tied weights).
//
// Word dropout zeroes whole token vectors during training with probability
// p, scaling survivors by 1/(1-p). This is dropout at the token level, not
// the unit level, and regularizes the model against memorizing specific
// tokens in context.
type Embedding struct {
	vocabSize   int
	dim         int
	padID       int
	wordDropout float64

	weights *Tensor // (vocabSize, dim)
}

// EmbedCache stores what Backward needs: the looked-up ids and the
// per-token keep scale applied by word dropout (1 when inactive).
type EmbedCache struct {
	ids  [][]int
	keep [][]float64
}

// NewEmbedding creates an embedding table with small random values and a
// zeroed PAD row.
func NewEmbedding(vocabSize, dim, padID int, wordDropout float64, rng *rand.Rand) *Embedding {
	weights := NewTensorRand(rng, 0.02, vocabSize, dim)
	for d := 0; d < dim; d++ {
		weights.data[padID*dim+d] = 0
	}
	return &Embedding{
		vocabSize:   vocabSize,
		dim:         dim,
		padID:       padID,
		wordDropout: wordDropout,
		weights:     weights,
	}
}

// Weights exposes the table for weight tying.
func (e *Embedding) Weights() *Tensor {
	return e.weights
}

// PadID returns the reserved PAD id.
func (e *Embedding) PadID() int {
	return e.padID
}

// Params returns the trainable parameters.
func (e *Embedding) Params() []*Tensor {
	return []*Tensor{e.weights}
}

// Forward looks up a (batch, length) id matrix in inference mode.
func (e *Embedding) Forward(ids [][]int) *Tensor {
	out, _ := e.forward(ids, nil, false)
	return out
}

// ForwardWithCache looks up ids in training mode, applying word dropout and
// recording the cache for Backward.
func (e *Embedding) ForwardWithCache(ids [][]int, rng *rand.Rand) (*Tensor, *EmbedCache) {
	return e.forward(ids, rng, true)
}

func (e *Embedding) forward(ids [][]int, rng *rand.Rand, training bool) (*Tensor, *EmbedCache) {
	if len(ids) == 0 || len(ids[0]) == 0 {
		panic("embedding: empty token sequence")
	}
	batch, length := len(ids), len(ids[0])

	cache := &EmbedCache{ids: ids, keep: make([][]float64, batch)}
	out := NewTensor(batch, length, e.dim)

	for b, row := range ids {
		if len(row) != length {
			panic(fmt.Sprintf("embedding: ragged batch, row %d has length %d, want %d", b, len(row), length))
		}
		cache.keep[b] = make([]float64, length)
		for i, id := range row {
			if id < 0 || id >= e.vocabSize {
				panic(fmt.Sprintf("embedding: id %d out of vocabulary range [0,%d)", id, e.vocabSize))
			}

			scale := 1.0
			if training && e.wordDropout > 0 && id != e.padID {
				if rng.Float64() < e.wordDropout {
					scale = 0
				} else {
					scale = 1.0 / (1.0 - e.wordDropout)
				}
			}
			cache.keep[b][i] = scale
			if scale == 0 {
				continue
			}

			base := (b*length + i) * e.dim
			for d := 0; d < e.dim; d++ {
				out.data[base+d] = e.weights.data[id*e.dim+d] * scale
			}
		}
	}
	return out, cache
}

// Backward scatters the embedding gradient into the table rows, skipping
// the PAD row so it stays exactly zero across optimization.
func (e *Embedding) Backward(gradOut *Tensor, cache *EmbedCache) {
	batch := len(cache.ids)
	length := len(cache.ids[0])
	for b := 0; b < batch; b++ {
		for i := 0; i < length; i++ {
			id := cache.ids[b][i]
			scale := cache.keep[b][i]
			if id == e.padID || scale == 0 {
				continue
			}
			base := (b*length + i) * e.dim
			for d := 0; d < e.dim; d++ {
				e.weights.grad[id*e.dim+d] += gradOut.data[base+d] * scale
			}
		}
	}
}
