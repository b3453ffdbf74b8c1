package main

import (
	"fmt"
	"math/rand"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The encoder stack, and the architecture's defining trait: the MEMORY
// BANK. A vanilla transformer encoder hands the decoder one tensor - its
// final output. This encoder hands the decoder one normalized tensor PER
// LAYER, and decoder layer i cross-attends exclusively to entry i.
//
// The bank is assembled during the layer loop:
//
//   layer 0:        contributes nothing (its normalized input is just the
//                   embedding, which the decoder has no business reading)
//   layers 1..n-1:  contribute their normalized pre-attention input
//   after the loop: the final post-processed output is appended
//
// giving exactly n entries for n layers, stacked into one
// (layers, batch, srcLen, dim) tensor. The decoder refuses to run unless
// the entry count equals its own layer count.
//
// Three execution modes, as distinct entry points:
//
//   Forward / ForwardWithCache - all layers, checkpoint policy applied
//                                while training
//   ForwardGrow                - layers below the pretrained boundary run
//                                frozen (inference mode, no caches, no
//                                gradient path), layers above run
//                                training-mode; requires MarkPretrained
//   (step mode is decoder-only)
//
// ===========================================================================

// ParallelEncoder owns the encoder layers, the source embedding, the time
// encoder, and the memory-bank aggregation.
type ParallelEncoder struct {
	cfg Config

	emb      *Embedding
	timeEnc  TimeEncoder
	preEmb   *ProcessUnit // "d": embedding dropout
	layers   []*EncoderLayer
	postNorm *ProcessUnit // "n": final normalization

	ckpt CheckpointPolicy

	// pretrainedBoundary is -1 until MarkPretrained records a layer
	// count. ForwardGrow before that is a usage contract violation.
	pretrainedBoundary int

	rng *rand.Rand // construction-time generator, reused for growth
}

// EncoderCache stores a training forward pass for Backward.
type EncoderCache struct {
	embCache    *EmbedCache
	timeCache   *TimeCache
	preEmbCache *ProcessCache
	mask        *Mask

	layerCaches []*EncoderLayerCache // nil for checkpointed or frozen layers
	segments    []*CheckpointSegment // non-nil for checkpointed layers

	postNormInput *Tensor
	postNormCache *ProcessCache

	frozen int // layers below this index have no gradient path (grow mode)
	shape  []int
}

// NewParallelEncoder builds the stack. A shared embedding may be passed in
// (joined embeddings); nil allocates one.
func NewParallelEncoder(cfg Config, emb *Embedding, rng *rand.Rand) (*ParallelEncoder, error) {
	timeEnc, err := NewTimeEncoder(cfg, rng)
	if err != nil {
		return nil, err
	}
	if emb == nil {
		emb = NewEmbedding(cfg.VocabSize, cfg.ModelSize, cfg.PadID, cfg.WordDropout, rng)
	}

	e := &ParallelEncoder{
		cfg:                cfg,
		emb:                emb,
		timeEnc:            timeEnc,
		preEmb:             NewProcessUnit("d", cfg.ModelSize, cfg.EmbDropout, cfg.NormVariant),
		postNorm:           NewProcessUnit("n", cfg.ModelSize, cfg.Dropout, cfg.NormVariant),
		ckpt:               NewCheckpointPolicy(cfg.Checkpointing),
		pretrainedBoundary: -1,
		rng:                rng,
	}
	for i := 0; i < cfg.EncoderLayers; i++ {
		e.layers = append(e.layers, NewEncoderLayer(cfg, rng))
	}
	return e, nil
}

// Embedding exposes the source embedding table.
func (e *ParallelEncoder) Embedding() *Embedding {
	return e.emb
}

// NumLayers returns the current stack depth.
func (e *ParallelEncoder) NumLayers() int {
	return len(e.layers)
}

// TimeEncoder exposes the stack's time encoder (for table renewal).
func (e *ParallelEncoder) TimeEncoder() TimeEncoder {
	return e.timeEnc
}

// Params returns all trainable parameters of the stack.
func (e *ParallelEncoder) Params() []*Tensor {
	var params []*Tensor
	params = append(params, e.emb.Params()...)
	params = append(params, e.timeEnc.Params()...)
	for _, l := range e.layers {
		params = append(params, l.Params()...)
	}
	params = append(params, e.postNorm.Params()...)
	return params
}

// Forward runs the full stack in inference mode.
// Returns the memory bank (layers, batch, srcLen, dim) and the source
// padding mask.
func (e *ParallelEncoder) Forward(srcIDs [][]int) (*Tensor, *Mask) {
	EncoderForwardsTotal.Inc()

	x := e.timeEnc.Encode(e.emb.Forward(srcIDs))
	mask := EncoderSelfMask(srcIDs, e.cfg.PadID)

	banks := make([]*Tensor, 0, len(e.layers))
	for i, layer := range e.layers {
		var normInput *Tensor
		x, normInput = layer.Forward(x, mask)
		if i > 0 {
			banks = append(banks, normInput)
		}
	}

	batch, length := x.shape[0], x.shape[1]
	out := e.postNorm.Forward(x.Reshape(batch*length, e.cfg.ModelSize), nil)
	banks = append(banks, out.Reshape(batch, length, e.cfg.ModelSize))

	SequenceLength.Observe(float64(length))
	return Stack(banks), PaddingMask(srcIDs, e.cfg.PadID)
}

// ForwardWithCache runs the full stack in training mode, applying the
// checkpoint policy and recording everything Backward needs.
func (e *ParallelEncoder) ForwardWithCache(srcIDs [][]int, rng *rand.Rand) (*Tensor, *Mask, *EncoderCache) {
	return e.trainForward(srcIDs, rng, 0)
}

// ForwardGrow runs the pretrained prefix frozen and the grown suffix in
// training mode. MarkPretrained must have been called; anything else is a
// contract violation.
func (e *ParallelEncoder) ForwardGrow(srcIDs [][]int, rng *rand.Rand) (*Tensor, *Mask, *EncoderCache) {
	if e.pretrainedBoundary < 0 {
		panic("encoder: grow-mode forward before MarkPretrained")
	}
	return e.trainForward(srcIDs, rng, e.pretrainedBoundary)
}

func (e *ParallelEncoder) trainForward(srcIDs [][]int, rng *rand.Rand, frozen int) (*Tensor, *Mask, *EncoderCache) {
	EncoderForwardsTotal.Inc()

	cache := &EncoderCache{
		frozen:      frozen,
		layerCaches: make([]*EncoderLayerCache, len(e.layers)),
		segments:    make([]*CheckpointSegment, len(e.layers)),
	}
	mask := EncoderSelfMask(srcIDs, e.cfg.PadID)
	cache.mask = mask

	var x *Tensor
	if frozen > 0 {
		// The embedding and time encoder belong to the pretrained
		// prefix: frozen, inference mode.
		x = e.timeEnc.Encode(e.emb.Forward(srcIDs))
	} else {
		emb, embCache := e.emb.ForwardWithCache(srcIDs, rng)
		cache.embCache = embCache
		x, cache.timeCache = e.timeEnc.EncodeWithCache(emb)

		batch, length := x.shape[0], x.shape[1]
		x2, preEmbCache := e.preEmb.ForwardWithCache(x.Reshape(batch*length, e.cfg.ModelSize), nil, rng)
		cache.preEmbCache = preEmbCache
		x = x2.Reshape(batch, length, e.cfg.ModelSize)
	}

	banks := make([]*Tensor, 0, len(e.layers))
	for i, layer := range e.layers {
		var normInput *Tensor
		switch {
		case i < frozen:
			x, normInput = layer.Forward(x, mask)
		case e.ckpt.Active(i, len(e.layers)):
			seed := rng.Int63()
			cache.segments[i] = NewCheckpointSegment(x, seed)
			x, normInput, _ = layer.ForwardWithCache(x, mask, rand.New(rand.NewSource(seed)))
			CheckpointedLayersTotal.Inc()
		default:
			seed := rng.Int63()
			var layerCache *EncoderLayerCache
			x, normInput, layerCache = layer.ForwardWithCache(x, mask, rand.New(rand.NewSource(seed)))
			cache.layerCaches[i] = layerCache
		}
		if i > 0 {
			banks = append(banks, normInput)
		}
	}

	batch, length := x.shape[0], x.shape[1]
	cache.shape = []int{batch, length, e.cfg.ModelSize}
	cache.postNormInput = x

	out, postNormCache := e.postNorm.ForwardWithCache(x.Reshape(batch*length, e.cfg.ModelSize), nil, rng)
	cache.postNormCache = postNormCache
	banks = append(banks, out.Reshape(batch, length, e.cfg.ModelSize))

	return Stack(banks), PaddingMask(srcIDs, e.cfg.PadID), cache
}

// Backward consumes the memory-bank gradient produced by the decoder's
// backward pass. gradBank holds gradient VALUES in its data slice, one
// entry per bank entry, shaped like the bank itself.
func (e *ParallelEncoder) Backward(gradBank *Tensor, cache *EncoderCache) {
	if gradBank.shape[0] != len(e.layers) {
		panic(fmt.Sprintf("encoder: bank gradient has %d entries, stack has %d layers", gradBank.shape[0], len(e.layers)))
	}

	batch, length, dim := cache.shape[0], cache.shape[1], cache.shape[2]

	// Final bank entry → final normalization.
	gradOut, _ := e.postNorm.Backward(
		gradBank.Entry(len(e.layers)-1).Reshape(batch*length, dim),
		cache.postNormCache)
	gradX := gradOut.Reshape(batch, length, dim)

	for i := len(e.layers) - 1; i >= 0; i-- {
		if i < cache.frozen {
			// The gradient stops at the pretrained boundary.
			return
		}

		layerCache := cache.layerCaches[i]
		if seg := cache.segments[i]; seg != nil {
			CheckpointRecomputesTotal.Inc()
			_, _, layerCache = e.layers[i].ForwardWithCache(seg.Input(), cache.mask, seg.RNG())
		}

		// Bank entry i-1 is layer i's normalized pre-attention input.
		var gradEntry *Tensor
		if i > 0 {
			gradEntry = gradBank.Entry(i - 1)
		}
		gradX = e.layers[i].Backward(gradX, gradEntry, layerCache)
	}

	if cache.frozen > 0 {
		return
	}

	grad2, _ := e.preEmb.Backward(gradX.Reshape(batch*length, dim), cache.preEmbCache)
	gradEmb := e.timeEnc.Backward(grad2.Reshape(batch, length, dim), cache.timeCache)
	e.emb.Backward(gradEmb, cache.embCache)
}

// AddLayers appends n new layers. The first new layer's pre-processing
// normalization copies the stack's current final normalization parameters
// verbatim, then the stack allocates a fresh final unit - the residual
// stream is numerically continuous across the graft seam. AddLayers(0)
// changes nothing at all.
func (e *ParallelEncoder) AddLayers(n int) {
	if n < 0 {
		panic(fmt.Sprintf("encoder: cannot add %d layers", n))
	}
	if n == 0 {
		return
	}

	for j := 0; j < n; j++ {
		layer := NewEncoderLayer(e.cfg, e.rng)
		if j == 0 {
			layer.PreAttn().Norm().CopyParamsFrom(e.postNorm.Norm())
		}
		e.layers = append(e.layers, layer)
	}
	e.postNorm = NewProcessUnit("n", e.cfg.ModelSize, e.cfg.Dropout, e.cfg.NormVariant)

	Log.Info("encoder grown", "added", n, "layers", len(e.layers))
}

// MarkPretrained records the current depth as the pretrained boundary.
// Growth is monotonic: calling this again after further growth freezes the
// previously-new layers too.
func (e *ParallelEncoder) MarkPretrained() {
	e.pretrainedBoundary = len(e.layers)
	Log.Info("encoder pretrained boundary set", "boundary", e.pretrainedBoundary)
}

// PretrainedBoundary returns the recorded boundary, -1 if never marked.
func (e *ParallelEncoder) PretrainedBoundary() int {
	return e.pretrainedBoundary
}
