package main

import (
	"fmt"
	"math/rand"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The decoder stack. Structurally it mirrors the encoder, with two twists:
//
//   1. Index-matched cross-attention. Decoder layer i reads ONLY entry i of
//      the encoder's memory bank. There is no shared "encoder output" - each
//      layer gets its own view of the source. This is why the two stacks
//      must be the same depth, and why Forward refuses a bank whose entry
//      count differs from the layer count.
//
//   2. Incremental stepping. Translation generates one token at a time, and
//      recomputing the whole prefix every step would be quadratic over
//      quadratic. Step() processes a single position against per-layer
//      key/value buffers (see buffer.go), producing output identical to a
//      full forward over the same prefix.
//
// Self-attention is causally masked; the causal pattern lives in a stack-
// owned CausalMask that grows on demand. Cross-attention masks only source
// padding.
//
// ===========================================================================

// ParallelDecoder owns the decoder layers, the target embedding, the time
// encoder, and the step machinery.
type ParallelDecoder struct {
	cfg Config

	emb      *Embedding
	timeEnc  TimeEncoder
	preEmb   *ProcessUnit // "d": embedding dropout
	layers   []*DecoderLayer
	postNorm *ProcessUnit // "n": final normalization

	causal *CausalMask
	ckpt   CheckpointPolicy

	pretrainedBoundary int

	rng *rand.Rand
}

// DecoderCache stores a training forward pass for Backward.
type DecoderCache struct {
	embCache    *EmbedCache
	timeCache   *TimeCache
	preEmbCache *ProcessCache

	selfMask  *Mask
	crossMask *Mask
	bank      *Tensor

	layerCaches []*DecoderLayerCache
	segments    []*CheckpointSegment

	postNormCache *ProcessCache

	frozen int
	shape  []int // (batch, tgtLen, dim)
}

// NewParallelDecoder builds the stack. A shared embedding may be passed in
// (joined embeddings); nil allocates one.
func NewParallelDecoder(cfg Config, emb *Embedding, rng *rand.Rand) (*ParallelDecoder, error) {
	timeEnc, err := NewTimeEncoder(cfg, rng)
	if err != nil {
		return nil, err
	}
	if emb == nil {
		emb = NewEmbedding(cfg.VocabSize, cfg.ModelSize, cfg.PadID, cfg.WordDropout, rng)
	}

	d := &ParallelDecoder{
		cfg:                cfg,
		emb:                emb,
		timeEnc:            timeEnc,
		preEmb:             NewProcessUnit("d", cfg.ModelSize, cfg.EmbDropout, cfg.NormVariant),
		postNorm:           NewProcessUnit("n", cfg.ModelSize, cfg.Dropout, cfg.NormVariant),
		causal:             NewCausalMask(cfg.MaxLen),
		ckpt:               NewCheckpointPolicy(cfg.Checkpointing),
		pretrainedBoundary: -1,
		rng:                rng,
	}
	for i := 0; i < cfg.DecoderLayers; i++ {
		d.layers = append(d.layers, NewDecoderLayer(cfg, rng))
	}
	return d, nil
}

// Embedding exposes the target embedding table (also the tied output
// projection when weight tying is on).
func (d *ParallelDecoder) Embedding() *Embedding {
	return d.emb
}

// NumLayers returns the current stack depth.
func (d *ParallelDecoder) NumLayers() int {
	return len(d.layers)
}

// RenewTime grows the time-encoder tables to cover maxLen.
func (d *ParallelDecoder) RenewTime(maxLen int) {
	d.timeEnc.Renew(maxLen)
	d.causal.Renew(maxLen)
}

// Params returns all trainable parameters of the stack.
func (d *ParallelDecoder) Params() []*Tensor {
	var params []*Tensor
	params = append(params, d.emb.Params()...)
	params = append(params, d.timeEnc.Params()...)
	for _, l := range d.layers {
		params = append(params, l.Params()...)
	}
	params = append(params, d.postNorm.Params()...)
	return params
}

// checkBank rejects a memory bank whose entry count does not match the
// stack depth. Mismatched stacks are a configuration error and there is no
// sensible way to limp on.
func (d *ParallelDecoder) checkBank(bank *Tensor) {
	if len(bank.shape) != 4 || bank.shape[0] != len(d.layers) {
		panic(fmt.Sprintf("decoder: memory bank has %d entries, stack has %d layers; encoder and decoder depths must match",
			bank.shape[0], len(d.layers)))
	}
}

// Forward runs the full stack in inference mode.
// Returns the output (batch, tgtLen, dim) and the coverage tensor: the
// head-averaged cross-attention weights of the last layer,
// (batch, tgtLen, srcLen).
func (d *ParallelDecoder) Forward(tgtIDs [][]int, bank *Tensor, srcIDs [][]int) (*Tensor, *Tensor) {
	d.checkBank(bank)
	DecoderForwardsTotal.Inc()

	x := d.timeEnc.Encode(d.emb.Forward(tgtIDs))
	selfMask := DecoderSelfMask(tgtIDs, d.cfg.PadID, d.causal)
	crossMask := CrossAttnMask(srcIDs, d.cfg.PadID, len(tgtIDs[0]))

	var coverage *Tensor
	for i, layer := range d.layers {
		x, coverage = layer.Forward(x, bank.Entry(i), selfMask, crossMask)
	}

	batch, length := x.shape[0], x.shape[1]
	out := d.postNorm.Forward(x.Reshape(batch*length, d.cfg.ModelSize), nil)
	return out.Reshape(batch, length, d.cfg.ModelSize), coverage
}

// ForwardWithCache runs the full stack in training mode.
func (d *ParallelDecoder) ForwardWithCache(tgtIDs [][]int, bank *Tensor, srcIDs [][]int, rng *rand.Rand) (*Tensor, *Tensor, *DecoderCache) {
	return d.trainForward(tgtIDs, bank, srcIDs, rng, 0)
}

// ForwardGrow runs the pretrained prefix frozen and the grown suffix in
// training mode. MarkPretrained must have been called.
func (d *ParallelDecoder) ForwardGrow(tgtIDs [][]int, bank *Tensor, srcIDs [][]int, rng *rand.Rand) (*Tensor, *Tensor, *DecoderCache) {
	if d.pretrainedBoundary < 0 {
		panic("decoder: grow-mode forward before MarkPretrained")
	}
	return d.trainForward(tgtIDs, bank, srcIDs, rng, d.pretrainedBoundary)
}

func (d *ParallelDecoder) trainForward(tgtIDs [][]int, bank *Tensor, srcIDs [][]int, rng *rand.Rand, frozen int) (*Tensor, *Tensor, *DecoderCache) {
	d.checkBank(bank)
	DecoderForwardsTotal.Inc()

	cache := &DecoderCache{
		frozen:      frozen,
		bank:        bank,
		layerCaches: make([]*DecoderLayerCache, len(d.layers)),
		segments:    make([]*CheckpointSegment, len(d.layers)),
	}
	cache.selfMask = DecoderSelfMask(tgtIDs, d.cfg.PadID, d.causal)
	cache.crossMask = CrossAttnMask(srcIDs, d.cfg.PadID, len(tgtIDs[0]))

	var x *Tensor
	if frozen > 0 {
		x = d.timeEnc.Encode(d.emb.Forward(tgtIDs))
	} else {
		emb, embCache := d.emb.ForwardWithCache(tgtIDs, rng)
		cache.embCache = embCache
		x, cache.timeCache = d.timeEnc.EncodeWithCache(emb)

		batch, length := x.shape[0], x.shape[1]
		x2, preEmbCache := d.preEmb.ForwardWithCache(x.Reshape(batch*length, d.cfg.ModelSize), nil, rng)
		cache.preEmbCache = preEmbCache
		x = x2.Reshape(batch, length, d.cfg.ModelSize)
	}

	var coverage *Tensor
	for i, layer := range d.layers {
		entry := bank.Entry(i)
		switch {
		case i < frozen:
			x, coverage = layer.Forward(x, entry, cache.selfMask, cache.crossMask)
		case d.ckpt.Active(i, len(d.layers)):
			seed := rng.Int63()
			cache.segments[i] = NewCheckpointSegment(x, seed)
			x, coverage, _ = layer.ForwardWithCache(x, entry, cache.selfMask, cache.crossMask, rand.New(rand.NewSource(seed)))
			CheckpointedLayersTotal.Inc()
		default:
			seed := rng.Int63()
			var layerCache *DecoderLayerCache
			x, coverage, layerCache = layer.ForwardWithCache(x, entry, cache.selfMask, cache.crossMask, rand.New(rand.NewSource(seed)))
			cache.layerCaches[i] = layerCache
		}
	}

	batch, length := x.shape[0], x.shape[1]
	cache.shape = []int{batch, length, d.cfg.ModelSize}

	out, postNormCache := d.postNorm.ForwardWithCache(x.Reshape(batch*length, d.cfg.ModelSize), nil, rng)
	cache.postNormCache = postNormCache
	return out.Reshape(batch, length, d.cfg.ModelSize), coverage, cache
}

// Backward consumes the gradient of the decoder output and returns the
// gradient of the memory bank, shaped like the bank with gradient values in
// its data slice. Entries read by frozen layers stay zero; see the note in
// the loop.
func (d *ParallelDecoder) Backward(gradOut *Tensor, cache *DecoderCache) *Tensor {
	batch, length, dim := cache.shape[0], cache.shape[1], cache.shape[2]
	srcLen := cache.bank.shape[2]

	gradBank := NewTensor(len(d.layers), batch, srcLen, dim)

	gradX, _ := d.postNorm.Backward(gradOut.Reshape(batch*length, dim), cache.postNormCache)
	gradX = gradX.Reshape(batch, length, dim)

	for i := len(d.layers) - 1; i >= 0; i-- {
		layerCache := cache.layerCaches[i]
		if seg := cache.segments[i]; seg != nil {
			CheckpointRecomputesTotal.Inc()
			_, _, layerCache = d.layers[i].ForwardWithCache(seg.Input(), cache.bank.Entry(i), cache.selfMask, cache.crossMask, seg.RNG())
		}
		if layerCache == nil {
			// A frozen layer recorded nothing. Its parameters take no
			// gradient, and strictly its bank entry would still need
			// one, but frozen prefixes only occur in grow mode where
			// the matching encoder layers are frozen too, so that
			// gradient would be discarded anyway.
			continue
		}

		var gradEntry *Tensor
		gradX, gradEntry = d.layers[i].Backward(gradX, layerCache)
		gradBank.Entry(i).CopyFrom(gradEntry)
	}

	if cache.frozen == 0 {
		grad2, _ := d.preEmb.Backward(gradX.Reshape(batch*length, dim), cache.preEmbCache)
		gradEmb := d.timeEnc.Backward(grad2.Reshape(batch, length, dim), cache.timeCache)
		d.emb.Backward(gradEmb, cache.embCache)
	}

	return gradBank
}

// NewBuffer allocates a decode buffer sized for this stack.
func (d *ParallelDecoder) NewBuffer(batch, maxLen int) *DecodeBuffer {
	return NewDecodeBuffer(len(d.layers), batch, maxLen, d.cfg.ModelSize)
}

// Step processes one decode position. prefix holds the full target prefix
// per batch row including the token at the current position; only the last
// token is embedded, everything earlier is served from the buffer. Output
// matches a full Forward over the same prefix, position for position.
func (d *ParallelDecoder) Step(prefix [][]int, bank *Tensor, srcIDs [][]int, buf *DecodeBuffer) (*Tensor, *Tensor) {
	d.checkBank(bank)
	if buf.Layers() != len(d.layers) {
		panic(fmt.Sprintf("decoder: buffer built for %d layers, stack has %d", buf.Layers(), len(d.layers)))
	}
	t := buf.Pos()
	if len(prefix[0])-1 != t {
		panic(fmt.Sprintf("decoder: step position %d out of order, expected %d", len(prefix[0])-1, t))
	}
	DecoderStepsTotal.Inc()

	// Embed just the newest token.
	last := make([][]int, len(prefix))
	for b, row := range prefix {
		last[b] = []int{row[len(row)-1]}
	}
	x := d.emb.Forward(last)
	x, buf.hidden = d.timeEnc.EncodeStep(x, t, buf.hidden)

	selfMask := StepSelfMask(prefix, d.cfg.PadID)
	crossMask := CrossAttnMask(srcIDs, d.cfg.PadID, 1)

	var coverage *Tensor
	for i, layer := range d.layers {
		x, coverage = layer.Step(x, bank.Entry(i), selfMask, crossMask, buf.self[i], &buf.cross[i])
	}

	batch := x.shape[0]
	out := d.postNorm.Forward(x.Reshape(batch, d.cfg.ModelSize), nil)
	buf.commit()
	return out.Reshape(batch, 1, d.cfg.ModelSize), coverage
}

// AddLayers appends n new layers with the same graft rule as the encoder:
// the first new layer's pre-self-attention normalization copies the current
// final normalization, then a fresh final unit is allocated. AddLayers(0)
// changes nothing.
func (d *ParallelDecoder) AddLayers(n int) {
	if n < 0 {
		panic(fmt.Sprintf("decoder: cannot add %d layers", n))
	}
	if n == 0 {
		return
	}

	for j := 0; j < n; j++ {
		layer := NewDecoderLayer(d.cfg, d.rng)
		if j == 0 {
			layer.PreAttn().Norm().CopyParamsFrom(d.postNorm.Norm())
		}
		d.layers = append(d.layers, layer)
	}
	d.postNorm = NewProcessUnit("n", d.cfg.ModelSize, d.cfg.Dropout, d.cfg.NormVariant)

	Log.Info("decoder grown", "added", n, "layers", len(d.layers))
}

// MarkPretrained records the current depth as the pretrained boundary.
func (d *ParallelDecoder) MarkPretrained() {
	d.pretrainedBoundary = len(d.layers)
	Log.Info("decoder pretrained boundary set", "boundary", d.pretrainedBoundary)
}

// PretrainedBoundary returns the recorded boundary, -1 if never marked.
func (d *ParallelDecoder) PretrainedBoundary() int {
	return d.pretrainedBoundary
}
