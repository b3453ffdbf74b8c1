package main

import (
	"fmt"
	"math/rand"
	"time"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The full sequence-to-sequence model: encoder stack, decoder stack, and the
// output generator that projects decoder states to vocabulary logits.
//
// Two sharing switches from the config matter here:
//
//   JoinEmbedding - encoder and decoder use ONE embedding table. Useful when
//                   source and target share a vocabulary.
//   TieWeights    - the generator reuses the decoder embedding table as its
//                   projection matrix (logits = states @ E^T). The classic
//                   output-embedding tie: fewer parameters, and embedding
//                   gradients arrive from both ends of the model.
//
// Parameters() deduplicates shared tensors so the optimizer never applies
// the same gradient twice.
//
// ===========================================================================

// Generator projects decoder states to vocabulary logits.
type Generator struct {
	vocabSize int
	dim       int

	// Exactly one of these is set. A tied generator borrows the decoder
	// embedding table; an untied one owns its weight, stored (vocab, dim)
	// in the same orientation as an embedding table.
	tied   *Embedding
	weight *Tensor

	compute ComputeConfig
}

// NewGenerator builds the output projection. tied is nil for an untied
// generator.
func NewGenerator(cfg Config, tied *Embedding, rng *rand.Rand) *Generator {
	g := &Generator{
		vocabSize: cfg.VocabSize,
		dim:       cfg.ModelSize,
		tied:      tied,
		compute:   cfg.Compute,
	}
	if tied == nil {
		g.weight = NewTensorRand(rng, 0.02, cfg.VocabSize, cfg.ModelSize)
	}
	return g
}

func (g *Generator) table() *Tensor {
	if g.tied != nil {
		return g.tied.Weights()
	}
	return g.weight
}

// Params returns the generator's own parameters. A tied generator owns
// nothing; the embedding reports the shared table.
func (g *Generator) Params() []*Tensor {
	if g.tied != nil {
		return nil
	}
	return []*Tensor{g.weight}
}

// Forward projects (rows, dim) states to (rows, vocab) logits.
func (g *Generator) Forward(x *Tensor) *Tensor {
	return MatMulWithConfig(x, Transpose(g.table()), g.compute)
}

// Backward accumulates the projection gradient and returns the state
// gradient. logits = X W^T, so gradX = gradL W and gradW = gradL^T X.
//
// When the projection is tied to the embedding table, the PAD row of
// gradW is zeroed before accumulation: softmax leaks probability mass
// onto the PAD class at every real position, and without the zeroing
// that leak would drag the table's pinned-zero PAD row off zero on the
// first optimizer step. An untied projection keeps its PAD row
// trainable; it is an output class weight there, not an embedding.
func (g *Generator) Backward(x, gradLogits *Tensor) *Tensor {
	w := g.table()
	gradX := MatMulWithConfig(gradLogits, w, g.compute)
	gradW := MatMulWithConfig(Transpose(gradLogits), x, g.compute)
	if g.tied != nil {
		padID := g.tied.PadID()
		for d := 0; d < g.dim; d++ {
			gradW.data[padID*g.dim+d] = 0
		}
	}
	w.AccumulateGrad(gradW)
	return gradX
}

// Seq2Seq is the complete translation model.
type Seq2Seq struct {
	cfg Config

	Encoder *ParallelEncoder
	Decoder *ParallelDecoder
	gen     *Generator

	rng *rand.Rand
}

// Seq2SeqCache stores one training forward pass.
type Seq2SeqCache struct {
	encCache *EncoderCache
	decCache *DecoderCache
	decOut   *Tensor // (batch, tgtLen, dim), generator input
}

// NewSeq2Seq builds the model from a validated config. The seed drives
// parameter initialization; the same seed reproduces the same model.
func NewSeq2Seq(cfg Config, seed int64) (*Seq2Seq, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))

	var shared *Embedding
	if cfg.JoinEmbedding {
		shared = NewEmbedding(cfg.VocabSize, cfg.ModelSize, cfg.PadID, cfg.WordDropout, rng)
	}

	enc, err := NewParallelEncoder(cfg, shared, rng)
	if err != nil {
		return nil, err
	}
	dec, err := NewParallelDecoder(cfg, shared, rng)
	if err != nil {
		return nil, err
	}

	var tied *Embedding
	if cfg.TieWeights {
		tied = dec.Embedding()
	}

	m := &Seq2Seq{
		cfg:     cfg,
		Encoder: enc,
		Decoder: dec,
		gen:     NewGenerator(cfg, tied, rng),
		rng:     rng,
	}
	Log.Info("model built",
		"vocab", cfg.VocabSize, "dim", cfg.ModelSize,
		"encoder_layers", cfg.EncoderLayers, "decoder_layers", cfg.DecoderLayers,
		"time_encoding", cfg.TimeEncoding, "joined", cfg.JoinEmbedding, "tied", cfg.TieWeights)
	return m, nil
}

// Config returns the model configuration.
func (m *Seq2Seq) Config() Config {
	return m.cfg
}

// Parameters returns every trainable tensor exactly once, shared tables
// included only on their first appearance.
func (m *Seq2Seq) Parameters() []*Tensor {
	seen := make(map[*Tensor]bool)
	var params []*Tensor
	add := func(ts []*Tensor) {
		for _, t := range ts {
			if t != nil && !seen[t] {
				seen[t] = true
				params = append(params, t)
			}
		}
	}
	add(m.Encoder.Params())
	add(m.Decoder.Params())
	add(m.gen.Params())
	return params
}

// Forward runs source and target through the model in inference mode.
// Returns logits (batch, tgtLen, vocab) and the coverage tensor.
func (m *Seq2Seq) Forward(srcIDs, tgtIDs [][]int) (*Tensor, *Tensor) {
	bank, _ := m.Encoder.Forward(srcIDs)
	out, coverage := m.Decoder.Forward(tgtIDs, bank, srcIDs)

	batch, length := out.shape[0], out.shape[1]
	logits := m.gen.Forward(out.Reshape(batch*length, m.cfg.ModelSize))
	return logits.Reshape(batch, length, m.cfg.VocabSize), coverage
}

// ForwardWithCache runs a training forward pass. grow selects the frozen-
// prefix mode used after AddLayers on a pretrained model.
func (m *Seq2Seq) ForwardWithCache(srcIDs, tgtIDs [][]int, rng *rand.Rand, grow bool) (*Tensor, *Seq2SeqCache) {
	var bank *Tensor
	var encCache *EncoderCache
	if grow {
		bank, _, encCache = m.Encoder.ForwardGrow(srcIDs, rng)
	} else {
		bank, _, encCache = m.Encoder.ForwardWithCache(srcIDs, rng)
	}

	var out *Tensor
	var decCache *DecoderCache
	if grow {
		out, _, decCache = m.Decoder.ForwardGrow(tgtIDs, bank, srcIDs, rng)
	} else {
		out, _, decCache = m.Decoder.ForwardWithCache(tgtIDs, bank, srcIDs, rng)
	}

	batch, length := out.shape[0], out.shape[1]
	logits := m.gen.Forward(out.Reshape(batch*length, m.cfg.ModelSize))

	cache := &Seq2SeqCache{encCache: encCache, decCache: decCache, decOut: out}
	return logits.Reshape(batch, length, m.cfg.VocabSize), cache
}

// Backward propagates the logit gradient through generator, decoder, memory
// bank, and encoder.
func (m *Seq2Seq) Backward(gradLogits *Tensor, cache *Seq2SeqCache) {
	batch, length := gradLogits.shape[0], gradLogits.shape[1]

	gradOut := m.gen.Backward(
		cache.decOut.Reshape(batch*length, m.cfg.ModelSize),
		gradLogits.Reshape(batch*length, m.cfg.VocabSize))

	gradBank := m.Decoder.Backward(gradOut.Reshape(batch, length, m.cfg.ModelSize), cache.decCache)
	m.Encoder.Backward(gradBank, cache.encCache)
}

// AddLayers grows both stacks by n layers, keeping them the same depth.
func (m *Seq2Seq) AddLayers(n int) {
	m.Encoder.AddLayers(n)
	m.Decoder.AddLayers(n)
}

// MarkPretrained records the pretrained boundary on both stacks.
func (m *Seq2Seq) MarkPretrained() {
	m.Encoder.MarkPretrained()
	m.Decoder.MarkPretrained()
}

// Translate greedily decodes each source row until EOS or maxLen tokens.
// Returned sequences carry neither BOS nor EOS.
func (m *Seq2Seq) Translate(srcIDs [][]int, maxLen int) [][]int {
	if maxLen <= 0 {
		panic(fmt.Sprintf("translate: maxLen %d must be positive", maxLen))
	}
	m.Decoder.RenewTime(maxLen + 1) // BOS occupies position 0

	bank, _ := m.Encoder.Forward(srcIDs)
	batch := len(srcIDs)
	buf := m.Decoder.NewBuffer(batch, maxLen+1)

	prefix := make([][]int, batch)
	done := make([]bool, batch)
	for b := range prefix {
		prefix[b] = []int{m.cfg.BosID}
	}

	for t := 0; t < maxLen; t++ {
		start := time.Now()
		out, _ := m.Decoder.Step(prefix, bank, srcIDs, buf)

		logits := m.gen.Forward(out.Reshape(batch, m.cfg.ModelSize))
		allDone := true
		for b := 0; b < batch; b++ {
			next := m.cfg.EosID
			if !done[b] {
				next = argmaxRow(logits, b)
			}
			if next == m.cfg.EosID {
				done[b] = true
			}
			prefix[b] = append(prefix[b], next)
			allDone = allDone && done[b]
		}
		RecordDecodeStep(time.Since(start))
		if allDone {
			break
		}
	}

	// Strip BOS and everything from EOS on.
	result := make([][]int, batch)
	for b := range prefix {
		row := prefix[b][1:]
		for i, id := range row {
			if id == m.cfg.EosID {
				row = row[:i]
				break
			}
		}
		result[b] = row
	}
	return result
}

func argmaxRow(logits *Tensor, b int) int {
	best, bestVal := 0, logits.At(b, 0)
	for v := 1; v < logits.shape[1]; v++ {
		if val := logits.At(b, v); val > bestVal {
			best, bestVal = v, val
		}
	}
	return best
}
