package main

import (
	"fmt"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file defines the model configuration. Every component receives the
// Config value it needs at construction time - there is no process-wide
// mutable configuration. This matters more than it looks: the two stacks
// (encoder and decoder) must agree on things like the normalization variant
// and the PAD id, and the only way to guarantee that is to build both from
// the same immutable value.
//
// Identifier-style options (time encoding, normalization variant) are
// validated once, in Validate(). After construction nothing re-checks them,
// so an unknown identifier is a configuration error surfaced before any
// tensor is allocated.
//
// ===========================================================================

// Time-encoding strategy identifiers.
const (
	TimePositional = "positional" // fixed sinusoidal table
	TimeRecurrent  = "gru"        // stateful recurrent cell
)

// Normalization variant identifiers.
const (
	NormFast = "fast" // fused single-pass mean/variance
	NormSlow = "slow" // two-pass reference implementation
)

// Config holds hyperparameters for the sequence-to-sequence model.
// All fields are fixed at construction; the only supported post-construction
// change is appending layers through the growth calls on the stacks.
type Config struct {
	VocabSize     int     // Size of the (shared or per-side) vocabulary
	ModelSize     int     // Embedding/model dimension (d_model)
	NumHeads      int     // Number of attention heads
	InnerSize     int     // Feed-forward inner dimension (typically 4 * ModelSize)
	EncoderLayers int     // Initial encoder depth
	DecoderLayers int     // Initial decoder depth
	Dropout       float64 // Residual dropout probability
	AttnDropout   float64 // Attention-weight dropout probability
	EmbDropout    float64 // Embedding dropout probability
	WordDropout   float64 // Whole-token embedding dropout probability
	MaxLen        int     // Initial maximum sequence length for masks and tables

	TimeEncoding string // TimePositional or TimeRecurrent
	NormVariant  string // NormFast or NormSlow

	// Checkpointing is the number of trailing layers per stack whose
	// activations are recomputed on the backward pass instead of retained.
	// 0 disables recomputation.
	Checkpointing int

	// Reserved token ids.
	PadID int
	BosID int
	EosID int

	// JoinEmbedding aliases the decoder's embedding table to the encoder's.
	// TieWeights aliases the generator projection to the decoder embedding.
	JoinEmbedding bool
	TieWeights    bool

	// Compute controls the matrix kernel selection and worker count.
	Compute ComputeConfig
}

// DefaultConfig returns a small configuration suitable for tests and the
// synthetic training task.
func DefaultConfig() Config {
	return Config{
		VocabSize:     1000,
		ModelSize:     256,
		NumHeads:      4,
		InnerSize:     1024,
		EncoderLayers: 4,
		DecoderLayers: 4,
		Dropout:       0.1,
		AttnDropout:   0.1,
		EmbDropout:    0.1,
		WordDropout:   0.0,
		MaxLen:        128,
		TimeEncoding:  TimePositional,
		NormVariant:   NormFast,
		Checkpointing: 0,
		PadID:         0,
		BosID:         1,
		EosID:         2,
		Compute:       DefaultComputeConfig(),
	}
}

// Validate checks the configuration for construction-time errors.
// Unknown identifiers and impossible dimension combinations are fatal
// configuration errors, reported before any parameter is allocated.
func (c Config) Validate() error {
	if c.VocabSize <= 0 {
		return fmt.Errorf("config: vocab size must be positive, got %d", c.VocabSize)
	}
	if c.ModelSize <= 0 {
		return fmt.Errorf("config: model size must be positive, got %d", c.ModelSize)
	}
	if c.NumHeads <= 0 || c.ModelSize%c.NumHeads != 0 {
		return fmt.Errorf("config: model size %d must be divisible by heads %d", c.ModelSize, c.NumHeads)
	}
	if c.InnerSize <= 0 {
		return fmt.Errorf("config: inner size must be positive, got %d", c.InnerSize)
	}
	if c.EncoderLayers <= 0 || c.DecoderLayers <= 0 {
		return fmt.Errorf("config: layer counts must be positive, got encoder=%d decoder=%d", c.EncoderLayers, c.DecoderLayers)
	}
	// The memory bank has one entry per encoder layer (layer 0 excluded,
	// final output included), consumed index-matched by decoder layers.
	if c.EncoderLayers != c.DecoderLayers {
		return fmt.Errorf("config: encoder layers (%d) must equal decoder layers (%d): the memory bank is consumed index-matched", c.EncoderLayers, c.DecoderLayers)
	}
	if c.MaxLen <= 0 {
		return fmt.Errorf("config: max length must be positive, got %d", c.MaxLen)
	}
	switch c.TimeEncoding {
	case TimePositional, TimeRecurrent:
	default:
		return fmt.Errorf("config: unknown time encoding %q (want %q or %q)", c.TimeEncoding, TimePositional, TimeRecurrent)
	}
	switch c.NormVariant {
	case NormFast, NormSlow:
	default:
		return fmt.Errorf("config: unknown normalization variant %q (want %q or %q)", c.NormVariant, NormFast, NormSlow)
	}
	if c.Checkpointing < 0 {
		return fmt.Errorf("config: checkpoint depth must be non-negative, got %d", c.Checkpointing)
	}
	for _, p := range []float64{c.Dropout, c.AttnDropout, c.EmbDropout, c.WordDropout} {
		if p < 0 || p >= 1 {
			return fmt.Errorf("config: dropout probabilities must be in [0,1), got %g", p)
		}
	}
	if c.PadID < 0 || c.PadID >= c.VocabSize {
		return fmt.Errorf("config: pad id %d out of vocabulary range [0,%d)", c.PadID, c.VocabSize)
	}
	return nil
}

// HeadSize returns the per-head dimension.
func (c Config) HeadSize() int {
	return c.ModelSize / c.NumHeads
}
