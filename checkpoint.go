package main

import (
	"math/rand"
)

// ===========================================================================
// WHAT'S GOING ON HERE: Gradient Checkpointing
// ===========================================================================
//
// Training a deep stack normally keeps every layer's forward activations
// alive until the backward pass needs them. For the last k layers of a
// stack (k = Config.Checkpointing) we instead keep only the layer INPUT
// and replay the forward pass during backward:
//
//   forward:  run the layer, keep its outputs, throw the activation
//             caches away, remember (input, dropout seed)
//   backward: rebuild the caches by re-running the layer's forward from
//             the remembered input, then backpropagate as usual
//
// Peak memory drops by roughly k layer-caches; the price is one extra
// forward execution per checkpointed layer, paid during backward.
//
// THE DROPOUT SEED:
//
// Replay must be bit-identical to the discarded original or the gradients
// would be computed against activations that never existed. Dropout is the
// only source of randomness in a layer's forward, so the stack draws one
// seed per layer call from its training generator and hands each layer a
// fresh rand.Rand built from that seed. Recomputation reseeds from the
// same value and the identical masks fall out. Checkpointed and
// non-checkpointed layers both consume exactly one seed per call, so the
// checkpoint depth does not shift the stack's random stream - gradients
// with depth 0 and depth = layer count match to the last bit (given one
// matmul kernel).
//
// Checkpointing applies only while training. Inference never retains
// activation caches in the first place.
//
// ===========================================================================

// CheckpointPolicy decides which layers run with deferred recomputation.
type CheckpointPolicy struct {
	depth int
}

// NewCheckpointPolicy creates a policy recomputing the last depth layers.
func NewCheckpointPolicy(depth int) CheckpointPolicy {
	return CheckpointPolicy{depth: depth}
}

// Active reports whether layer i of numLayers runs checkpointed.
// Only the trailing depth layers qualify.
func (p CheckpointPolicy) Active(i, numLayers int) bool {
	return numLayers-i <= p.depth
}

// CheckpointSegment remembers what a checkpointed layer needs for replay:
// its input and the seed its dropout masks were drawn from. Outputs and
// activation caches are deliberately NOT kept.
type CheckpointSegment struct {
	input *Tensor
	seed  int64
}

// NewCheckpointSegment records a layer's replay state.
func NewCheckpointSegment(input *Tensor, seed int64) *CheckpointSegment {
	return &CheckpointSegment{input: input, seed: seed}
}

// Input returns the recorded layer input.
func (s *CheckpointSegment) Input() *Tensor {
	return s.input
}

// RNG returns a generator positioned exactly where the original forward
// pass started, so replayed dropout masks match the discarded ones.
func (s *CheckpointSegment) RNG() *rand.Rand {
	return rand.New(rand.NewSource(s.seed))
}
