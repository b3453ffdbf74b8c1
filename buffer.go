package main

import (
	"fmt"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Incremental decode buffers. During generation the decoder runs one
// position at a time; recomputing self-attention keys and values for the
// whole prefix at every position would make generation O(n²) in wasted
// work. The buffer keeps, per decoder layer:
//
//   - the self-attention K/V projections of every position decoded so far
//     (appended in place, preallocated to the session's maximum length),
//   - the cross-attention K/V projections of the layer's memory-bank
//     entry (the source never changes within a session, so these are
//     projected exactly once, lazily on the first step),
//   - and for the recurrent time encoder, the running hidden state.
//
// The buffer belongs to the decode driver, not to the stack. The stack
// mutates it in place and never retains a reference. One buffer serves
// exactly one decode session; sharing it across concurrent sessions is
// undefined.
//
// ===========================================================================

// LayerKV holds one decoder layer's accumulated self-attention projections.
type LayerKV struct {
	keys   *Tensor // (batch, maxLen, dim)
	values *Tensor // (batch, maxLen, dim)
	length int     // positions filled so far
	maxLen int
	dim    int
}

// append writes the projection of the newest position for batch row b.
// advance commits the position once every batch row is written.
func (kv *LayerKV) append(b int, k, v []float64) {
	if kv.length >= kv.maxLen {
		panic(fmt.Sprintf("buffer: session exceeds maximum length %d", kv.maxLen))
	}
	offset := (b*kv.maxLen + kv.length) * kv.dim
	copy(kv.keys.data[offset:offset+kv.dim], k)
	copy(kv.values.data[offset:offset+kv.dim], v)
}

func (kv *LayerKV) advance() {
	kv.length++
}

// CrossKV holds a layer's fixed source-side projections for one session.
type CrossKV struct {
	keys   *Tensor // (batch, srcLen, dim)
	values *Tensor // (batch, srcLen, dim)
	srcLen int
}

// DecodeBuffer is the caller-owned per-session state for incremental
// decoding, indexed by decoder layer.
type DecodeBuffer struct {
	self   []*LayerKV
	cross  []*CrossKV // filled lazily on the first step
	hidden *Tensor    // recurrent time-encoder state, nil until first step

	pos int // next expected decode position
}

// NewDecodeBuffer allocates buffers for numLayers decoder layers, batch
// rows, and sessions up to maxLen positions.
func NewDecodeBuffer(numLayers, batch, maxLen, dim int) *DecodeBuffer {
	buf := &DecodeBuffer{
		self:  make([]*LayerKV, numLayers),
		cross: make([]*CrossKV, numLayers),
	}
	for i := range buf.self {
		buf.self[i] = &LayerKV{
			keys:   NewTensor(batch, maxLen, dim),
			values: NewTensor(batch, maxLen, dim),
			maxLen: maxLen,
			dim:    dim,
		}
	}
	return buf
}

// Layers returns the number of decoder layers the buffer was sized for.
func (buf *DecodeBuffer) Layers() int {
	return len(buf.self)
}

// Pos returns the next expected decode position.
func (buf *DecodeBuffer) Pos() int {
	return buf.pos
}

func (buf *DecodeBuffer) commit() {
	buf.pos++
}
