package main

import (
	"fmt"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Masks. Two kinds, both boolean with true = "suppress this position":
//
//   padding mask - derived from token ids, true where the id is PAD.
//                  Keeps attention from assigning weight to padding.
//   causal mask  - strictly upper triangular: position i may not attend
//                  to any j > i. The diagonal is NOT suppressed; a token
//                  always sees itself.
//
// The decoder's self-attention mask is the OR of the two. The causal
// pattern depends only on lengths, so one registry instance per decoder
// holds a (maxLen, maxLen) table and grows it on demand when a longer
// sequence shows up. It never shrinks: renewing to a smaller length is a
// no-op, so repeated renewals to the same length are idempotent.
//
// ===========================================================================

// Mask is a boolean tensor; true marks a suppressed attention position.
type Mask struct {
	data  []bool
	shape []int
}

// NewMask creates an all-false mask with the given shape.
func NewMask(shape ...int) *Mask {
	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("mask: shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}
	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)
	return &Mask{data: make([]bool, size), shape: shapeCopy}
}

// Shape returns a copy of the mask's shape.
func (m *Mask) Shape() []int {
	shape := make([]int, len(m.shape))
	copy(shape, m.shape)
	return shape
}

// At reports whether the position at the given indices is suppressed.
func (m *Mask) At(indices ...int) bool {
	return m.data[m.flatIndex(indices)]
}

// Set marks the position at the given indices.
func (m *Mask) Set(value bool, indices ...int) {
	m.data[m.flatIndex(indices)] = value
}

func (m *Mask) flatIndex(indices []int) int {
	if len(indices) != len(m.shape) {
		panic(fmt.Sprintf("mask: expected %d indices, got %d", len(m.shape), len(indices)))
	}
	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= m.shape[i] {
			panic(fmt.Sprintf("mask: index[%d]=%d out of bounds [0,%d)", i, indices[i], m.shape[i]))
		}
		idx += indices[i] * stride
		stride *= m.shape[i]
	}
	return idx
}

// PaddingMask builds a (batch, length) mask from token ids, true where PAD.
// All rows must have equal length.
func PaddingMask(ids [][]int, padID int) *Mask {
	if len(ids) == 0 || len(ids[0]) == 0 {
		panic("mask: empty token sequence")
	}
	batch, length := len(ids), len(ids[0])
	m := NewMask(batch, length)
	for b, row := range ids {
		if len(row) != length {
			panic(fmt.Sprintf("mask: ragged batch, row %d has length %d, want %d", b, len(row), length))
		}
		for i, id := range row {
			if id == padID {
				m.data[b*length+i] = true
			}
		}
	}
	return m
}

// CausalMask is the strictly-upper-triangular suppression registry shared
// by a decoder stack. Entry (i, j) is suppressing iff j > i.
type CausalMask struct {
	maxLen int
	data   []bool // (maxLen, maxLen) row-major
}

// NewCausalMask builds a registry covering sequence lengths up to maxLen.
func NewCausalMask(maxLen int) *CausalMask {
	m := &CausalMask{}
	m.Renew(maxLen)
	return m
}

// Renew regenerates the table for a new maximum length. Renewing to the
// current maximum or smaller is a no-op; the table never shrinks.
func (m *CausalMask) Renew(maxLen int) {
	if maxLen <= m.maxLen {
		return
	}
	data := make([]bool, maxLen*maxLen)
	for i := 0; i < maxLen; i++ {
		for j := i + 1; j < maxLen; j++ {
			data[i*maxLen+j] = true
		}
	}
	m.maxLen = maxLen
	m.data = data
}

// MaxLen returns the current maximum covered sequence length.
func (m *CausalMask) MaxLen() int {
	return m.maxLen
}

// Suppressed reports whether query position i may not attend to position j.
// Grows the table on demand when positions beyond the maximum are observed.
func (m *CausalMask) Suppressed(i, j int) bool {
	if i >= m.maxLen || j >= m.maxLen {
		m.Renew(max(i, j) + 1)
	}
	return m.data[i*m.maxLen+j]
}

// Matrix returns the (n, n) suppression pattern for sequence length n.
func (m *CausalMask) Matrix(n int) *Mask {
	m.Renew(n)
	out := NewMask(n, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out.data[i*n+j] = m.data[i*m.maxLen+j]
		}
	}
	return out
}

// DecoderSelfMask builds the (batch, length, length) decoder self-attention
// mask: padding OR causal.
func DecoderSelfMask(ids [][]int, padID int, causal *CausalMask) *Mask {
	pad := PaddingMask(ids, padID)
	batch, length := pad.shape[0], pad.shape[1]
	causal.Renew(length)

	out := NewMask(batch, length, length)
	for b := 0; b < batch; b++ {
		for i := 0; i < length; i++ {
			for j := 0; j < length; j++ {
				out.data[(b*length+i)*length+j] = pad.data[b*length+j] || causal.Suppressed(i, j)
			}
		}
	}
	return out
}

// EncoderSelfMask builds the (batch, length, length) encoder self-attention
// mask: source padding broadcast over query positions.
func EncoderSelfMask(ids [][]int, padID int) *Mask {
	pad := PaddingMask(ids, padID)
	batch, length := pad.shape[0], pad.shape[1]

	out := NewMask(batch, length, length)
	for b := 0; b < batch; b++ {
		for i := 0; i < length; i++ {
			for j := 0; j < length; j++ {
				out.data[(b*length+i)*length+j] = pad.data[b*length+j]
			}
		}
	}
	return out
}

// CrossAttnMask builds the (batch, tgtLen, srcLen) cross-attention mask:
// source padding broadcast over target positions.
func CrossAttnMask(srcIDs [][]int, padID, tgtLen int) *Mask {
	pad := PaddingMask(srcIDs, padID)
	batch, srcLen := pad.shape[0], pad.shape[1]

	out := NewMask(batch, tgtLen, srcLen)
	for b := 0; b < batch; b++ {
		for i := 0; i < tgtLen; i++ {
			for j := 0; j < srcLen; j++ {
				out.data[(b*tgtLen+i)*srcLen+j] = pad.data[b*srcLen+j]
			}
		}
	}
	return out
}

// StepSelfMask builds the (batch, 1, t+1) mask for decoding position t:
// the new query may attend to every prefix position that is not PAD.
// prefix holds ids for positions 0..t per batch row.
func StepSelfMask(prefix [][]int, padID int) *Mask {
	if len(prefix) == 0 || len(prefix[0]) == 0 {
		panic("mask: empty decode prefix")
	}
	batch, length := len(prefix), len(prefix[0])
	out := NewMask(batch, 1, length)
	for b, row := range prefix {
		if len(row) != length {
			panic(fmt.Sprintf("mask: ragged prefix, row %d has length %d, want %d", b, len(row), length))
		}
		for j, id := range row {
			if id == padID {
				out.data[b*length+j] = true
			}
		}
	}
	return out
}
