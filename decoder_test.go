package main

import (
	"math"
	"math/rand"
	"testing"
)

func buildEncDec(t *testing.T, cfg Config) (*ParallelEncoder, *ParallelDecoder) {
	t.Helper()
	enc, err := NewParallelEncoder(cfg, nil, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	dec, err := NewParallelDecoder(cfg, nil, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatal(err)
	}
	return enc, dec
}

func TestDecoderOutputShape(t *testing.T) {
	cfg := testConfig()
	enc, dec := buildEncDec(t, cfg)

	src := [][]int{{5, 7, 3}}
	tgt := [][]int{{1, 6, 8, 4}}
	bank, _ := enc.Forward(src)

	out, coverage := dec.Forward(tgt, bank, src)
	if s := out.Shape(); s[0] != 1 || s[1] != 4 || s[2] != cfg.ModelSize {
		t.Fatalf("output shape = %v", s)
	}
	if s := coverage.Shape(); s[0] != 1 || s[1] != 4 || s[2] != 3 {
		t.Fatalf("coverage shape = %v", s)
	}
}

func TestDecoderRejectsMismatchedBank(t *testing.T) {
	cfg := testConfig()
	enc, err := NewParallelEncoder(cfg, nil, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}

	deeper := cfg
	deeper.EncoderLayers = 3
	deeper.DecoderLayers = 3
	dec, err := NewParallelDecoder(deeper, nil, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatal(err)
	}

	src := [][]int{{5, 7}}
	bank, _ := enc.Forward(src) // 2 entries against a 3-layer decoder

	defer func() {
		if recover() == nil {
			t.Fatal("mismatched memory bank did not panic")
		}
	}()
	dec.Forward([][]int{{1, 6}}, bank, src)
}

// TestDecoderStepMatchesFull decodes a fixed target prefix one position at
// a time through the buffered path and expects every position to match the
// full-sequence forward exactly. With dropout disabled both paths are
// deterministic, so the comparison can be tight.
func TestDecoderStepMatchesFull(t *testing.T) {
	cfg := testConfig()
	enc, dec := buildEncDec(t, cfg)

	src := [][]int{{5, 7, 3}}
	tgt := [][]int{{1, 6, 8, 4, 9}}
	bank, _ := enc.Forward(src)

	full, _ := dec.Forward(tgt, bank, src)

	buf := dec.NewBuffer(1, len(tgt[0]))
	for pos := 0; pos < len(tgt[0]); pos++ {
		if buf.Pos() != pos {
			t.Fatalf("buffer position %d before step %d", buf.Pos(), pos)
		}
		prefix := [][]int{tgt[0][:pos+1]}
		out, _ := dec.Step(prefix, bank, src, buf)

		for d := 0; d < cfg.ModelSize; d++ {
			got, want := out.At(0, 0, d), full.At(0, pos, d)
			if math.Abs(got-want) > 1e-9 {
				t.Fatalf("step pos %d dim %d = %v, full forward = %v", pos, d, got, want)
			}
		}
	}
}

func TestDecoderStepOutOfOrderPanics(t *testing.T) {
	cfg := testConfig()
	enc, dec := buildEncDec(t, cfg)

	src := [][]int{{5, 7}}
	bank, _ := enc.Forward(src)
	buf := dec.NewBuffer(1, 8)

	dec.Step([][]int{{1}}, bank, src, buf)

	defer func() {
		if recover() == nil {
			t.Fatal("skipping a decode position did not panic")
		}
	}()
	dec.Step([][]int{{1, 6, 8}}, bank, src, buf) // position 2, expected 1
}

func TestDecoderStepCoverageSpansSource(t *testing.T) {
	cfg := testConfig()
	enc, dec := buildEncDec(t, cfg)

	src := [][]int{{5, 7, 3, 9}}
	bank, _ := enc.Forward(src)
	buf := dec.NewBuffer(1, 4)

	_, coverage := dec.Step([][]int{{1}}, bank, src, buf)
	if s := coverage.Shape(); s[0] != 1 || s[1] != 1 || s[2] != 4 {
		t.Fatalf("step coverage shape = %v", s)
	}
	sum := 0.0
	for j := 0; j < 4; j++ {
		sum += coverage.At(0, 0, j)
	}
	if math.Abs(sum-1.0) > 1e-9 {
		t.Fatalf("step coverage sums to %v", sum)
	}
}
