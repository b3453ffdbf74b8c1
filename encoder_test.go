package main

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncoderBankShape(t *testing.T) {
	cfg := testConfig()
	enc, err := NewParallelEncoder(cfg, nil, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}

	// One sentence of two real tokens followed by padding. The bank holds
	// one entry per layer: the normalized attention inputs of every layer
	// past the first, plus the final postprocessed output.
	bank, mask := enc.Forward([][]int{{5, 7, cfg.PadID}})

	wantBank := []int{cfg.EncoderLayers, 1, 3, cfg.ModelSize}
	if diff := cmp.Diff(wantBank, bank.Shape()); diff != "" {
		t.Errorf("bank shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 3}, mask.Shape()); diff != "" {
		t.Errorf("mask shape mismatch (-want +got):\n%s", diff)
	}
	if !mask.At(0, 2) {
		t.Error("padding position not suppressed in source mask")
	}
	if mask.At(0, 0) || mask.At(0, 1) {
		t.Error("real token suppressed in source mask")
	}
}

func TestEncoderBankLengthTracksDepth(t *testing.T) {
	cfg := testConfig()
	cfg.EncoderLayers = 3
	cfg.DecoderLayers = 3
	enc, err := NewParallelEncoder(cfg, nil, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}

	bank, _ := enc.Forward([][]int{{5, 7, 3, 2}})
	if bank.Shape()[0] != 3 {
		t.Fatalf("bank has %d entries for a 3-layer stack", bank.Shape()[0])
	}
}

func TestEncoderAllPaddingSource(t *testing.T) {
	cfg := testConfig()
	enc, err := NewParallelEncoder(cfg, nil, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}

	// Fully padded rows are legal input; every key is suppressed but the
	// forward must still produce finite values rather than panic.
	bank, _ := enc.Forward([][]int{{cfg.PadID, cfg.PadID, cfg.PadID}})
	for _, v := range bank.data {
		if v != v { // NaN check
			t.Fatal("all-padding source produced NaN")
		}
	}
}

func TestEncoderForwardDeterministicInInference(t *testing.T) {
	cfg := testConfig()
	enc, err := NewParallelEncoder(cfg, nil, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}

	src := [][]int{{5, 7, 3}}
	a, _ := enc.Forward(src)
	b, _ := enc.Forward(src)
	if diff := cmp.Diff(a.data, b.data); diff != "" {
		t.Errorf("repeated inference forward differs:\n%s", diff)
	}
}

func TestEncoderGrowForwardRequiresMark(t *testing.T) {
	cfg := testConfig()
	enc, err := NewParallelEncoder(cfg, nil, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("grow-mode forward without MarkPretrained did not panic")
		}
	}()
	enc.ForwardGrow([][]int{{5, 7}}, rand.New(rand.NewSource(2)))
}
