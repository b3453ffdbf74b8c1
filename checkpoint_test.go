package main

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCheckpointPolicyActive(t *testing.T) {
	cases := []struct {
		depth, i, numLayers int
		want                bool
	}{
		{0, 0, 4, false},
		{0, 3, 4, false},
		{1, 3, 4, true},
		{1, 2, 4, false},
		{2, 2, 4, true},
		{2, 1, 4, false},
		{4, 0, 4, true},
		{8, 0, 4, true}, // depth past the stack checkpoints everything
	}
	for _, c := range cases {
		p := NewCheckpointPolicy(c.depth)
		if got := p.Active(c.i, c.numLayers); got != c.want {
			t.Errorf("depth %d: Active(%d, %d) = %v, want %v", c.depth, c.i, c.numLayers, got, c.want)
		}
	}
}

func TestCheckpointSegmentReplaysDropout(t *testing.T) {
	seg := NewCheckpointSegment(NewTensor(1, 1), 42)

	a := make([]int64, 8)
	b := make([]int64, 8)
	for i := range a {
		a[i] = seg.RNG().Int63()
	}
	rng := seg.RNG()
	for i := range b {
		b[i] = rng.Int63()
	}
	if a[0] != b[0] {
		t.Error("replay generator not positioned at the recorded seed")
	}

	// Each RNG() call must restart the stream, not continue it.
	first := seg.RNG().Int63()
	second := seg.RNG().Int63()
	if first != second {
		t.Error("successive RNG() calls do not restart from the seed")
	}
}

// TestCheckpointingGradientEquivalence is the core guarantee: recomputing
// the trailing layers during backward must yield the exact gradients the
// cached path yields, dropout included. Two models with identical weights
// and identical training randomness, one caching everything and one
// checkpointing two layers per stack, must agree on every parameter
// gradient bit for bit.
func TestCheckpointingGradientEquivalence(t *testing.T) {
	cfg := testConfig()
	cfg.Dropout = 0.1
	cfg.AttnDropout = 0.1

	ckptCfg := cfg
	ckptCfg.Checkpointing = 2

	plain, err := NewSeq2Seq(cfg, 11)
	if err != nil {
		t.Fatal(err)
	}
	ckpt, err := NewSeq2Seq(ckptCfg, 11)
	if err != nil {
		t.Fatal(err)
	}

	src := [][]int{{5, 7, 3, cfg.PadID}, {9, 4, 6, 8}}
	tgtIn := [][]int{{1, 6, 8}, {1, 5, 7}}
	tgtOut := [][]int{{6, 8, 2}, {5, 7, 2}}

	run := func(m *Seq2Seq) *Tensor {
		rng := rand.New(rand.NewSource(99))
		logits, cache := m.ForwardWithCache(src, tgtIn, rng, false)
		grad := MaskedCrossEntropyBackward(logits, tgtOut, cfg.PadID)
		m.Backward(grad, cache)
		return logits
	}

	plainLogits := run(plain)
	ckptLogits := run(ckpt)

	if diff := cmp.Diff(plainLogits.data, ckptLogits.data); diff != "" {
		t.Fatalf("forward logits differ with checkpointing:\n%s", diff)
	}

	plainParams := plain.Parameters()
	ckptParams := ckpt.Parameters()
	if len(plainParams) != len(ckptParams) {
		t.Fatalf("parameter counts differ: %d vs %d", len(plainParams), len(ckptParams))
	}
	for i := range plainParams {
		if diff := cmp.Diff(plainParams[i].grad, ckptParams[i].grad); diff != "" {
			t.Fatalf("gradient %d differs with checkpointing:\n%s", i, diff)
		}
	}
}
