package main

import (
	"math/rand"
	"testing"
)

func TestParametersDeduplicatesSharedTables(t *testing.T) {
	cfg := testConfig()
	untied, err := NewSeq2Seq(cfg, 1)
	if err != nil {
		t.Fatal(err)
	}

	shared := cfg
	shared.JoinEmbedding = true
	shared.TieWeights = true
	tied, err := NewSeq2Seq(shared, 1)
	if err != nil {
		t.Fatal(err)
	}

	// Untied: encoder table, decoder table, generator weight. Shared: one
	// table serving all three roles, so two fewer parameter tensors.
	if got, want := len(tied.Parameters()), len(untied.Parameters())-2; got != want {
		t.Errorf("shared model has %d parameters, want %d", got, want)
	}

	seen := make(map[*Tensor]bool)
	for _, p := range tied.Parameters() {
		if seen[p] {
			t.Fatal("Parameters() returned the same tensor twice")
		}
		seen[p] = true
	}
}

func TestTiedGeneratorOwnsNoWeight(t *testing.T) {
	cfg := testConfig()
	cfg.JoinEmbedding = true
	cfg.TieWeights = true
	model, err := NewSeq2Seq(cfg, 1)
	if err != nil {
		t.Fatal(err)
	}
	if params := model.gen.Params(); len(params) != 0 {
		t.Fatalf("tied generator owns %d parameter tensors", len(params))
	}
}

// TestTiedPadRowStaysZero pins the shared-table invariant under weight
// tying: the projection side of a tied generator receives gradient for
// every vocabulary row, PAD included (softmax puts probability mass on the
// PAD class at real positions), and that leak must not move the embedding
// table's pinned-zero PAD row.
func TestTiedPadRowStaysZero(t *testing.T) {
	cfg := testConfig()
	cfg.JoinEmbedding = true
	cfg.TieWeights = true
	model, err := NewSeq2Seq(cfg, 1)
	if err != nil {
		t.Fatal(err)
	}
	table := model.Decoder.Embedding().Weights()

	opt := NewSGDOptimizer(0)
	rng := rand.New(rand.NewSource(3))
	TrainStep(model, [][]int{{5, 7, 3}}, [][]int{{1, 6, 8}}, [][]int{{6, 8, 2}},
		opt, 1e-2, 1.0, rng, false)

	for d := 0; d < cfg.ModelSize; d++ {
		if g := table.GradAt(cfg.PadID, d); g != 0 {
			t.Fatalf("tied PAD row received gradient %v at dim %d", g, d)
		}
		if v := table.At(cfg.PadID, d); v != 0 {
			t.Fatalf("tied PAD row moved to %v at dim %d after one step", v, d)
		}
	}
}

// An untied projection's PAD row is an ordinary output class weight and
// keeps training.
func TestUntiedGeneratorPadRowTrains(t *testing.T) {
	cfg := testConfig()
	model, err := NewSeq2Seq(cfg, 1)
	if err != nil {
		t.Fatal(err)
	}

	opt := NewSGDOptimizer(0)
	rng := rand.New(rand.NewSource(3))
	TrainStep(model, [][]int{{5, 7, 3}}, [][]int{{1, 6, 8}}, [][]int{{6, 8, 2}},
		opt, 1e-2, 1.0, rng, false)

	nonzero := false
	for d := 0; d < cfg.ModelSize; d++ {
		if model.gen.weight.GradAt(cfg.PadID, d) != 0 {
			nonzero = true
		}
	}
	if !nonzero {
		t.Error("untied projection PAD row received no gradient")
	}
}

func TestGeneratorLogitShape(t *testing.T) {
	cfg := testConfig()
	gen := NewGenerator(cfg, nil, rand.New(rand.NewSource(1)))

	x := NewTensorRand(rand.New(rand.NewSource(2)), 1.0, 6, cfg.ModelSize)
	logits := gen.Forward(x)
	if s := logits.Shape(); s[0] != 6 || s[1] != cfg.VocabSize {
		t.Fatalf("logit shape = %v", s)
	}
}

func TestTranslateProducesBoundedSequences(t *testing.T) {
	cfg := testConfig()
	model, err := NewSeq2Seq(cfg, 1)
	if err != nil {
		t.Fatal(err)
	}

	const maxLen = 6
	hyps := model.Translate([][]int{{5, 7, 3}, {9, 4, 6}}, maxLen)
	if len(hyps) != 2 {
		t.Fatalf("got %d hypotheses for 2 sources", len(hyps))
	}
	for b, hyp := range hyps {
		if len(hyp) > maxLen {
			t.Errorf("hypothesis %d has length %d, cap %d", b, len(hyp), maxLen)
		}
		for _, id := range hyp {
			if id < 0 || id >= cfg.VocabSize {
				t.Errorf("hypothesis %d contains out-of-vocabulary id %d", b, id)
			}
			if id == cfg.EosID {
				t.Errorf("hypothesis %d leaks the end-of-sequence token", b)
			}
		}
	}
}

func TestTranslateRejectsNonPositiveLimit(t *testing.T) {
	cfg := testConfig()
	model, err := NewSeq2Seq(cfg, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("Translate with limit 0 did not panic")
		}
	}()
	model.Translate([][]int{{5}}, 0)
}

func TestForwardLogitShape(t *testing.T) {
	cfg := testConfig()
	model, err := NewSeq2Seq(cfg, 1)
	if err != nil {
		t.Fatal(err)
	}

	logits, coverage := model.Forward([][]int{{5, 7, 3}}, [][]int{{1, 6}})
	if s := logits.Shape(); s[0] != 1 || s[1] != 2 || s[2] != cfg.VocabSize {
		t.Fatalf("logit shape = %v", s)
	}
	if s := coverage.Shape(); s[0] != 1 || s[1] != 2 || s[2] != 3 {
		t.Fatalf("coverage shape = %v", s)
	}
}
