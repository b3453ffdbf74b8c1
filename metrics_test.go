package main

import (
	"math/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsAdvanceWithModelCalls(t *testing.T) {
	cfg := testConfig()
	enc, dec := buildEncDec(t, cfg)

	src := [][]int{{5, 7, 3}}
	bank, _ := enc.Forward(src)

	encBefore := testutil.ToFloat64(EncoderForwardsTotal)
	decBefore := testutil.ToFloat64(DecoderForwardsTotal)
	stepBefore := testutil.ToFloat64(DecoderStepsTotal)

	enc.Forward(src)
	dec.Forward([][]int{{1, 6}}, bank, src)
	buf := dec.NewBuffer(1, 4)
	dec.Step([][]int{{1}}, bank, src, buf)

	if got := testutil.ToFloat64(EncoderForwardsTotal); got != encBefore+1 {
		t.Errorf("encoder forward counter %v, want %v", got, encBefore+1)
	}
	if got := testutil.ToFloat64(DecoderForwardsTotal); got != decBefore+1 {
		t.Errorf("decoder forward counter %v, want %v", got, decBefore+1)
	}
	if got := testutil.ToFloat64(DecoderStepsTotal); got != stepBefore+1 {
		t.Errorf("decode step counter %v, want %v", got, stepBefore+1)
	}
}

func TestCheckpointCountersAdvance(t *testing.T) {
	cfg := testConfig()
	cfg.Checkpointing = cfg.EncoderLayers

	enc, err := NewParallelEncoder(cfg, nil, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}

	ckptBefore := testutil.ToFloat64(CheckpointedLayersTotal)
	replayBefore := testutil.ToFloat64(CheckpointRecomputesTotal)

	rng := rand.New(rand.NewSource(2))
	bank, _, cache := enc.ForwardWithCache([][]int{{5, 7, 3}}, rng)

	want := float64(cfg.EncoderLayers)
	if got := testutil.ToFloat64(CheckpointedLayersTotal); got != ckptBefore+want {
		t.Errorf("checkpointed layer counter advanced by %v, want %v", got-ckptBefore, want)
	}

	grad := NewTensor(bank.Shape()...)
	enc.Backward(grad, cache)
	if got := testutil.ToFloat64(CheckpointRecomputesTotal); got != replayBefore+want {
		t.Errorf("recompute counter advanced by %v, want %v", got-replayBefore, want)
	}
}
