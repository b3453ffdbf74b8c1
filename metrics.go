package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EncoderForwardsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "encoder_forwards_total",
		Help: "Total number of encoder forward passes",
	})

	DecoderForwardsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "decoder_forwards_total",
		Help: "Total number of decoder forward passes",
	})

	DecoderStepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "decoder_steps_total",
		Help: "Total number of incremental decode steps",
	})

	StepDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "decode_step_duration_seconds",
		Help: "Duration of incremental decode steps",
	})

	SequenceLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sequence_length_tokens",
		Help:    "Distribution of source sequence lengths processed",
		Buckets: []float64{8, 16, 32, 64, 128, 256, 512, 1024, 2048},
	})

	CheckpointedLayersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkpointed_layers_total",
		Help: "Total number of layer forwards run without stored activations",
	})

	CheckpointRecomputesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkpoint_recomputes_total",
		Help: "Total number of layer forwards replayed during backward",
	})

	TrainStepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "train_steps_total",
		Help: "Total number of optimizer steps taken",
	})

	TrainLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "train_loss",
		Help: "Cross-entropy loss of the most recent training step",
	})

	TrainStepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "train_step_duration_seconds",
		Help:    "Histogram of training step wall time",
		Buckets: prometheus.DefBuckets,
	})

	GradientNorm = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gradient_norm",
		Help:    "Global gradient norm before clipping",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 50, 100},
	})
)

// RecordDecodeStep records one incremental decode step.
func RecordDecodeStep(duration time.Duration) {
	StepDuration.Observe(duration.Seconds())
}

// RecordTrainStep records one optimizer step.
func RecordTrainStep(loss float64, duration time.Duration) {
	TrainStepsTotal.Inc()
	TrainLoss.Set(loss)
	TrainStepDuration.Observe(duration.Seconds())
}
