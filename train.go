package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The training loop: masked cross-entropy over vocabulary logits, manual
// backpropagation through the whole model, gradient clipping, and two
// optimizers (SGD and Adam) behind one interface.
//
// Sequence batches are padded to a common length, so the loss must not
// reward the model for predicting padding. Every position whose TARGET
// token is padding contributes zero loss and zero gradient; the average
// runs over real tokens only.
//
// The backward pass here is plain chain rule, no autograd tape. Each
// component's ForwardWithCache records exactly what its Backward needs,
// and TrainStep wires them nose to tail:
//
//   logits -> loss gradient -> generator -> decoder -> memory bank
//          -> encoder -> embeddings
//
// Optimizers then consume the accumulated .grad buffers.
//
// ===========================================================================

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// TrainingConfig collects optimization hyperparameters.
type TrainingConfig struct {
	LearningRate      float64
	WeightDecay       float64
	GradientClipValue float64

	BatchSize int
	MaxSteps  int

	WarmupSteps int
	DecaySteps  int
	MinLR       float64

	Optimizer   string // "sgd", "adam"
	AdamBeta1   float64
	AdamBeta2   float64
	AdamEpsilon float64

	LogInterval int

	// Grow runs forward passes in frozen-prefix mode. Only meaningful
	// after MarkPretrained and AddLayers.
	Grow bool

	Seed int64
}

// DefaultTrainingConfig returns sensible defaults.
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		LearningRate:      3e-4,
		WeightDecay:       0.01,
		GradientClipValue: 1.0,

		BatchSize: 32,
		MaxSteps:  1000,

		WarmupSteps: 100,
		DecaySteps:  1000,
		MinLR:       1e-5,

		Optimizer:   "adam",
		AdamBeta1:   0.9,
		AdamBeta2:   0.999,
		AdamEpsilon: 1e-8,

		LogInterval: 50,

		Seed: 42,
	}
}

// Optimizer interface for different optimization algorithms.
type Optimizer interface {
	// Step updates parameters using their gradients.
	Step(params []*Tensor, lr float64)

	// ZeroGrad clears all gradients.
	ZeroGrad(params []*Tensor)
}

// SGDOptimizer implements Stochastic Gradient Descent.
type SGDOptimizer struct {
	weightDecay float64
}

// NewSGDOptimizer creates an SGD optimizer.
func NewSGDOptimizer(weightDecay float64) *SGDOptimizer {
	return &SGDOptimizer{
		weightDecay: weightDecay,
	}
}

// Step updates parameters using SGD: param -= lr * (grad + weightDecay * param).
func (opt *SGDOptimizer) Step(params []*Tensor, lr float64) {
	for _, p := range params {
		for i := range p.data {
			grad := p.grad[i] + opt.weightDecay*p.data[i]
			p.data[i] -= lr * grad
		}
	}
}

// ZeroGrad clears gradients.
func (opt *SGDOptimizer) ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// AdamOptimizer implements the Adam optimization algorithm.
//
// Update rule:
//   m_t = beta1 * m_{t-1} + (1 - beta1) * grad
//   v_t = beta2 * v_{t-1} + (1 - beta2) * grad²
//   m_hat = m_t / (1 - beta1^t)
//   v_hat = v_t / (1 - beta2^t)
//   param -= lr * m_hat / (sqrt(v_hat) + epsilon)
type AdamOptimizer struct {
	beta1       float64
	beta2       float64
	epsilon     float64
	weightDecay float64

	// State (one per parameter)
	m []*Tensor // First moment (momentum)
	v []*Tensor // Second moment (variance)
	t int       // Time step (for bias correction)
}

// NewAdamOptimizer creates an Adam optimizer with moment state matching the
// given parameter list. The list must stay stable across steps; growing the
// model invalidates the optimizer, build a fresh one after AddLayers.
func NewAdamOptimizer(params []*Tensor, beta1, beta2, epsilon, weightDecay float64) *AdamOptimizer {
	m := make([]*Tensor, len(params))
	v := make([]*Tensor, len(params))
	for i, p := range params {
		m[i] = NewTensor(p.shape...)
		v[i] = NewTensor(p.shape...)
	}

	return &AdamOptimizer{
		beta1:       beta1,
		beta2:       beta2,
		epsilon:     epsilon,
		weightDecay: weightDecay,
		m:           m,
		v:           v,
		t:           0,
	}
}

// Step performs an Adam update.
func (opt *AdamOptimizer) Step(params []*Tensor, lr float64) {
	if len(params) != len(opt.m) {
		panic(fmt.Sprintf("adam: %d params but state for %d; rebuild the optimizer after growing the model", len(params), len(opt.m)))
	}
	opt.t++

	bias1 := 1.0 - math.Pow(opt.beta1, float64(opt.t))
	bias2 := 1.0 - math.Pow(opt.beta2, float64(opt.t))

	for i, p := range params {
		for j := range p.data {
			grad := p.grad[j] + opt.weightDecay*p.data[j]

			opt.m[i].data[j] = opt.beta1*opt.m[i].data[j] + (1.0-opt.beta1)*grad
			opt.v[i].data[j] = opt.beta2*opt.v[i].data[j] + (1.0-opt.beta2)*grad*grad

			mHat := opt.m[i].data[j] / bias1
			vHat := opt.v[i].data[j] / bias2

			p.data[j] -= lr * mHat / (math.Sqrt(vHat) + opt.epsilon)
		}
	}
}

// ZeroGrad clears gradients.
func (opt *AdamOptimizer) ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// LRScheduler implements linear warmup followed by cosine decay.
type LRScheduler struct {
	baseLR      float64
	minLR       float64
	warmupSteps int
	decaySteps  int
	step        int
}

// NewLRScheduler creates a learning rate scheduler.
func NewLRScheduler(baseLR, minLR float64, warmupSteps, decaySteps int) *LRScheduler {
	return &LRScheduler{
		baseLR:      baseLR,
		minLR:       minLR,
		warmupSteps: warmupSteps,
		decaySteps:  decaySteps,
	}
}

// GetLR advances the schedule one step and returns the learning rate.
func (sched *LRScheduler) GetLR() float64 {
	sched.step++

	if sched.step < sched.warmupSteps {
		return sched.baseLR * float64(sched.step) / float64(sched.warmupSteps)
	}

	if sched.step < sched.decaySteps {
		progress := float64(sched.step-sched.warmupSteps) / float64(sched.decaySteps-sched.warmupSteps)
		cosine := 0.5 * (1.0 + math.Cos(math.Pi*progress))
		return sched.minLR + (sched.baseLR-sched.minLR)*cosine
	}

	return sched.minLR
}

// MaskedCrossEntropyLoss computes cross-entropy over (batch, len, vocab)
// logits against (batch, len) targets, skipping positions whose target is
// the padding token. Returns the loss averaged over real tokens and the
// real-token count.
func MaskedCrossEntropyLoss(logits *Tensor, targets [][]int, padID int) (float64, int) {
	if logits.Dims() != 3 {
		panic("MaskedCrossEntropyLoss expects 3D logits")
	}
	batch, length, vocab := logits.shape[0], logits.shape[1], logits.shape[2]
	if len(targets) != batch || len(targets[0]) != length {
		panic(fmt.Sprintf("targets (%d, %d) do not match logits (%d, %d)", len(targets), len(targets[0]), batch, length))
	}

	totalLoss := 0.0
	count := 0
	for b := 0; b < batch; b++ {
		for t := 0; t < length; t++ {
			if targets[b][t] == padID {
				continue
			}

			// log-sum-exp with max subtraction
			maxLogit := logits.At(b, t, 0)
			for v := 1; v < vocab; v++ {
				if l := logits.At(b, t, v); l > maxLogit {
					maxLogit = l
				}
			}
			sumExp := 0.0
			for v := 0; v < vocab; v++ {
				sumExp += math.Exp(logits.At(b, t, v) - maxLogit)
			}
			logSumExp := maxLogit + math.Log(sumExp)

			totalLoss += logSumExp - logits.At(b, t, targets[b][t])
			count++
		}
	}

	if count == 0 {
		return 0, 0
	}
	return totalLoss / float64(count), count
}

// MaskedCrossEntropyBackward returns the logit gradient of the averaged
// masked loss: softmax(logits) minus the one-hot target, scaled by 1/count,
// and zero at padding positions.
func MaskedCrossEntropyBackward(logits *Tensor, targets [][]int, padID int) *Tensor {
	batch, length, vocab := logits.shape[0], logits.shape[1], logits.shape[2]

	count := 0
	for b := 0; b < batch; b++ {
		for t := 0; t < length; t++ {
			if targets[b][t] != padID {
				count++
			}
		}
	}

	grad := NewTensor(batch, length, vocab)
	if count == 0 {
		return grad
	}
	scale := 1.0 / float64(count)

	for b := 0; b < batch; b++ {
		for t := 0; t < length; t++ {
			if targets[b][t] == padID {
				continue
			}

			maxLogit := logits.At(b, t, 0)
			for v := 1; v < vocab; v++ {
				if l := logits.At(b, t, v); l > maxLogit {
					maxLogit = l
				}
			}
			sumExp := 0.0
			for v := 0; v < vocab; v++ {
				sumExp += math.Exp(logits.At(b, t, v) - maxLogit)
			}

			for v := 0; v < vocab; v++ {
				p := math.Exp(logits.At(b, t, v)-maxLogit) / sumExp
				if v == targets[b][t] {
					p -= 1.0
				}
				grad.Set(p*scale, b, t, v)
			}
		}
	}
	return grad
}

// TrainStep performs a single training step over one padded batch.
// tgtIn is the decoder input (BOS-prefixed), tgtOut the shifted targets.
// clipNorm bounds the global gradient norm; 0 or negative disables
// clipping.
func TrainStep(model *Seq2Seq, srcIDs, tgtIn, tgtOut [][]int, optimizer Optimizer, lr, clipNorm float64, rng *rand.Rand, grow bool) float64 {
	start := time.Now()
	params := model.Parameters()
	optimizer.ZeroGrad(params)

	padID := model.Config().PadID
	logits, cache := model.ForwardWithCache(srcIDs, tgtIn, rng, grow)

	loss, tokens := MaskedCrossEntropyLoss(logits, tgtOut, padID)
	if tokens == 0 {
		Log.Warn("batch has no real target tokens, skipping step")
		return 0
	}

	gradLogits := MaskedCrossEntropyBackward(logits, tgtOut, padID)
	model.Backward(gradLogits, cache)

	clipGradients(params, clipNorm)
	optimizer.Step(params, lr)

	RecordTrainStep(loss, time.Since(start))
	return loss
}

// clipGradients clips gradients by global norm. maxNorm <= 0 records the
// norm without clipping.
func clipGradients(params []*Tensor, maxNorm float64) {
	globalNorm := 0.0
	for _, p := range params {
		for _, g := range p.grad {
			globalNorm += g * g
		}
	}
	globalNorm = math.Sqrt(globalNorm)
	GradientNorm.Observe(globalNorm)

	if maxNorm > 0 && globalNorm > maxNorm {
		scale := maxNorm / globalNorm
		for _, p := range params {
			for i := range p.grad {
				p.grad[i] *= scale
			}
		}
	}
}

// Batch holds parallel source, decoder-input, and target slices padded to
// common lengths.
type Batch struct {
	Src    [][]int
	TgtIn  [][]int
	TgtOut [][]int
}

// Train iterates batches until MaxSteps, cycling through the data.
func Train(model *Seq2Seq, batches []Batch, config TrainingConfig) {
	if len(batches) == 0 {
		Log.Warn("no training batches")
		return
	}

	params := model.Parameters()
	var optimizer Optimizer
	switch config.Optimizer {
	case "sgd":
		optimizer = NewSGDOptimizer(config.WeightDecay)
	default:
		optimizer = NewAdamOptimizer(params, config.AdamBeta1, config.AdamBeta2, config.AdamEpsilon, config.WeightDecay)
	}
	sched := NewLRScheduler(config.LearningRate, config.MinLR, config.WarmupSteps, config.DecaySteps)
	rng := rand.New(rand.NewSource(config.Seed))

	Log.Info("training started",
		"steps", config.MaxSteps, "batches", len(batches),
		"optimizer", config.Optimizer, "grow", config.Grow)

	runningLoss := 0.0
	for step := 1; step <= config.MaxSteps; step++ {
		batch := batches[(step-1)%len(batches)]
		lr := sched.GetLR()

		loss := TrainStep(model, batch.Src, batch.TgtIn, batch.TgtOut, optimizer, lr, config.GradientClipValue, rng, config.Grow)
		runningLoss += loss

		if config.LogInterval > 0 && step%config.LogInterval == 0 {
			Log.Info("train step",
				"step", step, "loss", fmt.Sprintf("%.4f", runningLoss/float64(config.LogInterval)),
				"lr", fmt.Sprintf("%.6f", lr))
			runningLoss = 0.0
		}
	}
	Log.Info("training finished")
}
