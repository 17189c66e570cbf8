// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 JayKays

package bnn

import "fmt"

// TrainConfig holds optimizer and objective hyperparameters.
type TrainConfig struct {
	LR          float32 // peak learning rate
	Beta1       float32 // AdamW first moment decay
	Beta2       float32 // AdamW second moment decay
	Eps         float32 // AdamW epsilon (numerical stability)
	WeightDecay float32 // AdamW weight decay coefficient
	GradClip    float32 // max gradient L2 norm
	WarmupSteps int     // linear warmup phase length
	TotalSteps  int     // total training steps (for cosine schedule)

	ELBOSamples          int     // Monte-Carlo samples per training step
	ComplexityCostWeight float32 // weight of the KL complexity term
}

// DefaultTrainConfig returns standard training hyperparameters.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		LR:                   1e-2,
		Beta1:                0.9,
		Beta2:                0.999,
		Eps:                  1e-8,
		WeightDecay:          0,
		GradClip:             10.0,
		WarmupSteps:          10,
		TotalSteps:           10000,
		ELBOSamples:          5,
		ComplexityCostWeight: 1,
	}
}

// AdamWState holds the first and second moment estimates for one parameter tensor.
type AdamWState struct {
	M *Tensor // first moment (mean of gradients)
	V *Tensor // second moment (mean of squared gradients)
}

// Trainer encapsulates the model, optimizer state, and LR schedule. One step
// estimates the ELBO gradient over a handful of Monte-Carlo weight samples
// and applies an AdamW update to every posterior parameter.
type Trainer struct {
	model  *BNN
	config TrainConfig
	step   int
	states []AdamWState // one per parameter tensor
}

// NewTrainer creates a Trainer with AdamW optimizer state initialized to zero.
func NewTrainer(m *BNN, cfg TrainConfig) *Trainer {
	params := m.Parameters()
	states := make([]AdamWState, len(params))
	for i, p := range params {
		states[i] = AdamWState{
			M: Zeros(p.Shape()),
			V: Zeros(p.Shape()),
		}
	}
	return &Trainer{model: m, config: cfg, states: states}
}

// GetLR computes the current learning rate using linear warmup + cosine decay
// to 10% of the peak.
func (t *Trainer) GetLR() float32 {
	if t.step < t.config.WarmupSteps {
		return t.config.LR * float32(t.step) / float32(t.config.WarmupSteps)
	}
	progress := float32(t.step-t.config.WarmupSteps) / float32(t.config.TotalSteps-t.config.WarmupSteps)
	if progress > 1.0 {
		progress = 1.0
	}
	minLR := t.config.LR * 0.1
	return minLR + 0.5*(t.config.LR-minLR)*(1.0+CosF32(3.1415927*progress))
}

// Step returns the current training step count.
func (t *Trainer) Step() int { return t.step }

// sseGrad builds dLoss/dPred for the sum-of-squares term: 2*(pred - target),
// scaled. A rank-2 target is broadcast across the model axis.
func sseGrad(pred, target *Tensor, scale float32) *Tensor {
	models, batch, dim := pred.Shape().At(0), pred.Shape().At(1), pred.Shape().At(2)
	grad := New(pred.Shape())
	p, tg, g := pred.DataPtr(), target.DataPtr(), grad.DataPtr()
	perModel := batch * dim
	broadcast := target.Shape().NDim() == 2
	for model := 0; model < models; model++ {
		off := model * perModel
		for i := 0; i < perModel; i++ {
			ti := i
			if !broadcast {
				ti = off + i
			}
			g[off+i] = 2 * (p[off+i] - tg[ti]) * scale
		}
	}
	return grad
}

// TrainStep performs a single variational training step: for each Monte-Carlo
// sample, a fresh stochastic forward pass, its reconstruction error, and a
// backward pass through the reparameterized weights; then the exact KL
// gradient, global gradient-norm clipping, and an AdamW update.
//
// AdamW update rule per parameter:
//
//	m = beta1 * m + (1 - beta1) * g
//	v = beta2 * v + (1 - beta2) * g^2
//	m_hat = m / (1 - beta1^t), v_hat = v / (1 - beta2^t)
//	w -= lr * (m_hat / (sqrt(v_hat) + eps) + weight_decay * w)
//
// Returns the loss value matching the model's Loss semantics for this batch:
// mean of per-sample sums unfrozen, plain sum-of-squares frozen.
func (t *Trainer) TrainStep(input, target *Tensor) (float32, error) {
	if input.Shape().NDim() != target.Shape().NDim() {
		return 0, fmt.Errorf("input rank %d != target rank %d", input.Shape().NDim(), target.Shape().NDim())
	}
	t.step++

	params := t.model.Parameters()
	for _, p := range params {
		p.ZeroGrad()
	}

	samples := t.config.ELBOSamples
	if samples < 1 || t.model.Frozen() {
		samples = 1
	}
	invN := 1 / float32(samples)

	sseTotal := float32(0)
	for s := 0; s < samples; s++ {
		pred := t.model.ForwardDirect(input)
		sseTotal += sumSquaredError(pred, target)
		t.model.backward(sseGrad(pred, target, invN))
	}
	loss := sseTotal * invN

	// The complexity term is sample-free: averaging it over the Monte-Carlo
	// loop leaves both the value and the gradient unchanged, so it is added
	// exactly once.
	if !t.model.Frozen() {
		klScale := t.config.ComplexityCostWeight / float32(len(t.model.units))
		loss += t.model.KLDivergence() * klScale
		for _, u := range t.model.units {
			u.accumulateKLGrads(klScale)
		}
	}

	// Global gradient norm clipping across all parameters.
	globalNormSq := float32(0)
	for _, p := range params {
		if p.Grad != nil {
			for _, g := range p.Grad {
				globalNormSq += g * g
			}
		}
	}
	globalNorm := SqrtF32(globalNormSq)

	clipCoeff := float32(1.0)
	if t.config.GradClip > 0 && globalNorm > t.config.GradClip {
		clipCoeff = t.config.GradClip / (globalNorm + 1e-12)
	}

	lr := t.GetLR()
	mCorr := 1.0 / (1 - PowF32(t.config.Beta1, float32(t.step)))
	vCorr := 1.0 / (1 - PowF32(t.config.Beta2, float32(t.step)))
	b1, b2, eps, wd := t.config.Beta1, t.config.Beta2, t.config.Eps, t.config.WeightDecay

	for i, param := range params {
		// Frozen models produce no rho gradients; skip untouched parameters
		// so momentum and weight decay cannot drift them.
		if param.Grad == nil {
			continue
		}
		paramData := param.DataPtr()
		mData := t.states[i].M.DataPtr()
		vData := t.states[i].V.DataPtr()
		gradSlice := param.Grad

		for j := range paramData {
			grad := gradSlice[j] * clipCoeff
			mData[j] = b1*mData[j] + (1-b1)*grad
			vData[j] = b2*vData[j] + (1-b2)*grad*grad
			paramData[j] -= lr * (mData[j]*mCorr/(SqrtF32(vData[j]*vCorr)+eps) + wd*paramData[j])
		}
	}

	return loss, nil
}
