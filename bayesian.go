// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 JayKays

package bnn

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Posterior initialization constants. The mean is drawn from a narrow
// Gaussian around zero; rho starts deep in the softplus tail so the initial
// posterior is close to a point estimate.
const (
	posteriorMuStd    = float32(0.1)
	posteriorRhoInit  = float32(-5.0)
	defaultPriorSigma = float32(0.1)
)

// BayesianLinear is one affine transform whose weight and bias each carry a
// learned Gaussian posterior. The posterior is parameterized as (mu, rho)
// with sigma = softplus(rho), so sigma stays positive under unconstrained
// gradient updates.
//
// An unfrozen forward draws one Monte-Carlo weight sample per call via the
// reparameterization trick, w = mu + sigma*eps with eps ~ N(0,1). A frozen
// unit uses the posterior mean deterministically.
type BayesianLinear struct {
	weightMu  *Tensor // [out, in]
	weightRho *Tensor // [out, in]
	biasMu    *Tensor // [out]
	biasRho   *Tensor // [out]

	inFeat     int
	outFeat    int
	priorSigma float32
	freeze     bool

	normal distuv.Normal // standard normal over the model-owned source

	// Sample state from the most recent draw, kept for the backward pass.
	weight []float32 // effective weight used by the last forward
	bias   []float32 // effective bias used by the last forward
	epsW   []float32
	epsB   []float32
}

// newBayesianLinear creates one unit with its posterior initialized around
// zero. All randomness flows from the single source owned by the model.
func newBayesianLinear(inFeatures, outFeatures int, priorSigma float32, src rand.Source) *BayesianLinear {
	u := &BayesianLinear{
		weightMu:   New(NewShape(outFeatures, inFeatures)),
		weightRho:  Full(NewShape(outFeatures, inFeatures), posteriorRhoInit),
		biasMu:     New(NewShape(outFeatures)),
		biasRho:    Full(NewShape(outFeatures), posteriorRhoInit),
		inFeat:     inFeatures,
		outFeat:    outFeatures,
		priorSigma: priorSigma,
		normal:     distuv.Normal{Mu: 0, Sigma: 1, Src: src},
		weight:     make([]float32, outFeatures*inFeatures),
		bias:       make([]float32, outFeatures),
		epsW:       make([]float32, outFeatures*inFeatures),
		epsB:       make([]float32, outFeatures),
	}
	mu := u.weightMu.DataPtr()
	for i := range mu {
		mu[i] = float32(u.normal.Rand()) * posteriorMuStd
	}
	bm := u.biasMu.DataPtr()
	for i := range bm {
		bm[i] = float32(u.normal.Rand()) * posteriorMuStd
	}
	return u
}

// SampleWeights refreshes the unit's effective weight and bias and returns
// them. Unfrozen, it draws a fresh reparameterized sample; frozen, it copies
// the posterior means. The returned slices are owned by the unit and are
// overwritten by the next call.
func (u *BayesianLinear) SampleWeights() (weight, bias []float32) {
	wMu, wRho := u.weightMu.DataPtr(), u.weightRho.DataPtr()
	bMu, bRho := u.biasMu.DataPtr(), u.biasRho.DataPtr()
	if u.freeze {
		copy(u.weight, wMu)
		copy(u.bias, bMu)
		return u.weight, u.bias
	}
	for i := range u.weight {
		eps := float32(u.normal.Rand())
		u.epsW[i] = eps
		u.weight[i] = wMu[i] + SoftplusF32(wRho[i])*eps
	}
	for i := range u.bias {
		eps := float32(u.normal.Rand())
		u.epsB[i] = eps
		u.bias[i] = bMu[i] + SoftplusF32(bRho[i])*eps
	}
	return u.weight, u.bias
}

// SetFreeze switches the unit between mean-only and sampling forward modes.
func (u *BayesianLinear) SetFreeze(freeze bool) { u.freeze = freeze }

// Frozen reports whether the unit currently uses the posterior mean.
func (u *BayesianLinear) Frozen() bool { return u.freeze }

// KLDivergence returns the exact KL divergence of the unit's posterior from
// its N(0, priorSigma^2) prior, summed over every weight and bias element:
//
//	KL(q || p) = log(s/sigma) + (sigma^2 + mu^2) / (2*s^2) - 1/2
func (u *BayesianLinear) KLDivergence() float32 {
	kl := klGaussian(u.weightMu.DataPtr(), u.weightRho.DataPtr(), u.priorSigma)
	kl += klGaussian(u.biasMu.DataPtr(), u.biasRho.DataPtr(), u.priorSigma)
	return kl
}

func klGaussian(mu, rho []float32, priorSigma float32) float32 {
	logPrior := LogF32(priorSigma)
	inv2s2 := 1 / (2 * priorSigma * priorSigma)
	kl := float32(0)
	for i := range mu {
		sigma := SoftplusF32(rho[i])
		kl += logPrior - LogF32(sigma) + (sigma*sigma+mu[i]*mu[i])*inv2s2 - 0.5
	}
	return kl
}

// accumulateSampleGrads converts gradients w.r.t. the sampled weight and bias
// into gradients on the posterior parameters via the reparameterization trick:
//
//	d/dmu  = dW
//	d/drho = dW * eps * sigmoid(rho)    (dsigma/drho = sigmoid(rho))
//
// Frozen units only receive the mean gradient.
func (u *BayesianLinear) accumulateSampleGrads(dW, dB []float32) {
	u.weightMu.AccumulateGrad(dW)
	u.biasMu.AccumulateGrad(dB)
	if u.freeze {
		return
	}
	wRho, bRho := u.weightRho.DataPtr(), u.biasRho.DataPtr()
	dRhoW := make([]float32, len(dW))
	for i := range dW {
		dRhoW[i] = dW[i] * u.epsW[i] * SigmoidF32(wRho[i])
	}
	u.weightRho.AccumulateGrad(dRhoW)
	dRhoB := make([]float32, len(dB))
	for i := range dB {
		dRhoB[i] = dB[i] * u.epsB[i] * SigmoidF32(bRho[i])
	}
	u.biasRho.AccumulateGrad(dRhoB)
}

// accumulateKLGrads adds scale * d(KL)/d(param) onto the posterior parameter
// gradients. The KL term is sample-free, so its gradient is exact:
//
//	dKL/dmu  = mu / s^2
//	dKL/drho = (sigma/s^2 - 1/sigma) * sigmoid(rho)
func (u *BayesianLinear) accumulateKLGrads(scale float32) {
	accumulateKLGrad(u.weightMu, u.weightRho, u.priorSigma, scale)
	accumulateKLGrad(u.biasMu, u.biasRho, u.priorSigma, scale)
}

func accumulateKLGrad(muT, rhoT *Tensor, priorSigma, scale float32) {
	mu, rho := muT.DataPtr(), rhoT.DataPtr()
	invS2 := 1 / (priorSigma * priorSigma)
	dMu := make([]float32, len(mu))
	dRho := make([]float32, len(rho))
	for i := range mu {
		sigma := SoftplusF32(rho[i])
		dMu[i] = scale * mu[i] * invS2
		dRho[i] = scale * (sigma*invS2 - 1/sigma) * SigmoidF32(rho[i])
	}
	muT.AccumulateGrad(dMu)
	rhoT.AccumulateGrad(dRho)
}

// Parameters returns the four learnable posterior tensors.
func (u *BayesianLinear) Parameters() []*Tensor {
	return []*Tensor{u.weightMu, u.weightRho, u.biasMu, u.biasRho}
}

// InFeatures returns the input dimension.
func (u *BayesianLinear) InFeatures() int { return u.inFeat }

// OutFeatures returns the output dimension.
func (u *BayesianLinear) OutFeatures() int { return u.outFeat }
