// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 JayKays

package bnn

import (
	"fmt"

	"golang.org/x/exp/rand"
)

// EnsembleLinear stacks E independent BayesianLinear units so one call
// processes E parallel models. The layer can be restricted to an elite subset
// of its members without reallocating any parameters: ToggleUseOnlyElite
// flips an indexing flag and must be toggled back after use (paired on/off
// discipline, not idempotent).
type EnsembleLinear struct {
	units      []*BayesianLinear
	numMembers int
	inFeat     int
	outFeat    int

	elite        []int
	useOnlyElite bool

	// State from the most recent forward, kept for the backward pass.
	lastInput     *Tensor
	lastBroadcast bool
	lastModels    []int
}

// NewEnsembleLinear creates a stacked layer of ensembleSize independent units.
func NewEnsembleLinear(ensembleSize, inFeatures, outFeatures int, priorSigma float32, src rand.Source) *EnsembleLinear {
	units := make([]*BayesianLinear, ensembleSize)
	for i := range units {
		units[i] = newBayesianLinear(inFeatures, outFeatures, priorSigma, src)
	}
	return &EnsembleLinear{
		units:      units,
		numMembers: ensembleSize,
		inFeat:     inFeatures,
		outFeat:    outFeatures,
	}
}

// activeModels returns the member indices the next forward will execute:
// the elite subset when elite-restricted, every member otherwise.
func (l *EnsembleLinear) activeModels() []int {
	if l.useOnlyElite && len(l.elite) > 0 {
		return l.elite
	}
	all := make([]int, l.numMembers)
	for i := range all {
		all[i] = i
	}
	return all
}

// Forward applies the model-th unit to the model-th batch slice.
//
// Input is either rank-2 [B, in] (the same batch is broadcast to every active
// model), rank-3 [1, B, in] (broadcast), or rank-3 [M, B, in] with M equal to
// the active model count (per-model slices). Output is always [M, B, out].
// Each unfrozen unit draws a fresh weight sample during this call.
func (l *EnsembleLinear) Forward(x *Tensor) *Tensor {
	models := l.activeModels()
	m := len(models)

	var batch int
	broadcast := false
	switch x.Shape().NDim() {
	case 2:
		batch = x.Shape().At(0)
		broadcast = true
	case 3:
		lead := x.Shape().At(0)
		batch = x.Shape().At(1)
		switch lead {
		case 1:
			broadcast = true
		case m:
		default:
			panic(fmt.Sprintf("ensemble layer got leading dim %d for %d active models", lead, m))
		}
	default:
		panic(fmt.Sprintf("ensemble layer requires rank-2 or rank-3 input, got %v", x.Shape()))
	}
	if x.Shape().At(-1) != l.inFeat {
		panic(fmt.Sprintf("ensemble layer expects %d input features, got %v", l.inFeat, x.Shape()))
	}

	l.lastInput = x
	l.lastBroadcast = broadcast
	l.lastModels = models

	xData := x.DataPtr()
	out := New(NewShape(m, batch, l.outFeat))
	outData := out.DataPtr()
	for j, mi := range models {
		weight, bias := l.units[mi].SampleWeights()

		xOff := 0
		if !broadcast {
			xOff = j * batch * l.inFeat
		}
		cOff := j * batch * l.outFeat
		sgemmTransB(batch, l.outFeat, l.inFeat,
			1.0, xData[xOff:xOff+batch*l.inFeat], l.inFeat,
			weight, l.inFeat,
			0.0, outData[cOff:cOff+batch*l.outFeat], l.outFeat)

		for i := 0; i < batch; i++ {
			row := outData[cOff+i*l.outFeat : cOff+(i+1)*l.outFeat]
			for k := range row {
				row[k] += bias[k]
			}
		}
	}
	return out
}

// Backward propagates gradients through every unit executed by the last
// forward, accumulating posterior-parameter gradients via each unit's sampled
// weights. The returned input gradient mirrors the forward input shape: for a
// broadcast input the per-model contributions are summed.
func (l *EnsembleLinear) Backward(gradOutput *Tensor) *Tensor {
	if l.lastInput == nil {
		panic("backward called before forward")
	}
	models := l.lastModels
	m := len(models)
	batch := gradOutput.Shape().At(1)
	if !gradOutput.Shape().Equal(NewShape(m, batch, l.outFeat)) {
		panic(fmt.Sprintf("unexpected gradient shape %v", gradOutput.Shape()))
	}

	gData := gradOutput.DataPtr()
	xData := l.lastInput.DataPtr()

	gradInput := New(NewShape(m, batch, l.inFeat))
	giData := gradInput.DataPtr()

	dW := make([]float32, l.outFeat*l.inFeat)
	dB := make([]float32, l.outFeat)
	for j, mi := range models {
		unit := l.units[mi]
		gOff := j * batch * l.outFeat
		gSlice := gData[gOff : gOff+batch*l.outFeat]

		xOff := 0
		if !l.lastBroadcast {
			xOff = j * batch * l.inFeat
		}
		xSlice := xData[xOff : xOff+batch*l.inFeat]

		// dW = gradOutput^T @ input -> [out, in]
		sgemmTransA(l.outFeat, l.inFeat, batch,
			1.0, gSlice, l.outFeat,
			xSlice, l.inFeat,
			0.0, dW, l.inFeat)

		// dB = sum(gradOutput, axis=0) -> [out]
		for i := range dB {
			dB[i] = 0
		}
		for i := 0; i < batch; i++ {
			row := gSlice[i*l.outFeat : (i+1)*l.outFeat]
			for k := range row {
				dB[k] += row[k]
			}
		}
		unit.accumulateSampleGrads(dW, dB)

		// dX = gradOutput @ W (the sampled weight from the forward pass)
		iOff := j * batch * l.inFeat
		sgemm(batch, l.inFeat, l.outFeat,
			1.0, gSlice, l.outFeat,
			unit.weight, l.inFeat,
			0.0, giData[iOff:iOff+batch*l.inFeat], l.inFeat)
	}

	if !l.lastBroadcast {
		return gradInput
	}
	// Broadcast input: the same batch fed every model, so input gradients sum
	// across the model axis.
	summed := New(NewShape(batch, l.inFeat))
	sData := summed.DataPtr()
	for j := 0; j < m; j++ {
		off := j * batch * l.inFeat
		for i := 0; i < batch*l.inFeat; i++ {
			sData[i] += giData[off+i]
		}
	}
	if l.lastInput.Shape().NDim() == 3 {
		return summed.Reshape(NewShape(1, batch, l.inFeat))
	}
	return summed
}

// SetElite records which member indices are active for subsequent
// elite-restricted calls. Parameters are neither deleted nor resized.
func (l *EnsembleLinear) SetElite(indices []int) {
	l.elite = append([]int(nil), indices...)
}

// ToggleUseOnlyElite flips the flag restricting forward passes to the elite
// index set. Callers must toggle back after the restricted call to restore
// full-ensemble behavior.
func (l *EnsembleLinear) ToggleUseOnlyElite() {
	l.useOnlyElite = !l.useOnlyElite
}

// Units returns the layer's Bayesian units in member order.
func (l *EnsembleLinear) Units() []*BayesianLinear { return l.units }

// NumMembers returns the ensemble size E.
func (l *EnsembleLinear) NumMembers() int { return l.numMembers }

// Parameters returns the posterior parameters of every member unit.
func (l *EnsembleLinear) Parameters() []*Tensor {
	out := make([]*Tensor, 0, 4*len(l.units))
	for _, u := range l.units {
		out = append(out, u.Parameters()...)
	}
	return out
}
