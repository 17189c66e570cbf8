// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 JayKays

package bnn

import (
	"fmt"
	"time"

	"golang.org/x/exp/rand"
)

// DefaultSampleNbr is the number of Monte-Carlo weight samples the variational
// loss averages over.
const DefaultSampleNbr = 100

// BNN is an ensemble of Bayesian feed-forward networks.
//
// Architecture per member: NumLayers hidden blocks (EnsembleLinear +
// activation) followed by one EnsembleLinear output layer. The E members share
// the layer structure but no parameters.
//
// The model owns a single randomness source which feeds every weight sample
// and every propagation permutation; no per-call generator handle is threaded
// through the forward path.
type BNN struct {
	cfg         Config
	numMembers  int
	propagation Propagation
	freeze      bool

	// eliteModels is the optional reduced active set, nil until selected.
	eliteModels []int

	hidden []*hiddenBlock
	output *EnsembleLinear

	// units is the owned registry of every Bayesian unit in the network
	// (hidden + output), iterated directly for freeze/unfreeze and KL
	// aggregation instead of scanning module types at runtime.
	units []*BayesianLinear

	rng *rand.Rand
}

// hiddenBlock pairs one stacked linear layer with its activation.
type hiddenBlock struct {
	lin *EnsembleLinear
	act Activation

	preAct *Tensor // cached pre-activation values for the backward pass
}

func (b *hiddenBlock) forward(x *Tensor) *Tensor {
	b.preAct = b.lin.Forward(x)
	return b.act.Apply(b.preAct)
}

func (b *hiddenBlock) backward(gradOutput *Tensor) *Tensor {
	grad := gradOutput.Clone()
	b.act.Derivative(b.preAct.DataPtr(), grad.DataPtr())
	return b.lin.Backward(grad)
}

// NewBNN constructs a BNN from the given configuration. Zero-valued size
// fields take their documented defaults; invalid combinations are rejected
// before any allocation.
func NewBNN(cfg Config) (*BNN, error) {
	cfg, err := cfg.validate()
	if err != nil {
		return nil, err
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	src := rand.NewSource(seed)

	m := &BNN{
		cfg:         cfg,
		numMembers:  cfg.EnsembleSize,
		propagation: cfg.Propagation,
		rng:         rand.New(src),
	}

	in := cfg.InSize
	for i := 0; i < cfg.NumLayers; i++ {
		lin := NewEnsembleLinear(cfg.EnsembleSize, in, cfg.HidSize, cfg.PriorSigma, src)
		m.hidden = append(m.hidden, &hiddenBlock{lin: lin, act: cfg.Activation})
		m.units = append(m.units, lin.Units()...)
		in = cfg.HidSize
	}
	m.output = NewEnsembleLinear(cfg.EnsembleSize, in, cfg.OutSize, cfg.PriorSigma, src)
	m.units = append(m.units, m.output.Units()...)

	if cfg.Freeze {
		m.FreezeModel()
	}
	return m, nil
}

// Config returns the model's configuration (with defaults applied).
func (m *BNN) Config() Config { return m.cfg }

// NumMembers returns the ensemble size E.
func (m *BNN) NumMembers() int { return m.numMembers }

// EliteModels returns the current elite index list, nil if none is set.
func (m *BNN) EliteModels() []int {
	if m.eliteModels == nil {
		return nil
	}
	return append([]int(nil), m.eliteModels...)
}

// modelLen returns the active model count: the elite set size when elites are
// selected, the full ensemble size otherwise.
func (m *BNN) modelLen() int {
	if m.eliteModels != nil {
		return len(m.eliteModels)
	}
	return m.numMembers
}

// maybeToggleLayersUseOnlyElite flips every stacked layer into (or back out
// of) elite-restricted indexing. A no-op when no elite set exists or the
// ensemble has a single member. Calls come in pairs around each restricted
// forward.
func (m *BNN) maybeToggleLayersUseOnlyElite(onlyElite bool) {
	if m.eliteModels == nil {
		return
	}
	if m.numMembers > 1 && onlyElite {
		for _, blk := range m.hidden {
			blk.lin.SetElite(m.eliteModels)
			blk.lin.ToggleUseOnlyElite()
		}
		m.output.SetElite(m.eliteModels)
		m.output.ToggleUseOnlyElite()
	}
}

// defaultForward runs one pass through the stacked layers on the raw input
// shape. Output is [M, B, out] where M is the active model count.
func (m *BNN) defaultForward(x *Tensor, onlyElite bool) *Tensor {
	m.maybeToggleLayersUseOnlyElite(onlyElite)

	for _, blk := range m.hidden {
		x = blk.forward(x)
	}
	out := m.output.Forward(x)

	m.maybeToggleLayersUseOnlyElite(onlyElite)

	return out
}

// forwardFromIndices partitions a rank-2 batch across the active models using
// the given permutation: example i is routed to model (position of i in the
// shuffle) and the computed row is written back to position indices[i], so
// the i-th output row corresponds to the i-th input row.
func (m *BNN) forwardFromIndices(x *Tensor, indices []int) *Tensor {
	batch := x.Shape().At(0)
	numModels := m.modelLen()

	shuffled := x.GatherRows(indices).Reshape(NewShape(numModels, batch/numModels, x.Shape().At(1)))
	pred := m.defaultForward(shuffled, true)

	flat := pred.Reshape(NewShape(batch, pred.Shape().At(-1)))
	return flat.ScatterRows(indices)
}

// forwardEnsemble dispatches on the propagation method. See Forward.
func (m *BNN) forwardEnsemble(x *Tensor, propagationIndices []int) (*Tensor, error) {
	if m.propagation == PropagationNone {
		mean := m.defaultForward(x, false)
		if m.numMembers == 1 {
			dims := mean.Shape().DimsRef()
			return mean.Reshape(NewShape(dims[1], dims[2])), nil
		}
		return mean, nil
	}

	if x.Shape().NDim() != 2 {
		return nil, fmt.Errorf("propagation requires a rank-2 input, got %v", x.Shape())
	}
	modelLen := m.modelLen()
	batch := x.Shape().At(0)
	if batch%modelLen != 0 {
		return nil, fmt.Errorf(
			"ensemble propagation requires batch size to be a multiple of the number of models; "+
				"current batch size is %d for %d models", batch, modelLen)
	}

	switch m.propagation {
	case PropagationRandomModel:
		return m.forwardFromIndices(x, m.rng.Perm(batch)), nil
	case PropagationFixedModel:
		if propagationIndices == nil {
			return nil, fmt.Errorf("fixed_model propagation requires propagation indices")
		}
		if len(propagationIndices) != batch {
			return nil, fmt.Errorf("propagation indices length %d != batch size %d", len(propagationIndices), batch)
		}
		return m.forwardFromIndices(x, propagationIndices), nil
	case PropagationExpectation:
		x3 := x.Reshape(NewShape(1, batch, x.Shape().At(1)))
		pred := m.defaultForward(x3, true)
		return pred.MeanAxis0(), nil
	}
	return nil, fmt.Errorf("invalid propagation method %q", m.propagation)
}

// Forward predicts outputs for the given input using the configured
// propagation method. propagationIndices is only consulted in fixed_model
// mode, where it must be a permutation of [0, batch).
//
// With propagation disabled the input passes straight through the stack:
// rank-2 input broadcasts to all E members yielding [E, B, out], squeezed to
// [B, out] when E == 1. Every unfrozen forward draws fresh weight samples.
func (m *BNN) Forward(x *Tensor, propagationIndices []int) (*Tensor, error) {
	return m.forwardEnsemble(x, propagationIndices)
}

// ForwardDirect runs the stacked layers with propagation disabled regardless
// of the configured method, returning the unsqueezed [E, B, out] prediction.
// This is the forward mode the training objective and eval scoring use.
func (m *BNN) ForwardDirect(x *Tensor) *Tensor {
	return m.defaultForward(x, false)
}

// sumSquaredError accumulates (pred - target)^2 over every model, example,
// and output dimension. A rank-2 target is broadcast across the model axis of
// the rank-3 prediction.
func sumSquaredError(pred, target *Tensor) float32 {
	models, batch, dim := pred.Shape().At(0), pred.Shape().At(1), pred.Shape().At(2)
	p := pred.DataPtr()
	t := target.DataPtr()

	perModel := batch * dim
	broadcast := target.Shape().NDim() == 2
	if broadcast {
		if !target.Shape().Equal(NewShape(batch, dim)) {
			panic(fmt.Sprintf("target shape %v incompatible with prediction %v", target.Shape(), pred.Shape()))
		}
	} else if !target.Shape().Equal(pred.Shape()) {
		panic(fmt.Sprintf("target shape %v incompatible with prediction %v", target.Shape(), pred.Shape()))
	}

	sum := float32(0)
	for model := 0; model < models; model++ {
		off := model * perModel
		for i := 0; i < perModel; i++ {
			ti := i
			if !broadcast {
				ti = off + i
			}
			d := p[off+i] - t[ti]
			sum += d * d
		}
	}
	return sum
}

// mseLoss computes the aggregate sum-of-squared-error between a
// disabled-propagation forward pass and the target, across all models,
// examples, and output dimensions.
func (m *BNN) mseLoss(input, target *Tensor) (float32, error) {
	if input.Shape().NDim() != target.Shape().NDim() {
		return 0, fmt.Errorf("input rank %d != target rank %d", input.Shape().NDim(), target.Shape().NDim())
	}
	pred := m.ForwardDirect(input)
	return sumSquaredError(pred, target), nil
}

// KLDivergence returns the summed KL divergence of every Bayesian unit in the
// network (hidden and output layers) from its prior.
func (m *BNN) KLDivergence() float32 {
	kl := float32(0)
	for _, u := range m.units {
		kl += u.KLDivergence()
	}
	return kl
}

// SampleELBO estimates the variational loss over sampleNbr Monte-Carlo weight
// samples. Each iteration draws fresh weights for one stochastic forward
// pass, scores its sum-of-squares reconstruction error, and adds the
// complexity term: complexityCostWeight times the KL divergence averaged over
// the network's Bayesian units. The result is the mean of the per-iteration
// sums.
func (m *BNN) SampleELBO(input, target *Tensor, sampleNbr int, complexityCostWeight float32) (float32, error) {
	if sampleNbr < 1 {
		return 0, fmt.Errorf("sample count must be at least 1, got %d", sampleNbr)
	}
	loss := float32(0)
	for i := 0; i < sampleNbr; i++ {
		mse, err := m.mseLoss(input, target)
		if err != nil {
			return 0, err
		}
		loss += mse
		loss += m.KLDivergence() / float32(len(m.units)) * complexityCostWeight
	}
	return loss / float32(sampleNbr), nil
}

// Loss computes the training objective for a batch. Frozen models score a
// single deterministic sum-of-squares pass; unfrozen models estimate the ELBO
// over DefaultSampleNbr Monte-Carlo samples with unit complexity weight.
//
// Input is [B, in] or [E, B, in]; the target mirrors the input rank with the
// output dimension in place of the input dimension.
func (m *BNN) Loss(input, target *Tensor) (float32, error) {
	if m.freeze {
		m.FreezeModel()
		return m.mseLoss(input, target)
	}
	return m.SampleELBO(input, target, DefaultSampleNbr, 1)
}

// EvalScore computes the element-wise squared error of a disabled-propagation
// forward pass against the target replicated across the ensemble axis. The
// result is unreduced: [E, B, out]. Both input and target must be rank-2.
func (m *BNN) EvalScore(input, target *Tensor) (*Tensor, error) {
	if input.Shape().NDim() != 2 || target.Shape().NDim() != 2 {
		return nil, fmt.Errorf("eval score requires rank-2 input and target, got %v and %v",
			input.Shape(), target.Shape())
	}
	pred := m.ForwardDirect(input)

	batch, dim := target.Shape().At(0), target.Shape().At(1)
	score := New(NewShape(m.numMembers, batch, dim))
	p, t, s := pred.DataPtr(), target.DataPtr(), score.DataPtr()
	perModel := batch * dim
	for model := 0; model < m.numMembers; model++ {
		off := model * perModel
		for i := 0; i < perModel; i++ {
			d := p[off+i] - t[i]
			s[off+i] = d * d
		}
	}
	return score, nil
}

// SamplePropagationIndices draws a uniform-random permutation of [0, batch)
// for use with fixed_model propagation. The batch size must be a multiple of
// the active model count.
func (m *BNN) SamplePropagationIndices(batchSize int) ([]int, error) {
	modelLen := m.modelLen()
	if batchSize%modelLen != 0 {
		return nil, fmt.Errorf(
			"to use ensemble propagation, the batch size %d must be a multiple of the number of models %d",
			batchSize, modelLen)
	}
	return m.rng.Perm(batchSize), nil
}

// SetElite stores the given member indices as the elite set. A list whose
// length equals the member count is ignored: selecting every member is the
// same as having no elites.
func (m *BNN) SetElite(indices []int) {
	if len(indices) != m.numMembers {
		m.eliteModels = append([]int(nil), indices...)
	}
}

// FreezeModel makes every Bayesian unit predict with the expected value of
// its weight distribution instead of sampling.
func (m *BNN) FreezeModel() {
	m.freeze = true
	for _, u := range m.units {
		u.SetFreeze(true)
	}
}

// UnfreezeModel restores stochastic weight sampling in every Bayesian unit.
func (m *BNN) UnfreezeModel() {
	m.freeze = false
	for _, u := range m.units {
		u.SetFreeze(false)
	}
}

// Frozen reports whether the model is in mean-only forward mode.
func (m *BNN) Frozen() bool { return m.freeze }

// Parameters returns every learnable posterior tensor in the network.
func (m *BNN) Parameters() []*Tensor {
	var out []*Tensor
	for _, u := range m.units {
		out = append(out, u.Parameters()...)
	}
	return out
}

// backward propagates dLoss/dPred through the output layer and hidden blocks
// in reverse order, accumulating posterior-parameter gradients from the
// weight samples cached by the most recent ForwardDirect call.
func (m *BNN) backward(gradOutput *Tensor) *Tensor {
	grad := m.output.Backward(gradOutput)
	for i := len(m.hidden) - 1; i >= 0; i-- {
		grad = m.hidden[i].backward(grad)
	}
	return grad
}
