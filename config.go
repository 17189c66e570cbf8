// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 JayKays

package bnn

import "fmt"

// Propagation enumerates the strategies for assigning a batch of examples
// across ensemble members during forward inference. The method is fixed at
// construction and never changed at runtime.
type Propagation uint8

const (
	// PropagationNone runs one plain pass through the stacked layers.
	// This is the mode training uses.
	PropagationNone Propagation = iota
	// PropagationRandomModel partitions the batch across the active models
	// using a fresh uniform-random permutation.
	PropagationRandomModel
	// PropagationFixedModel partitions the batch using caller-supplied
	// permutation indices.
	PropagationFixedModel
	// PropagationExpectation broadcasts the full batch to every active model
	// and averages the per-model predictions.
	PropagationExpectation
)

// String returns the canonical name of the propagation method.
func (p Propagation) String() string {
	names := [...]string{"none", "random_model", "fixed_model", "expectation"}
	if int(p) < len(names) {
		return names[p]
	}
	return "unknown"
}

// ParsePropagation resolves a method name. The empty string and "none" both
// mean propagation disabled; anything else unrecognized is a configuration
// error.
func ParsePropagation(name string) (Propagation, error) {
	switch name {
	case "", "none":
		return PropagationNone, nil
	case "random_model":
		return PropagationRandomModel, nil
	case "fixed_model":
		return PropagationFixedModel, nil
	case "expectation":
		return PropagationExpectation, nil
	}
	return PropagationNone, fmt.Errorf("invalid propagation method %q", name)
}

// Config holds the construction parameters for a BNN ensemble.
type Config struct {
	InSize  int
	OutSize int

	// Device is recorded for compatibility with checkpoint metadata; all
	// computation in this implementation runs on the host CPU.
	Device string

	NumLayers     int  // number of hidden blocks, default 4
	EnsembleSize  int  // number of ensemble members E, default 1
	HidSize       int  // hidden width, default 200
	Deterministic bool // point predictions (no learned output variance)
	Freeze        bool // start with mean-only forward passes

	Propagation Propagation

	// LearnLogvarBounds is accepted for configuration parity with Gaussian
	// output models; this core does not learn log-variance bounds.
	LearnLogvarBounds bool

	Activation Activation // hidden nonlinearity, default ReLU

	// PriorSigma is the standard deviation of the N(0, s^2) weight prior used
	// by the KL complexity term. Zero selects the default.
	PriorSigma float32

	// Seed initializes the model-owned randomness source feeding both weight
	// sampling and propagation permutations. Zero seeds from the clock.
	Seed uint64
}

// DefaultConfig returns the standard architecture for the given input and
// output sizes: 4 hidden layers of width 200, a single member, deterministic
// point predictions, propagation disabled.
func DefaultConfig(inSize, outSize int) Config {
	return Config{
		InSize:        inSize,
		OutSize:       outSize,
		Device:        "cpu",
		NumLayers:     4,
		EnsembleSize:  1,
		HidSize:       200,
		Deterministic: true,
		Activation:    ActReLU,
		PriorSigma:    defaultPriorSigma,
	}
}

// TinyConfig returns a small architecture for tests: 2 hidden layers of
// width 10, 3 members.
func TinyConfig(inSize, outSize int) Config {
	cfg := DefaultConfig(inSize, outSize)
	cfg.NumLayers = 2
	cfg.HidSize = 10
	cfg.EnsembleSize = 3
	return cfg
}

// validate normalizes zero-valued fields to their defaults and rejects
// unusable configurations.
func (c Config) validate() (Config, error) {
	if c.InSize <= 0 || c.OutSize <= 0 {
		return c, fmt.Errorf("input and output sizes must be positive, got %d and %d", c.InSize, c.OutSize)
	}
	if c.NumLayers == 0 {
		c.NumLayers = 4
	}
	if c.NumLayers < 1 {
		return c, fmt.Errorf("at least one hidden layer required, got %d", c.NumLayers)
	}
	if c.EnsembleSize == 0 {
		c.EnsembleSize = 1
	}
	if c.EnsembleSize < 1 {
		return c, fmt.Errorf("ensemble size must be at least 1, got %d", c.EnsembleSize)
	}
	if c.HidSize == 0 {
		c.HidSize = 200
	}
	if c.HidSize < 1 {
		return c, fmt.Errorf("hidden width must be positive, got %d", c.HidSize)
	}
	if c.Propagation > PropagationExpectation {
		return c, fmt.Errorf("invalid propagation method %d", c.Propagation)
	}
	if c.Activation > ActGELU {
		return c, fmt.Errorf("invalid activation %d", c.Activation)
	}
	if c.PriorSigma == 0 {
		c.PriorSigma = defaultPriorSigma
	}
	if c.PriorSigma < 0 {
		return c, fmt.Errorf("prior sigma must be positive, got %f", c.PriorSigma)
	}
	return c, nil
}
