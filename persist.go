// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 JayKays

package bnn

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// modelFilename is the fixed artifact name every model instance saves under
// its checkpoint directory.
const modelFilename = "bnn_model.json"

// stateVersion guards the checkpoint format.
const stateVersion = 1

// savedTensor is one parameter tensor with its raw float32 data base64-encoded
// little-endian, so a save/load round trip is bit-identical.
type savedTensor struct {
	Shape []int  `json:"shape"`
	Data  string `json:"data"`
}

// savedUnit is the four posterior tensors of one Bayesian linear unit.
type savedUnit struct {
	WeightMu  savedTensor `json:"weight_mu"`
	WeightRho savedTensor `json:"weight_rho"`
	BiasMu    savedTensor `json:"bias_mu"`
	BiasRho   savedTensor `json:"bias_rho"`
}

// modelState is the complete checkpoint: an architecture fingerprint, every
// unit's parameters in registry order, and the elite index list (null when no
// elite set is selected).
type modelState struct {
	Version      int         `json:"version"`
	InSize       int         `json:"in_size"`
	OutSize      int         `json:"out_size"`
	NumLayers    int         `json:"num_layers"`
	EnsembleSize int         `json:"ensemble_size"`
	HidSize      int         `json:"hid_size"`
	Units        []savedUnit `json:"units"`
	EliteModels  []int       `json:"elite_models"`
}

func encodeTensor(t *Tensor) savedTensor {
	data := t.DataPtr()
	buf := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return savedTensor{
		Shape: t.Shape().Dims(),
		Data:  base64.StdEncoding.EncodeToString(buf),
	}
}

func decodeTensorInto(st savedTensor, dst *Tensor) error {
	if !dst.Shape().Equal(NewShape(st.Shape...)) {
		return fmt.Errorf("checkpoint tensor shape %v does not match model shape %v",
			NewShape(st.Shape...), dst.Shape())
	}
	buf, err := base64.StdEncoding.DecodeString(st.Data)
	if err != nil {
		return fmt.Errorf("decoding tensor data: %w", err)
	}
	data := dst.DataPtr()
	if len(buf) != 4*len(data) {
		return fmt.Errorf("checkpoint tensor has %d bytes, expected %d", len(buf), 4*len(data))
	}
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return nil
}

// Save serializes all learnable parameters plus the current elite index list
// to the fixed artifact filename under dir.
func (m *BNN) Save(dir string) error {
	state := modelState{
		Version:      stateVersion,
		InSize:       m.cfg.InSize,
		OutSize:      m.cfg.OutSize,
		NumLayers:    m.cfg.NumLayers,
		EnsembleSize: m.cfg.EnsembleSize,
		HidSize:      m.cfg.HidSize,
		Units:        make([]savedUnit, len(m.units)),
		EliteModels:  m.eliteModels,
	}
	for i, u := range m.units {
		state.Units[i] = savedUnit{
			WeightMu:  encodeTensor(u.weightMu),
			WeightRho: encodeTensor(u.weightRho),
			BiasMu:    encodeTensor(u.biasMu),
			BiasRho:   encodeTensor(u.biasRho),
		}
	}

	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding model state: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, modelFilename), raw, 0o644)
}

// Load restores parameters and the elite set from the artifact under dir,
// fully replacing the model's current state. The checkpoint must match the
// model's architecture exactly.
func (m *BNN) Load(dir string) error {
	raw, err := os.ReadFile(filepath.Join(dir, modelFilename))
	if err != nil {
		return fmt.Errorf("reading model state: %w", err)
	}
	var state modelState
	if err := json.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("decoding model state: %w", err)
	}
	if state.Version != stateVersion {
		return fmt.Errorf("unsupported checkpoint version %d", state.Version)
	}
	if state.InSize != m.cfg.InSize || state.OutSize != m.cfg.OutSize ||
		state.NumLayers != m.cfg.NumLayers || state.EnsembleSize != m.cfg.EnsembleSize ||
		state.HidSize != m.cfg.HidSize {
		return fmt.Errorf("checkpoint architecture (%d->%d, %d layers x %d, E=%d) does not match model (%d->%d, %d layers x %d, E=%d)",
			state.InSize, state.OutSize, state.NumLayers, state.HidSize, state.EnsembleSize,
			m.cfg.InSize, m.cfg.OutSize, m.cfg.NumLayers, m.cfg.HidSize, m.cfg.EnsembleSize)
	}
	if len(state.Units) != len(m.units) {
		return fmt.Errorf("checkpoint has %d units, model has %d", len(state.Units), len(m.units))
	}
	for i, su := range state.Units {
		u := m.units[i]
		if err := decodeTensorInto(su.WeightMu, u.weightMu); err != nil {
			return fmt.Errorf("unit %d: %w", i, err)
		}
		if err := decodeTensorInto(su.WeightRho, u.weightRho); err != nil {
			return fmt.Errorf("unit %d: %w", i, err)
		}
		if err := decodeTensorInto(su.BiasMu, u.biasMu); err != nil {
			return fmt.Errorf("unit %d: %w", i, err)
		}
		if err := decodeTensorInto(su.BiasRho, u.biasRho); err != nil {
			return fmt.Errorf("unit %d: %w", i, err)
		}
	}
	if state.EliteModels == nil {
		m.eliteModels = nil
	} else {
		m.eliteModels = append([]int(nil), state.EliteModels...)
	}
	return nil
}
