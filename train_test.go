// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 JayKays

package bnn

import (
	"math"
	"testing"
)

// linearDataset builds a fixed batch mapping x in R^3 to
// y = (x0 + x1, x0 - x2), a target a small network fits quickly.
func linearDataset(rows int) (*Tensor, *Tensor) {
	x := pseudoBatch(rows, 3)
	y := New(NewShape(rows, 2))
	for i := 0; i < rows; i++ {
		y.Set(x.At(i, 0)+x.At(i, 1), i, 0)
		y.Set(x.At(i, 0)-x.At(i, 2), i, 1)
	}
	return x, y
}

func TestGetLRSchedule(t *testing.T) {
	cfg := DefaultTrainConfig()
	tr := NewTrainer(frozenTiny(t, PropagationNone), cfg)

	tr.step = 5
	warm := tr.GetLR()
	if math.Abs(float64(warm-cfg.LR*0.5)) > 1e-7 {
		t.Errorf("mid-warmup LR: expected %f, got %f", cfg.LR*0.5, warm)
	}

	tr.step = cfg.WarmupSteps
	if peak := tr.GetLR(); math.Abs(float64(peak-cfg.LR)) > 1e-6 {
		t.Errorf("post-warmup LR: expected %f, got %f", cfg.LR, peak)
	}

	tr.step = cfg.TotalSteps
	minLR := cfg.LR * 0.1
	if end := tr.GetLR(); math.Abs(float64(end-minLR)) > 1e-4*float64(cfg.LR) {
		t.Errorf("final LR: expected ~%f, got %f", minLR, end)
	}
}

func TestTrainStepUpdatesPosterior(t *testing.T) {
	cfg := TinyConfig(3, 2)
	cfg.EnsembleSize = 1
	cfg.Seed = 7
	m, err := NewBNN(cfg)
	if err != nil {
		t.Fatalf("unexpected construction error: %v", err)
	}
	tr := NewTrainer(m, DefaultTrainConfig())

	rhoBefore := m.units[0].weightRho.Clone().Data()
	x, y := linearDataset(8)

	loss, err := tr.TrainStep(x, y)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loss <= 0 || math.IsNaN(float64(loss)) || math.IsInf(float64(loss), 0) {
		t.Errorf("expected finite positive loss, got %f", loss)
	}
	if tr.Step() != 1 {
		t.Errorf("expected step 1, got %d", tr.Step())
	}

	changed := false
	rhoAfter := m.units[0].weightRho.Data()
	for i := range rhoAfter {
		if rhoAfter[i] != rhoBefore[i] {
			changed = true
			break
		}
	}
	if !changed {
		t.Error("variational step should update rho parameters")
	}

	if _, err := tr.TrainStep(x.Reshape(NewShape(2, 4, 3)), y); err == nil {
		t.Error("expected error for rank mismatch")
	}
}

// A frozen model trains on the means only: the loss on a linear target must
// fall substantially, and rho must stay untouched.
func TestTrainConvergenceFrozen(t *testing.T) {
	cfg := TinyConfig(3, 2)
	cfg.EnsembleSize = 1
	cfg.Seed = 42
	m, err := NewBNN(cfg)
	if err != nil {
		t.Fatalf("unexpected construction error: %v", err)
	}
	m.FreezeModel()

	rhoBefore := m.units[0].weightRho.Clone().Data()
	tr := NewTrainer(m, DefaultTrainConfig())
	x, y := linearDataset(8)

	const steps = 300
	losses := make([]float32, steps)
	for i := 0; i < steps; i++ {
		loss, err := tr.TrainStep(x, y)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if math.IsNaN(float64(loss)) || math.IsInf(float64(loss), 0) {
			t.Fatalf("step %d: loss diverged to %f", i, loss)
		}
		losses[i] = loss
	}

	quarter := steps / 4
	avg := func(s []float32) float32 {
		sum := float32(0)
		for _, v := range s {
			sum += v
		}
		return sum / float32(len(s))
	}
	first, last := avg(losses[:quarter]), avg(losses[steps-quarter:])
	if last >= first*0.5 {
		t.Errorf("loss did not converge: first-quarter avg %f, last-quarter avg %f", first, last)
	}

	rhoAfter := m.units[0].weightRho.Data()
	for i := range rhoAfter {
		if rhoAfter[i] != rhoBefore[i] {
			t.Fatal("frozen training must not touch rho parameters")
		}
	}
}

// Unfrozen training on the ELBO should still reduce the reconstruction part
// of the loss despite the stochastic forward passes.
func TestTrainVariationalProgress(t *testing.T) {
	cfg := TinyConfig(3, 2)
	cfg.EnsembleSize = 1
	cfg.Seed = 13
	m, err := NewBNN(cfg)
	if err != nil {
		t.Fatalf("unexpected construction error: %v", err)
	}

	tcfg := DefaultTrainConfig()
	tcfg.ComplexityCostWeight = 0.01
	tr := NewTrainer(m, tcfg)
	x, y := linearDataset(8)

	const steps = 200
	var firstSum, lastSum float32
	for i := 0; i < steps; i++ {
		loss, err := tr.TrainStep(x, y)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if i < steps/4 {
			firstSum += loss
		} else if i >= steps-steps/4 {
			lastSum += loss
		}
	}
	if lastSum >= firstSum {
		t.Errorf("variational loss did not decrease: first-quarter sum %f, last-quarter sum %f", firstSum, lastSum)
	}
}
