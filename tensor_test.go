// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 JayKays

package bnn

import (
	"math"
	"testing"
)

func TestShape(t *testing.T) {
	s := NewShape(2, 3, 4)
	if s.NDim() != 3 {
		t.Errorf("expected 3 dims, got %d", s.NDim())
	}
	if s.Numel() != 24 {
		t.Errorf("expected 24 elements, got %d", s.Numel())
	}
	if s.At(0) != 2 || s.At(1) != 3 || s.At(-1) != 4 {
		t.Errorf("unexpected dims: %v", s.Dims())
	}
	if !s.Equal(NewShape(2, 3, 4)) || s.Equal(NewShape(2, 3)) {
		t.Error("shape equality broken")
	}
}

func TestTensorFromSlice(t *testing.T) {
	data := []float32{1, 2, 3, 4, 5, 6}
	tensor := FromSlice(data, NewShape(2, 3))
	if tensor.At(0, 0) != 1 || tensor.At(1, 2) != 6 {
		t.Errorf("unexpected values")
	}
	tensor.Set(9, 1, 0)
	if tensor.At(1, 0) != 9 {
		t.Errorf("Set did not write")
	}
	// FromSlice copies: mutating the source must not leak through.
	data[0] = 100
	if tensor.At(0, 0) != 1 {
		t.Error("FromSlice shares backing data with source")
	}
}

func TestTensorSub(t *testing.T) {
	a := FromSlice([]float32{5, 7, 9}, NewShape(3))
	b := FromSlice([]float32{4, 5, 6}, NewShape(3))
	c := a.Sub(b)
	data := c.Data()
	if data[0] != 1 || data[1] != 2 || data[2] != 3 {
		t.Errorf("unexpected difference: %v", data)
	}
	if a.Sum() != 21 {
		t.Errorf("expected sum 21, got %f", a.Sum())
	}
}

func TestReshapeSharesData(t *testing.T) {
	a := FromSlice([]float32{1, 2, 3, 4, 5, 6}, NewShape(2, 3))
	b := a.Reshape(NewShape(3, 2))
	b.Set(42, 0, 0)
	if a.At(0, 0) != 42 {
		t.Error("reshape should share backing data")
	}
}

// Gather then scatter with the same permutation must restore row order.
func TestGatherScatterRoundTrip(t *testing.T) {
	x := FromSlice([]float32{
		0, 0,
		1, 10,
		2, 20,
		3, 30,
	}, NewShape(4, 2))
	perm := []int{2, 0, 3, 1}

	shuffled := x.GatherRows(perm)
	if shuffled.At(0, 1) != 20 || shuffled.At(3, 1) != 10 {
		t.Fatalf("unexpected gather result: %v", shuffled.Data())
	}

	restored := shuffled.ScatterRows(perm)
	got := restored.Data()
	want := x.Data()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("index %d: expected %f, got %f", i, want[i], got[i])
		}
	}
}

func TestMeanAxis0(t *testing.T) {
	x := FromSlice([]float32{
		1, 2,
		3, 4,

		5, 6,
		7, 8,
	}, NewShape(2, 2, 2))
	mean := x.MeanAxis0()
	if !mean.Shape().Equal(NewShape(2, 2)) {
		t.Fatalf("unexpected shape %v", mean.Shape())
	}
	want := []float32{3, 4, 5, 6}
	for i, v := range mean.Data() {
		if v != want[i] {
			t.Errorf("index %d: expected %f, got %f", i, want[i], v)
		}
	}
}

func TestMathF32(t *testing.T) {
	cases := []struct {
		name      string
		got, want float64
	}{
		{"exp", float64(ExpF32(1)), math.E},
		{"sqrt", float64(SqrtF32(2)), math.Sqrt2},
		{"log", float64(LogF32(10)), math.Log(10)},
		{"pow", float64(PowF32(2, 10)), 1024},
		{"sigmoid", float64(SigmoidF32(0)), 0.5},
		{"tanh", float64(TanhF32(1)), math.Tanh(1)},
		{"softplus", float64(SoftplusF32(0)), math.Log(2)},
	}
	for _, c := range cases {
		if math.Abs(c.got-c.want) > 1e-3*math.Max(1, math.Abs(c.want)) {
			t.Errorf("%s: expected %f, got %f", c.name, c.want, c.got)
		}
	}
	// Softplus must track the identity in the large-x regime.
	if SoftplusF32(50) != 50 {
		t.Errorf("expected softplus(50) == 50, got %f", SoftplusF32(50))
	}
}

func TestActivations(t *testing.T) {
	x := FromSlice([]float32{-1, 0, 2}, NewShape(3))

	relu := ActReLU.Apply(x).Data()
	if relu[0] != 0 || relu[1] != 0 || relu[2] != 2 {
		t.Errorf("unexpected relu: %v", relu)
	}

	ident := ActIdentity.Apply(x)
	if ident != x {
		t.Error("identity should pass the tensor through")
	}

	silu := ActSiLU.Apply(x).Data()
	if math.Abs(float64(silu[2])-2*float64(SigmoidF32(2))) > 1e-5 {
		t.Errorf("unexpected silu: %v", silu)
	}

	gelu := ActGELU.Apply(x).Data()
	// GELU(0) = 0 and GELU(2) ~ 1.9546 under the tanh approximation.
	if gelu[1] != 0 || math.Abs(float64(gelu[2])-1.9546) > 1e-2 {
		t.Errorf("unexpected gelu: %v", gelu)
	}
}

// Derivatives checked against central finite differences.
func TestActivationDerivatives(t *testing.T) {
	pre := []float32{-1.5, -0.2, 0.3, 1.7}
	for _, act := range []Activation{ActTanh, ActSiLU, ActGELU} {
		grad := []float32{1, 1, 1, 1}
		act.Derivative(pre, grad)
		for i, x := range pre {
			const h = 1e-3
			hi := act.Apply(FromSlice([]float32{x + h}, NewShape(1))).At(0)
			lo := act.Apply(FromSlice([]float32{x - h}, NewShape(1))).At(0)
			fd := (hi - lo) / (2 * h)
			if math.Abs(float64(grad[i]-fd)) > 5e-3 {
				t.Errorf("%v'(%f): expected ~%f, got %f", act, x, fd, grad[i])
			}
		}
	}
}

func TestParseActivation(t *testing.T) {
	a, err := ParseActivation("")
	if err != nil || a != ActReLU {
		t.Errorf("empty name should default to relu, got %v, %v", a, err)
	}
	if _, err := ParseActivation("softmax"); err == nil {
		t.Error("expected error for unknown activation")
	}
}

func TestSgemmTransB(t *testing.T) {
	// [2,2] @ [3,2]^T -> [2,3]
	a := []float32{1, 2, 3, 4}
	b := []float32{1, 0, 0, 1, 1, 1}
	c := make([]float32, 6)
	sgemmTransB(2, 3, 2, 1.0, a, 2, b, 2, 0.0, c, 3)
	want := []float32{1, 2, 3, 3, 4, 7}
	for i := range want {
		if c[i] != want[i] {
			t.Fatalf("index %d: expected %f, got %f", i, want[i], c[i])
		}
	}
}
