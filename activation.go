// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 JayKays

package bnn

import "fmt"

// Activation enumerates the supported hidden-layer nonlinearities. The set is
// closed and resolved at construction time; callers pick a variant instead of
// supplying an arbitrary factory.
type Activation uint8

const (
	// ActIdentity passes values through unchanged.
	ActIdentity Activation = iota
	// ActReLU is the default nonlinearity: max(0, x).
	ActReLU
	// ActTanh is the hyperbolic tangent.
	ActTanh
	// ActSiLU is x * sigmoid(x).
	ActSiLU
	// ActGELU is the tanh approximation of the Gaussian error linear unit.
	ActGELU
)

// String returns a human-readable name for the activation.
func (a Activation) String() string {
	names := [...]string{"identity", "relu", "tanh", "silu", "gelu"}
	if int(a) < len(names) {
		return names[a]
	}
	return "unknown"
}

// ParseActivation resolves a name into an Activation variant.
// The empty string resolves to the default (ReLU).
func ParseActivation(name string) (Activation, error) {
	switch name {
	case "":
		return ActReLU, nil
	case "identity":
		return ActIdentity, nil
	case "relu":
		return ActReLU, nil
	case "tanh":
		return ActTanh, nil
	case "silu":
		return ActSiLU, nil
	case "gelu":
		return ActGELU, nil
	}
	return ActIdentity, fmt.Errorf("unknown activation %q", name)
}

const (
	geluC0 = float32(0.7978845) // sqrt(2/pi)
	geluC1 = float32(0.044715)
)

// Apply returns the activation applied element-wise. Identity returns the
// input unchanged (no allocation).
func (a Activation) Apply(t *Tensor) *Tensor {
	if a == ActIdentity {
		return t
	}
	out := New(t.shape)
	src, dst := t.data, out.data
	switch a {
	case ActReLU:
		for i, x := range src {
			if x > 0 {
				dst[i] = x
			}
		}
	case ActTanh:
		for i, x := range src {
			dst[i] = TanhF32(x)
		}
	case ActSiLU:
		for i, x := range src {
			dst[i] = x * SigmoidF32(x)
		}
	case ActGELU:
		for i, x := range src {
			inner := geluC0 * (x + geluC1*x*x*x)
			dst[i] = 0.5 * x * (1 + TanhF32(inner))
		}
	}
	return out
}

// Derivative writes d(activation)/dx evaluated at the pre-activation values
// into grad, multiplying element-wise: grad[i] *= f'(pre[i]).
func (a Activation) Derivative(pre []float32, grad []float32) {
	switch a {
	case ActIdentity:
	case ActReLU:
		for i, x := range pre {
			if x <= 0 {
				grad[i] = 0
			}
		}
	case ActTanh:
		for i, x := range pre {
			th := TanhF32(x)
			grad[i] *= 1 - th*th
		}
	case ActSiLU:
		// silu'(x) = sigmoid(x) * (1 + x * (1 - sigmoid(x)))
		for i, x := range pre {
			sig := SigmoidF32(x)
			grad[i] *= sig * (1 + x*(1-sig))
		}
	case ActGELU:
		// Derivative of the tanh approximation.
		for i, x := range pre {
			inner := geluC0 * (x + geluC1*x*x*x)
			th := TanhF32(inner)
			dInner := geluC0 * (1 + 3*geluC1*x*x)
			grad[i] *= 0.5*(1+th) + 0.5*x*(1-th*th)*dInner
		}
	}
}
