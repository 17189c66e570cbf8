// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 JayKays

// Package bnn implements a Bayesian neural network ensemble for probabilistic
// dynamics modeling in model-based reinforcement learning.
//
// An ensemble of E networks is emulated by stacking per-model weight tensors,
// so one forward call executes all E members in parallel. Weight uncertainty
// is represented by a learned Gaussian posterior per affine layer; training
// minimizes a Monte-Carlo estimate of the ELBO. All tensor storage uses flat
// []float32 slices in row-major order; matrix multiplication is delegated to
// gonum's pure-Go BLAS.
package bnn

import (
	"fmt"
	"math"
	"strings"
)

// Shape represents the dimensions of a tensor. Internally stored as a
// private slice to prevent external mutation.
type Shape struct{ dims []int }

// NewShape creates a Shape from variadic dimension sizes.
func NewShape(dims ...int) Shape {
	d := make([]int, len(dims))
	copy(d, dims)
	return Shape{dims: d}
}

// Dims returns a copy of the dimension sizes.
func (s Shape) Dims() []int {
	d := make([]int, len(s.dims))
	copy(d, s.dims)
	return d
}

// DimsRef returns a direct reference to the internal dimension slice.
// The caller must NOT mutate the returned slice. Used in hot paths to
// avoid the allocation that Dims() incurs.
func (s Shape) DimsRef() []int {
	return s.dims
}

// NDim returns the number of dimensions.
func (s Shape) NDim() int { return len(s.dims) }

// Numel returns the total number of elements (product of all dimensions).
func (s Shape) Numel() int {
	if len(s.dims) == 0 {
		return 0
	}
	return prod(s.dims)
}

// At returns the size of dimension dim. Negative indices count from the end
// (e.g., At(-1) returns the last dimension), matching NumPy convention.
func (s Shape) At(dim int) int {
	if dim < 0 {
		dim += len(s.dims)
	}
	if dim < 0 || dim >= len(s.dims) {
		return 0
	}
	return s.dims[dim]
}

// Equal returns true if two shapes have identical dimensions.
func (s Shape) Equal(other Shape) bool {
	if len(s.dims) != len(other.dims) {
		return false
	}
	for i := range s.dims {
		if s.dims[i] != other.dims[i] {
			return false
		}
	}
	return true
}

// String formats the shape as "[d0, d1, ...]".
func (s Shape) String() string {
	parts := make([]string, len(s.dims))
	for i, d := range s.dims {
		parts[i] = fmt.Sprintf("%d", d)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// ---------------------------------------------------------------------------
// Pure-float32 math functions
//
// These avoid float64 casts to keep the entire compute path in float32,
// matching what the BLAS sgemm operates on. Each uses standard numerical
// techniques: range reduction, Horner polynomials, and fast inverse sqrt.
// ---------------------------------------------------------------------------

// ExpF32 computes exp(x) in pure float32.
//
// Algorithm: range reduction x = k*ln2 + r, then Horner polynomial on r.
// Clamps to 0 / +Inf outside the representable range of float32.
func ExpF32(x float32) float32 {
	if x > 88.72 {
		return float32(math.Inf(1))
	}
	if x < -87.33 {
		return 0
	}
	const (
		invLn2 = float32(1.4426950)
		ln2Hi  = float32(0.6931458)
		ln2Lo  = float32(1.4286068e-06)
	)
	var k int32
	if x >= 0 {
		k = int32(x*invLn2 + 0.5)
	} else {
		k = int32(x*invLn2 - 0.5)
	}
	kf := float32(k)
	r := x - kf*ln2Hi - kf*ln2Lo
	r2 := r * r
	p := float32(1) + r + r2*(0.5+r*(0.16666667+r*(0.04166668+r*0.008333334)))
	// Reconstruct 2^k by shifting into the IEEE 754 exponent field.
	return p * math.Float32frombits(uint32(127+k)<<23)
}

// SqrtF32 computes sqrt(x) via the fast inverse square root trick
// followed by two Newton-Raphson refinement steps.
func SqrtF32(x float32) float32 {
	if x <= 0 {
		return 0
	}
	bits := math.Float32bits(x)
	bits = 0x5f3759df - (bits >> 1)
	y := math.Float32frombits(bits)
	half := 0.5 * x
	y = y * (1.5 - half*y*y)
	y = y * (1.5 - half*y*y)
	return x * y
}

// LogF32 computes ln(x) via IEEE 754 decomposition: x = 2^e * m,
// then atanh-series polynomial on s = (m-1)/(m+1).
func LogF32(x float32) float32 {
	if x <= 0 {
		return -float32(math.MaxFloat32)
	}
	bits := math.Float32bits(x)
	e := int32((bits>>23)&0xFF) - 127
	bits = (bits & 0x007FFFFF) | 0x3F800000
	m := math.Float32frombits(bits)
	s := (m - 1) / (m + 1)
	s2 := s * s
	p := 2.0 * s * (1 + s2*(0.33333334+s2*(0.2+s2*0.14285715)))
	return float32(e)*0.6931472 + p
}

// PowF32 computes base^exp in float32 via exp(exp * ln(base)).
func PowF32(base, exp float32) float32 {
	if base <= 0 {
		return 0
	}
	return ExpF32(exp * LogF32(base))
}

// SinF32 computes sin(x) via range reduction to [0, pi/2]
// then a Horner polynomial approximation.
func SinF32(x float32) float32 {
	const (
		twoPi  = float32(6.2831855)
		pi     = float32(3.1415927)
		halfPi = float32(1.5707964)
	)
	x -= float32(int32(x/twoPi)) * twoPi
	if x < 0 {
		x += twoPi
	}
	sign := float32(1)
	if x > pi {
		sign = -1
		x -= pi
	}
	if x > halfPi {
		x = pi - x
	}
	x2 := x * x
	return sign * x * (1 - x2*(0.16666667-x2*(0.008333334-x2*0.00019841270)))
}

// CosF32 computes cos(x) = sin(x + pi/2).
func CosF32(x float32) float32 { return SinF32(x + 1.5707964) }

// SigmoidF32 computes 1 / (1 + exp(-x)).
func SigmoidF32(x float32) float32 { return 1 / (1 + ExpF32(-x)) }

// TanhF32 computes tanh(x) = 2*sigmoid(2x) - 1.
func TanhF32(x float32) float32 { return 2*SigmoidF32(2*x) - 1 }

// SoftplusF32 computes log(1 + exp(x)), the mapping from the unconstrained
// rho parameter to a strictly positive posterior standard deviation.
// For large x the identity softplus(x) ~ x avoids overflow in the exp.
func SoftplusF32(x float32) float32 {
	if x > 30 {
		return x
	}
	return LogF32(1 + ExpF32(x))
}

// ---------------------------------------------------------------------------
// Tensor
// ---------------------------------------------------------------------------

// Tensor stores multi-dimensional float32 data in a contiguous flat slice.
// Row-major layout: the last dimension varies fastest. All operations
// allocate new tensors unless documented otherwise.
type Tensor struct {
	data  []float32
	shape Shape
	Grad  []float32 // per-element gradient, nil until allocated
}

// New allocates a zero-filled tensor of the given shape.
func New(shape Shape) *Tensor {
	return &Tensor{data: make([]float32, shape.Numel()), shape: shape}
}

// Zeros is an alias for New (zero-filled tensor).
func Zeros(shape Shape) *Tensor { return New(shape) }

// Full allocates a tensor with every element set to v.
func Full(shape Shape, v float32) *Tensor {
	t := New(shape)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

// FromSlice creates a tensor by copying the provided data.
// Panics if len(data) != shape.Numel().
func FromSlice(data []float32, shape Shape) *Tensor {
	if len(data) != shape.Numel() {
		panic(fmt.Sprintf("data length %d != shape numel %d", len(data), shape.Numel()))
	}
	d := make([]float32, len(data))
	copy(d, data)
	return &Tensor{data: d, shape: shape}
}

// FromSliceNoCopy creates a tensor that directly owns the provided slice
// (no copy). The caller must NOT retain or mutate the slice after this call.
func FromSliceNoCopy(data []float32, shape Shape) *Tensor {
	if len(data) != shape.Numel() {
		panic(fmt.Sprintf("data length %d != shape numel %d", len(data), shape.Numel()))
	}
	return &Tensor{data: data, shape: shape}
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape { return t.shape }

// DataPtr returns the underlying storage slice directly (no copy).
// Callers may mutate elements in-place; use Data() for a safe copy.
func (t *Tensor) DataPtr() []float32 { return t.data }

// Data returns a copy of the underlying storage.
func (t *Tensor) Data() []float32 {
	d := make([]float32, len(t.data))
	copy(d, t.data)
	return d
}

// flatIndex converts multi-dimensional indices to a flat offset using
// row-major strides. Panics on out-of-bounds access.
func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != t.shape.NDim() {
		panic(fmt.Sprintf("expected %d indices, got %d", t.shape.NDim(), len(indices)))
	}
	idx := 0
	for i, index := range indices {
		size := t.shape.At(i)
		if index < 0 || index >= size {
			panic(fmt.Sprintf("index %d out of bounds for dim %d with size %d", index, i, size))
		}
		idx = idx*size + index
	}
	return idx
}

// At reads a single element by multi-dimensional index.
func (t *Tensor) At(indices ...int) float32 { return t.data[t.flatIndex(indices)] }

// Set writes a single element by multi-dimensional index.
func (t *Tensor) Set(value float32, indices ...int) { t.data[t.flatIndex(indices)] = value }

// Clone returns a deep copy of the tensor (gradient not copied).
func (t *Tensor) Clone() *Tensor { return FromSlice(t.data, t.shape) }

// Reshape returns a new tensor sharing the same backing data but with a
// different shape. The total number of elements must be unchanged.
// WARNING: because data is shared, mutations to one affect the other.
func (t *Tensor) Reshape(s Shape) *Tensor {
	if t.shape.Numel() != s.Numel() {
		panic(fmt.Sprintf("cannot reshape %v to %v: different numel", t.shape, s))
	}
	return &Tensor{data: t.data, shape: s}
}

// ZeroGrad resets the gradient. If Grad exists and matches the data length,
// it is zeroed in place to avoid reallocation. Otherwise Grad is set to nil
// so that only parameters that actually receive gradients via AccumulateGrad
// will have a non-nil Grad after the backward pass.
func (t *Tensor) ZeroGrad() {
	n := len(t.data)
	if t.Grad != nil && len(t.Grad) == n {
		for i := range t.Grad {
			t.Grad[i] = 0
		}
	} else {
		t.Grad = nil
	}
}

// AccumulateGrad adds grad element-wise into t.Grad, allocating if nil.
func (t *Tensor) AccumulateGrad(grad []float32) {
	if t.Grad == nil {
		t.Grad = make([]float32, len(t.data))
	}
	for i, g := range grad {
		t.Grad[i] += g
	}
}

func (t *Tensor) assertShape(other *Tensor) {
	if !t.shape.Equal(other.shape) {
		panic(fmt.Sprintf("shape mismatch: %v vs %v", t.shape, other.shape))
	}
}

// Sub returns element-wise t - o.
func (t *Tensor) Sub(o *Tensor) *Tensor {
	t.assertShape(o)
	r := New(t.shape)
	a, b, dst := t.data, o.data, r.data
	for i := range dst {
		dst[i] = a[i] - b[i]
	}
	return r
}

// Sum returns the sum of all elements.
func (t *Tensor) Sum() float32 {
	sum := float32(0)
	for _, v := range t.data {
		sum += v
	}
	return sum
}

// GatherRows returns a rank-2 tensor whose i-th row is row indices[i] of t.
// This is the shuffle half of the propagation permutation.
func (t *Tensor) GatherRows(indices []int) *Tensor {
	if t.shape.NDim() != 2 {
		panic(fmt.Sprintf("GatherRows requires a rank-2 tensor, got %v", t.shape))
	}
	rows, cols := t.shape.At(0), t.shape.At(1)
	if len(indices) != rows {
		panic(fmt.Sprintf("GatherRows: %d indices for %d rows", len(indices), rows))
	}
	out := New(t.shape)
	for i, src := range indices {
		if src < 0 || src >= rows {
			panic(fmt.Sprintf("GatherRows: index %d out of range [0, %d)", src, rows))
		}
		copy(out.data[i*cols:(i+1)*cols], t.data[src*cols:(src+1)*cols])
	}
	return out
}

// ScatterRows returns a rank-2 tensor where row indices[i] holds the i-th row
// of t: out[indices[i]] = t[i]. Applied with the same permutation that
// GatherRows used, this restores example order after per-model propagation.
func (t *Tensor) ScatterRows(indices []int) *Tensor {
	if t.shape.NDim() != 2 {
		panic(fmt.Sprintf("ScatterRows requires a rank-2 tensor, got %v", t.shape))
	}
	rows, cols := t.shape.At(0), t.shape.At(1)
	if len(indices) != rows {
		panic(fmt.Sprintf("ScatterRows: %d indices for %d rows", len(indices), rows))
	}
	out := New(t.shape)
	for i, dst := range indices {
		if dst < 0 || dst >= rows {
			panic(fmt.Sprintf("ScatterRows: index %d out of range [0, %d)", dst, rows))
		}
		copy(out.data[dst*cols:(dst+1)*cols], t.data[i*cols:(i+1)*cols])
	}
	return out
}

// MeanAxis0 collapses the leading axis of a rank-3 tensor by averaging:
// [M, B, D] -> [B, D]. Used by the expectation propagation mode.
func (t *Tensor) MeanAxis0() *Tensor {
	if t.shape.NDim() != 3 {
		panic(fmt.Sprintf("MeanAxis0 requires a rank-3 tensor, got %v", t.shape))
	}
	m, b, d := t.shape.At(0), t.shape.At(1), t.shape.At(2)
	out := New(NewShape(b, d))
	inv := 1 / float32(m)
	for model := 0; model < m; model++ {
		off := model * b * d
		for i := 0; i < b*d; i++ {
			out.data[i] += t.data[off+i]
		}
	}
	for i := range out.data {
		out.data[i] *= inv
	}
	return out
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

// prod returns the product of all integers in xs.
func prod(xs []int) int {
	n := 1
	for _, x := range xs {
		n *= x
	}
	return n
}
