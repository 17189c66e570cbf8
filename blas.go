// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 JayKays

package bnn

// BLAS bridge for the matmul hot path. All per-model affine transforms route
// through cblas-style sgemm calls backed by gonum's pure-Go float32 BLAS,
// so the module stays portable (no CGO, no vendor frameworks).

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// sgemm computes C = alpha*A@B + beta*C.
// A: [m, k] row-major, B: [k, n] row-major, C: [m, n] row-major.
//
// The early return on zero dimensions keeps degenerate shapes (empty batch)
// from reaching the BLAS implementation.
func sgemm(m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) {
	if m == 0 || n == 0 || k == 0 {
		return
	}
	blas32.Implementation().Sgemm(blas.NoTrans, blas.NoTrans,
		m, n, k,
		alpha, a, lda,
		b, ldb,
		beta, c, ldc)
}

// sgemmTransA computes C = alpha*A^T@B + beta*C without materializing the
// transpose. A: [k, m] row-major, B: [k, n] row-major, C: [m, n] row-major.
//
// Used by the backward pass for dW = gradOutput^T @ input.
func sgemmTransA(m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) {
	if m == 0 || n == 0 || k == 0 {
		return
	}
	blas32.Implementation().Sgemm(blas.Trans, blas.NoTrans,
		m, n, k,
		alpha, a, lda,
		b, ldb,
		beta, c, ldc)
}

// sgemmTransB computes C = alpha*A@B^T + beta*C without materializing the
// transpose. A: [m, k] row-major, B: [n, k] row-major, C: [m, n] row-major.
//
// This is the forward hot path: weights are stored [out, in], so the affine
// transform is input @ weight^T.
func sgemmTransB(m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) {
	if m == 0 || n == 0 || k == 0 {
		return
	}
	blas32.Implementation().Sgemm(blas.NoTrans, blas.Trans,
		m, n, k,
		alpha, a, lda,
		b, ldb,
		beta, c, ldc)
}
