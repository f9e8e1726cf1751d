// Package kernel is the SIMD-dequant+GEMM microkernel library (spec.md
// §4.B), the core of the core. Every kernel here takes explicit shapes
// and writes into caller-provided buffers. The attention, norm and
// activation kernels do not allocate; MatMulFused allocates one
// K-length row scratch buffer per worker on every call.
//
// Inner loops unroll scalar-register width the way a hand-written AVX2
// kernel would without reaching for cgo or assembly: a wide 8-wide lane,
// a portable 4-wide lane, and a 1-wide scalar fallback, selected once
// per process via runtime CPU feature detection (spec.md §4.B.1 item 5).
// The three tiers run the identical arithmetic in a different grouping,
// which is what spec.md §8's "within 1e-4 relative error of each other"
// cross-check actually requires.
package kernel

import "github.com/klauspost/cpuid/v2"

// Tier selects which unrolled lane width a kernel's inner loop uses.
type Tier int

const (
	TierScalar Tier = iota
	TierPortable
	TierWide
)

// Lanes reports the unroll width for a tier.
func (t Tier) Lanes() int {
	switch t {
	case TierWide:
		return 8
	case TierPortable:
		return 4
	default:
		return 1
	}
}

// SelectTier probes CPU features once. AVX2+FMA3 maps to the 8-wide
// tier (what a real AVX2+FMA kernel would use per fp32 register),
// SSE2-only maps to the 4-wide portable tier, anything else to scalar.
func SelectTier() Tier {
	if cpuid.CPU.Has(cpuid.AVX2) && cpuid.CPU.Has(cpuid.FMA3) {
		return TierWide
	}
	if cpuid.CPU.Has(cpuid.SSE2) {
		return TierPortable
	}
	return TierScalar
}

// dot computes sum(a[i]*b[i]) for i in [0,n), unrolled by lanes with a
// scalar tail for the remainder, the microkernel accumulator pattern
// spec.md §4.B.1 item 3 asks for, minus true SIMD registers (this
// module is pure Go; the unroll is what lets the compiler's own
// auto-vectorizer do the rest).
func dot(a, b []float32, lanes int) float32 {
	n := len(a)
	var acc [8]float32 // widest tier; unused lanes stay zero
	i := 0
	for ; i+lanes <= n; i += lanes {
		for l := 0; l < lanes; l++ {
			acc[l] += a[i+l] * b[i+l]
		}
	}
	var sum float32
	for l := 0; l < lanes; l++ {
		sum += acc[l]
	}
	for ; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}
