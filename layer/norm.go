package layer

import "github.com/ariannamethod/smqinfer/kernel"

// LayerNorm applies layer normalization over T rows of featureDim each.
func LayerNorm(x, gamma, beta, out []float32, eps float32, featureDim int) {
	kernel.LayerNorm(x, gamma, beta, out, eps, featureDim)
}

// LayerNormResidual computes out = LN(x+residual) over T rows, writing
// x+residual back into x (spec.md §4.B.3, required by the block
// contract in §4.D so the residual add is coalesced with the norm).
func LayerNormResidual(x, residual, gamma, beta, out []float32, eps float32, featureDim int) {
	kernel.LayerNormResidual(x, residual, gamma, beta, out, eps, featureDim)
}
