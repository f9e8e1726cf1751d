// Package layer implements the stateless transformer layer modules
// (spec.md §4.D): embedding, fused linear, layer-norm, multi-head
// causal self-attention, MLP, and the transformer block that wires
// them together with the pre-norm residual pattern.
//
// Every exported function here takes weights, a workspace, and an
// output buffer, and writes into caller-owned memory; no module in
// this package allocates a buffer of its own. The projections go
// through kernel.MatMulFused, which allocates a per-call row scratch.
package layer

import "github.com/ariannamethod/smqinfer/tensor"

// BlockWeights holds one decoder block's parameters. QKV and OutProj
// are fused/packed matmul weights (spec.md §4.D); LN gammas/betas are
// small enough to keep as plain float32 vectors rather than quantized
// tensors, following the teacher's practice of leaving norm parameters
// in full precision.
type BlockWeights struct {
	LN1Gamma, LN1Beta []float32
	QKV               *tensor.QuantizedTensor // shape (3D, D)
	OutProj           *tensor.QuantizedTensor // shape (D, D)
	LN2Gamma, LN2Beta []float32
	MLPUp             *tensor.QuantizedTensor // shape (F, D)
	MLPDown           *tensor.QuantizedTensor // shape (D, F)
}

// ModelWeights holds every weight a forward pass needs: the token
// embedding table, one BlockWeights per layer, the final layer norm,
// and the LM head.
type ModelWeights struct {
	Embedding    *tensor.QuantizedTensor // shape (V, D)
	Blocks       []BlockWeights
	FinalGamma   []float32
	FinalBeta    []float32
	LMHead       *tensor.QuantizedTensor // shape (V, D)
}
