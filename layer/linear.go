package layer

import (
	"github.com/ariannamethod/smqinfer/kernel"
	"github.com/ariannamethod/smqinfer/tensor"
)

// Linear computes out = x * dequant(w)^T for x shaped (M, K) and w
// shaped (N, K), out_features x in_features, dispatching to the
// fused dequant+GEMM kernel matching w's quantization scheme
// (spec.md §4.D: "chooses the fused GEMM kernel matching the weight's
// quantization scheme"). There is only one fused kernel today
// (kernel.MatMulFused dispatches internally per scheme via
// QuantizedTensor.DequantRow), so this wrapper's job is purely to
// name the operation at the call sites below.
func Linear(x []float32, w *tensor.QuantizedTensor, out []float32, M, K, N int) error {
	return kernel.MatMulFused(x, w, out, M, K, N)
}
