package layer

import (
	"fmt"

	"github.com/ariannamethod/smqinfer/kernel"
	"github.com/ariannamethod/smqinfer/kvcache"
	"github.com/ariannamethod/smqinfer/tensor"
)

// Block runs one pre-norm decoder block in place over x, a (T, D)
// activation buffer: x = x + attn(LN(x)); x = x + mlp(LN(x))
// (spec.md §4.D). The LN preceding the MLP is computed with the fused
// layer_norm_residual variant, which simultaneously finishes the
// attention residual add, so that add is never a separate pass.
func Block(x []float32, w *BlockWeights, ws *tensor.Workspace, cache *kvcache.Cache, layerIdx, T int, cfg tensor.Config) error {
	d := cfg.EmbedDim

	ln1, err := ws.Acquire(tensor.KeyLNOut1, T*d)
	if err != nil {
		return err
	}
	LayerNorm(x, w.LN1Gamma, w.LN1Beta, ln1, cfg.LayerNormEps, d)

	attnOut, err := Attention(ln1, w, ws, cache, layerIdx, T, cfg)
	if err != nil {
		return fmt.Errorf("layer: block %d attention: %w", layerIdx, err)
	}

	ln2, err := ws.Acquire(tensor.KeyLNOut2, T*d)
	if err != nil {
		return err
	}
	// Writes x+attnOut back into x as a side effect (spec.md §4.B.3).
	LayerNormResidual(x, attnOut, w.LN2Gamma, w.LN2Beta, ln2, cfg.LayerNormEps, d)

	mlpOut, err := MLP(ln2, w, ws, T, cfg)
	if err != nil {
		return fmt.Errorf("layer: block %d mlp: %w", layerIdx, err)
	}

	kernel.Add(x, mlpOut, x, T*d)
	return nil
}
