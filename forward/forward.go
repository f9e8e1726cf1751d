// Package forward implements the transformer forward pass (spec.md
// §4.F): prefill over a whole prompt and single-token decode, both
// orchestrating the workspace, layer modules, and KV cache, and both
// returning a view of the logits for the last position only.
package forward

import (
	"fmt"

	"github.com/ariannamethod/smqinfer/kvcache"
	"github.com/ariannamethod/smqinfer/layer"
	"github.com/ariannamethod/smqinfer/tensor"
)

// BudgetCheck is called between blocks so the caller can enforce wall
// clock and cancellation budgets without the forward pass itself
// knowing about sessions (spec.md §4.F: "Budget checkpoints are
// evaluated between blocks, never inside a kernel").
type BudgetCheck func() error

// Prefill embeds tokenIDs, runs every block, and returns the logits
// row for the last position only (spec.md §4.F).
func Prefill(tokenIDs []int, weights *layer.ModelWeights, ws *tensor.Workspace, cache *kvcache.Cache, cfg tensor.Config, check BudgetCheck) ([]float32, error) {
	return run(tokenIDs, weights, ws, cache, cfg, check)
}

// Decode embeds the single new token, runs every block against the
// cached prefix, and returns logits for that one position (spec.md
// §4.F).
func Decode(tokenID int, weights *layer.ModelWeights, ws *tensor.Workspace, cache *kvcache.Cache, cfg tensor.Config, check BudgetCheck) ([]float32, error) {
	return run([]int{tokenID}, weights, ws, cache, cfg, check)
}

func run(tokenIDs []int, weights *layer.ModelWeights, ws *tensor.Workspace, cache *kvcache.Cache, cfg tensor.Config, check BudgetCheck) ([]float32, error) {
	t := len(tokenIDs)
	d := cfg.EmbedDim

	x, err := ws.Acquire(tensor.KeyEmbeddingOut, t*d)
	if err != nil {
		return nil, err
	}
	if err := layer.Embedding(tokenIDs, weights.Embedding, x, d); err != nil {
		return nil, fmt.Errorf("forward: embedding: %w", err)
	}

	for i := range weights.Blocks {
		if check != nil {
			if err := check(); err != nil {
				return nil, err
			}
		}
		if err := layer.Block(x, &weights.Blocks[i], ws, cache, i, t, cfg); err != nil {
			return nil, fmt.Errorf("forward: block %d: %w", i, err)
		}
	}

	lastRow := x[(t-1)*d : t*d]
	lnFinal, err := ws.Acquire(tensor.KeyLNOut1, d)
	if err != nil {
		return nil, err
	}
	layer.LayerNorm(lastRow, weights.FinalGamma, weights.FinalBeta, lnFinal, cfg.LayerNormEps, d)

	logits, err := ws.Acquire(tensor.KeyLogits, cfg.VocabSize)
	if err != nil {
		return nil, err
	}
	if err := layer.Linear(lnFinal, weights.LMHead, logits, 1, d, cfg.VocabSize); err != nil {
		return nil, fmt.Errorf("forward: lm head: %w", err)
	}
	return logits, nil
}
