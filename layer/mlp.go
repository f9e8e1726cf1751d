package layer

import (
	"fmt"

	"github.com/ariannamethod/smqinfer/kernel"
	"github.com/ariannamethod/smqinfer/tensor"
)

// MLP computes down(GELU(up(x))) over T rows, hidden dim F (spec.md §4.D).
func MLP(x []float32, w *BlockWeights, ws *tensor.Workspace, T int, cfg tensor.Config) ([]float32, error) {
	d := cfg.EmbedDim
	f := cfg.FeedForwardDim()

	hidden, err := ws.Acquire(tensor.KeyMLPHidden, T*f)
	if err != nil {
		return nil, err
	}
	if err := Linear(x, w.MLPUp, hidden, T, d, f); err != nil {
		return nil, fmt.Errorf("layer: mlp up projection: %w", err)
	}
	kernel.GELU(hidden, hidden, T*f)

	out, err := ws.Acquire(tensor.KeyBlockResidual, T*d)
	if err != nil {
		return nil, err
	}
	if err := Linear(hidden, w.MLPDown, out, T, f, d); err != nil {
		return nil, fmt.Errorf("layer: mlp down projection: %w", err)
	}
	return out, nil
}
