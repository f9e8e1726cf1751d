package layer

import (
	"fmt"

	"github.com/ariannamethod/smqinfer/tensor"
)

// Embedding writes out[t*D:(t+1)*D] = table[tokenIDs[t], :] for each
// token, as row copies rather than a matmul (spec.md §4.D). A decode
// step calls this with a single-element tokenIDs.
func Embedding(tokenIDs []int, table *tensor.QuantizedTensor, out []float32, embedDim int) error {
	if len(out) < len(tokenIDs)*embedDim {
		return fmt.Errorf("layer: embedding output buffer too small for %d tokens of dim %d", len(tokenIDs), embedDim)
	}
	for t, id := range tokenIDs {
		if id < 0 || id >= table.Rows {
			return fmt.Errorf("layer: token id %d out of vocabulary range [0,%d)", id, table.Rows)
		}
		if err := table.DequantRow(id, out[t*embedDim:(t+1)*embedDim]); err != nil {
			return fmt.Errorf("layer: embedding row %d: %w", id, err)
		}
	}
	return nil
}
