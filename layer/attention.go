package layer

import (
	"fmt"
	"math"

	"github.com/ariannamethod/smqinfer/kernel"
	"github.com/ariannamethod/smqinfer/kvcache"
	"github.com/ariannamethod/smqinfer/tensor"
)

// splitHeadMajor transposes a (T, 3D) packed QKV row-major buffer into
// three separate head-major (H, T, Dh) buffers. qkv holds Q, K, V back
// to back per row, matching what a single fused QKV projection
// produces.
func splitHeadMajor(qkv []float32, q, k, v []float32, T, H, Dh int) {
	d := H * Dh
	for t := 0; t < T; t++ {
		rowBase := t * 3 * d
		for h := 0; h < H; h++ {
			qSrc := qkv[rowBase+h*Dh : rowBase+(h+1)*Dh]
			kSrc := qkv[rowBase+d+h*Dh : rowBase+d+(h+1)*Dh]
			vSrc := qkv[rowBase+2*d+h*Dh : rowBase+2*d+(h+1)*Dh]
			dst := h*T*Dh + t*Dh
			copy(q[dst:dst+Dh], qSrc)
			copy(k[dst:dst+Dh], kSrc)
			copy(v[dst:dst+Dh], vSrc)
		}
	}
}

// mergeHeadMajor is splitHeadMajor's inverse for the attention output:
// collapses a head-major (H, T, Dh) buffer back into row-major (T, D)
// so the output projection can treat it as a plain (T, D) activation.
func mergeHeadMajor(src []float32, out []float32, T, H, Dh int) {
	d := H * Dh
	for h := 0; h < H; h++ {
		for t := 0; t < T; t++ {
			s := src[h*T*Dh+t*Dh : h*T*Dh+(t+1)*Dh]
			dst := out[t*d+h*Dh : t*d+(h+1)*Dh]
			copy(dst, s)
		}
	}
}

// materializeCached copies a kvcache view's valid prefix, whatever its
// physical stride layout, into a flat head-major (H, Tk, Dh) buffer the
// kernel package's attention primitives require.
func materializeCached(view tensor.Tensor, out []float32, H, Tk, Dh int) {
	for h := 0; h < H; h++ {
		for t := 0; t < Tk; t++ {
			copy(out[h*Tk*Dh+t*Dh:h*Tk*Dh+(t+1)*Dh], view.Row(h, t))
		}
	}
}

// Attention runs causal multi-head self-attention over xNorm (T rows
// of D, already layer-normed) for one block, appending the newly
// projected K/V to cache and reading back the full cached prefix
// (spec.md §4.D). It returns the (T, D) projected attention output,
// which lives in the workspace's block_residual buffer.
func Attention(xNorm []float32, w *BlockWeights, ws *tensor.Workspace, cache *kvcache.Cache, layerIdx, T int, cfg tensor.Config) ([]float32, error) {
	d := cfg.EmbedDim
	h := cfg.NumHeads
	dh := cfg.HeadDim()

	qkv, err := ws.Acquire(tensor.KeyQKVProj, T*3*d)
	if err != nil {
		return nil, err
	}
	if err := Linear(xNorm, w.QKV, qkv, T, d, 3*d); err != nil {
		return nil, fmt.Errorf("layer: qkv projection: %w", err)
	}

	qBuf, err := ws.Acquire(tensor.KeyQ, h*T*dh)
	if err != nil {
		return nil, err
	}
	kNew, err := ws.Acquire(tensor.KeyK, h*T*dh)
	if err != nil {
		return nil, err
	}
	vNew, err := ws.Acquire(tensor.KeyV, h*T*dh)
	if err != nil {
		return nil, err
	}
	splitHeadMajor(qkv, qBuf, kNew, vNew, T, h, dh)

	if err := cache.Append(layerIdx, kNew, vNew, T); err != nil {
		return nil, err
	}

	keysView, err := cache.Keys(layerIdx)
	if err != nil {
		return nil, err
	}
	valsView, err := cache.Values(layerIdx)
	if err != nil {
		return nil, err
	}
	tk := cache.CurrentLength(layerIdx)

	// Re-acquire K/V at the full cached length: the raw projected
	// values just written into the cache are no longer needed, so the
	// same workspace slots hold the materialized, flat, head-major
	// view the kernel primitives require.
	kFlat, err := ws.Acquire(tensor.KeyK, h*tk*dh)
	if err != nil {
		return nil, err
	}
	vFlat, err := ws.Acquire(tensor.KeyV, h*tk*dh)
	if err != nil {
		return nil, err
	}
	materializeCached(keysView, kFlat, h, tk, dh)
	materializeCached(valsView, vFlat, h, tk, dh)

	scores, err := ws.Acquire(tensor.KeyAttnScores, h*T*tk)
	if err != nil {
		return nil, err
	}
	scale := float32(1.0 / math.Sqrt(float64(dh)))
	if err := kernel.ScaledQK(qBuf, kFlat, scores, h, T, tk, dh, scale); err != nil {
		return nil, fmt.Errorf("layer: scaled qk: %w", err)
	}
	offset := tk - T
	for i := 0; i < T; i++ {
		for head := 0; head < h; head++ {
			row := scores[head*T*tk+i*tk : head*T*tk+(i+1)*tk]
			kernel.SoftmaxCausalRow(row, i+offset+1)
		}
	}

	attnHeadMajor, err := ws.Acquire(tensor.KeyQ, h*T*dh) // Q's slot is free again, reuse it
	if err != nil {
		return nil, err
	}
	kernel.AttentionOutput(scores, vFlat, attnHeadMajor, h, T, tk, dh)

	attnOut, err := ws.Acquire(tensor.KeyAttnOut, T*d)
	if err != nil {
		return nil, err
	}
	mergeHeadMajor(attnHeadMajor, attnOut, T, h, dh)

	projOut, err := ws.Acquire(tensor.KeyBlockResidual, T*d)
	if err != nil {
		return nil, err
	}
	if err := Linear(attnOut, w.OutProj, projOut, T, d, d); err != nil {
		return nil, fmt.Errorf("layer: attention output projection: %w", err)
	}
	return projOut, nil
}
