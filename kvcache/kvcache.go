// Package kvcache implements the per-session KV cache (spec.md §4.E):
// L independent layer slots, each bounded by max_context_tokens, with a
// single append-only cursor.
//
// Physical storage is time-major per layer, (T_max, H, Dh), so that a
// read over the valid prefix [0,current_length) is a single contiguous
// slice regardless of how much of T_max is filled. Append therefore
// scatters its H*n rows into that layout instead of doing one memcpy;
// that's the right trade here since keys()/values() are read on every
// attention call (every block, every token) while append only runs once
// per block per token, paying the scatter cost on the rarer path.
package kvcache

import (
	"fmt"

	"github.com/ariannamethod/smqinfer/smqerr"
	"github.com/ariannamethod/smqinfer/tensor"
)

type layerSlot struct {
	keys          []float32 // (T_max, H, Dh) physical
	values        []float32
	currentLength int
}

// Cache owns one KV cache, L independent layer slots, for exactly one
// session. It is never shared across sessions (spec.md §4.E, §5).
type Cache struct {
	cfg    tensor.Config
	layers []layerSlot
}

// New allocates a cache sized for cfg. Capacity is T_max * H * Dh per
// layer per key/value, computed once.
func New(cfg tensor.Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kvcache: %w", err)
	}
	n := cfg.MaxContext * cfg.NumHeads * cfg.HeadDim()
	layers := make([]layerSlot, cfg.NumLayers)
	for i := range layers {
		layers[i] = layerSlot{
			keys:   make([]float32, n),
			values: make([]float32, n),
		}
	}
	return &Cache{cfg: cfg, layers: layers}, nil
}

// Append writes n new timesteps of key/value data for layer, starting
// at the current cursor. newK/newV must be logically shaped (H, n, Dh)
// in standard row-major (head-major) order, matching what the
// attention layer projects. Fails with ContextFull when the cache
// cannot hold n more tokens without exceeding T_max (spec.md §4.E).
func (c *Cache) Append(layer int, newK, newV []float32, n int) error {
	if layer < 0 || layer >= len(c.layers) {
		return fmt.Errorf("kvcache: layer %d out of range [0,%d)", layer, len(c.layers))
	}
	slot := &c.layers[layer]
	if slot.currentLength+n > c.cfg.MaxContext {
		return smqerr.New(smqerr.KindContextFull,
			fmt.Sprintf("append %d tokens at length %d exceeds max_context_tokens %d", n, slot.currentLength, c.cfg.MaxContext))
	}
	h := c.cfg.NumHeads
	dh := c.cfg.HeadDim()
	want := h * n * dh
	if len(newK) < want || len(newV) < want {
		return fmt.Errorf("kvcache: new K/V must have len >= %d (H*n*Dh), got %d/%d", want, len(newK), len(newV))
	}

	for head := 0; head < h; head++ {
		for t := 0; t < n; t++ {
			srcOff := head*n*dh + t*dh
			dstTime := slot.currentLength + t
			dstOff := dstTime*h*dh + head*dh
			copy(slot.keys[dstOff:dstOff+dh], newK[srcOff:srcOff+dh])
			copy(slot.values[dstOff:dstOff+dh], newV[srcOff:srcOff+dh])
		}
	}
	slot.currentLength += n
	return nil
}

// Keys returns a read-only view over layer's cached keys, shaped
// (H, current_length, Dh), touching only [0,current_length).
func (c *Cache) Keys(layer int) (tensor.Tensor, error) {
	return c.view(layer, true)
}

// Values returns a read-only view over layer's cached values, shaped
// (H, current_length, Dh).
func (c *Cache) Values(layer int) (tensor.Tensor, error) {
	return c.view(layer, false)
}

func (c *Cache) view(layer int, keys bool) (tensor.Tensor, error) {
	if layer < 0 || layer >= len(c.layers) {
		return tensor.Tensor{}, fmt.Errorf("kvcache: layer %d out of range [0,%d)", layer, len(c.layers))
	}
	slot := &c.layers[layer]
	h := c.cfg.NumHeads
	dh := c.cfg.HeadDim()
	t := slot.currentLength

	var shape, strides [tensor.MaxDims]int
	shape[0], shape[1], shape[2] = h, t, dh
	strides[0], strides[1], strides[2] = dh, h*dh, 1

	buf := slot.keys
	if !keys {
		buf = slot.values
	}
	if t == 0 {
		return tensor.ViewWithStrides(buf[:0], shape, strides, 3)
	}
	return tensor.ViewWithStrides(buf[:t*h*dh], shape, strides, 3)
}

// CurrentLength returns layer's cursor position.
func (c *Cache) CurrentLength(layer int) int {
	if layer < 0 || layer >= len(c.layers) {
		return 0
	}
	return c.layers[layer].currentLength
}

// Reset sets every layer's cursor to zero without freeing memory
// (spec.md §4.E), the buffers are reused on the next prefill.
func (c *Cache) Reset() {
	for i := range c.layers {
		c.layers[i].currentLength = 0
	}
}

// ByteSize returns the cache's allocated footprint in bytes, for
// budget enforcement (spec.md §4.E, §5).
func (c *Cache) ByteSize() int64 {
	var total int64
	for _, l := range c.layers {
		total += int64(len(l.keys)+len(l.values)) * 4
	}
	return total
}

// NumLayers reports L.
func (c *Cache) NumLayers() int { return len(c.layers) }
