package tensor

import (
	"fmt"

	"github.com/ariannamethod/smqinfer/smqerr"
)

// Key names a workspace scratch-buffer role (spec.md §4.C's required
// keys table).
type Key string

const (
	KeyEmbeddingOut  Key = "embedding_out"
	KeyLNOut1        Key = "ln_out_1"
	KeyLNOut2        Key = "ln_out_2"
	KeyQKVProj       Key = "qkv_proj"
	KeyQ             Key = "q"
	KeyK             Key = "k"
	KeyV             Key = "v"
	KeyAttnScores    Key = "attn_scores"
	KeyAttnOut       Key = "attn_out"
	KeyMLPHidden     Key = "mlp_hidden"
	KeyBlockResidual Key = "block_residual"
	KeyLogits        Key = "logits"
)

// Workspace is the per-session collection of pre-allocated fp32 scratch
// buffers described in spec.md §4.C. Every key's capacity is computed
// once, at construction, from the model Config; Acquire validates a
// request against that capacity and never grows a buffer, an
// oversized request is a fatal ConfigError, not something retried with
// a bigger allocation (spec.md §4.C, §8.1's zero-alloc decode
// invariant).
//
// A Workspace is owned by exactly one session and must not be read
// across forward-pass calls, and never written by two goroutines at
// once (spec.md §4.C, §5).
type Workspace struct {
	buffers map[Key][]float32
	caps    map[Key]int
}

// NewWorkspace pre-allocates every required buffer sized for cfg. The
// sizing follows spec.md §4.C literally: T is taken as MaxContext
// (T_max) everywhere, since prefill may present up to the full context
// window in one call and the buffer must be sized for the worst case
// the session will ever see.
func NewWorkspace(cfg Config) (*Workspace, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("tensor: cannot build workspace: %w", err)
	}
	t := cfg.MaxContext
	d := cfg.EmbedDim
	h := cfg.NumHeads
	dh := cfg.HeadDim()
	f := cfg.FeedForwardDim()

	caps := map[Key]int{
		KeyEmbeddingOut:  t * d,
		KeyLNOut1:        t * d,
		KeyLNOut2:        t * d,
		KeyQKVProj:       t * 3 * d,
		KeyQ:             h * t * dh,
		KeyK:             h * t * dh,
		KeyV:             h * t * dh,
		KeyAttnScores:    h * t * t,
		KeyAttnOut:       t * d,
		KeyMLPHidden:     t * f,
		KeyBlockResidual: t * d,
		KeyLogits:        cfg.VocabSize,
	}

	w := &Workspace{
		buffers: make(map[Key][]float32, len(caps)),
		caps:    caps,
	}
	for k, n := range caps {
		w.buffers[k] = make([]float32, n)
	}
	return w, nil
}

// Acquire returns the first n elements of the named buffer, zeroed, for
// use during one forward-pass call. Exceeding the pre-sized capacity is
// a fatal configuration error, it is never handled by growing the
// buffer, per spec.md §4.C.
func (w *Workspace) Acquire(key Key, n int) ([]float32, error) {
	buf, ok := w.buffers[key]
	if !ok {
		return nil, fmt.Errorf("tensor: workspace has no key %q", key)
	}
	cap := w.caps[key]
	if n > cap {
		return nil, smqerr.New(smqerr.KindConfig, fmt.Sprintf("workspace key %q requested %d elements, capacity is %d", key, n, cap))
	}
	out := buf[:n]
	for i := range out {
		out[i] = 0
	}
	return out, nil
}

// Capacity reports the pre-sized capacity of a key, for diagnostics and
// tests.
func (w *Workspace) Capacity(key Key) int { return w.caps[key] }
