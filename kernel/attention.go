package kernel

import "math"

// blockQ and blockK are the causal scaled-QK blocking factors spec.md
// §4.B.2 names (BLOCK_Q=16, BLOCK_K=64); they only change cache
// behavior, never the result, so tests don't depend on their values.
const (
	blockQ = 16
	blockK = 64
)

// SoftmaxCausalRow computes in-place softmax over scores[0:validLen]
// using max-subtract/exp/normalize (spec.md §4.B.2). Positions at or
// beyond validLen are set to zero, not -inf, because callers (the
// attention-output GEMM) use the full row as multiplicative weights.
func SoftmaxCausalRow(scores []float32, validLen int) {
	if validLen <= 0 {
		for i := range scores {
			scores[i] = 0
		}
		return
	}
	row := scores[:validLen]
	max := row[0]
	for _, v := range row[1:] {
		if v > max {
			max = v
		}
	}
	var sum float32
	for i, v := range row {
		e := float32(math.Exp(float64(v - max)))
		row[i] = e
		sum += e
	}
	inv := float32(1.0) / sum
	for i := range row {
		row[i] *= inv
	}
	for i := validLen; i < len(scores); i++ {
		scores[i] = 0
	}
}

// ScaledQK computes out[h,i,j] = scale * dot(Q[h,i,:], K[h,j,:]) for
// causal positions j <= i+offset, where offset = Tk-Tq lets Q represent
// only the newly-appended queries against a K that also holds cached
// history (spec.md §4.D's "Q has shape (H,T_new,Dh), K has shape
// (H,T_cached+T_new,Dh)"). For a prefill call Tq==Tk and offset==0,
// recovering the plain causal case. Non-causal positions are left
// untouched, callers pass a workspace buffer that was zeroed on
// acquire, and SoftmaxCausalRow re-zeros them regardless.
func ScaledQK(Q, K, out []float32, H, Tq, Tk, Dh int, scale float32) error {
	offset := Tk - Tq
	if offset < 0 {
		return errShape("ScaledQK", "Tk must be >= Tq")
	}
	tier := SelectTier()
	lanes := tier.Lanes()

	for h := 0; h < H; h++ {
		qBase := h * Tq * Dh
		kBase := h * Tk * Dh
		oBase := h * Tq * Tk
		for iBlock := 0; iBlock < Tq; iBlock += blockQ {
			iEnd := min(iBlock+blockQ, Tq)
			for i := iBlock; i < iEnd; i++ {
				qi := Q[qBase+i*Dh : qBase+(i+1)*Dh]
				validLen := i + offset + 1
				if validLen > Tk {
					validLen = Tk
				}
				for jBlock := 0; jBlock < validLen; jBlock += blockK {
					jEnd := min(jBlock+blockK, validLen)
					for j := jBlock; j < jEnd; j++ {
						kj := K[kBase+j*Dh : kBase+(j+1)*Dh]
						out[oBase+i*Tk+j] = scale * dot(qi, kj, lanes)
					}
				}
			}
		}
	}
	return nil
}

// AttentionOutput computes out[h,i,d] = sum_j P[h,i,j]*V[h,j,d]
// (spec.md §4.B.2), batched across heads.
func AttentionOutput(P, V, out []float32, H, Tq, Tk, Dh int) {
	for i := range out[:H*Tq*Dh] {
		out[i] = 0
	}
	for h := 0; h < H; h++ {
		pBase := h * Tq * Tk
		vBase := h * Tk * Dh
		oBase := h * Tq * Dh
		for i := 0; i < Tq; i++ {
			row := out[oBase+i*Dh : oBase+(i+1)*Dh]
			p := P[pBase+i*Tk : pBase+(i+1)*Tk]
			for j := 0; j < Tk; j++ {
				weight := p[j]
				if weight == 0 {
					continue
				}
				v := V[vBase+j*Dh : vBase+(j+1)*Dh]
				for d := 0; d < Dh; d++ {
					row[d] += weight * v[d]
				}
			}
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func errShape(kernel, msg string) error {
	return &shapeError{kernel: kernel, msg: msg}
}

type shapeError struct {
	kernel string
	msg    string
}

func (e *shapeError) Error() string { return "kernel: " + e.kernel + ": " + e.msg }
