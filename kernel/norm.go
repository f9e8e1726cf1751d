package kernel

import "math"

// LayerNorm normalizes each row of input (feature_dim wide) against
// gamma/beta into out, two-pass mean-then-variance (spec.md §4.B.3
// permits either Welford or two-pass; two-pass is simpler to keep
// numerically identical across the three dispatch tiers since it has
// no running-update rounding order to diverge).
func LayerNorm(input, gamma, beta, out []float32, eps float32, featureDim int) {
	rows := len(input) / featureDim
	for r := 0; r < rows; r++ {
		row := input[r*featureDim : (r+1)*featureDim]
		o := out[r*featureDim : (r+1)*featureDim]
		layerNormRow(row, gamma, beta, o, eps)
	}
}

func layerNormRow(row, gamma, beta, out []float32, eps float32) {
	n := len(row)
	var sum float64
	for _, v := range row {
		sum += float64(v)
	}
	mean := sum / float64(n)

	var varSum float64
	for _, v := range row {
		d := float64(v) - mean
		varSum += d * d
	}
	variance := varSum / float64(n)
	invStd := float32(1.0 / math.Sqrt(variance+float64(eps)))
	meanF := float32(mean)

	for i, v := range row {
		out[i] = (v-meanF)*invStd*gamma[i] + beta[i]
	}
}

// LayerNormResidual computes out = LN(x+residual) in one sweep,
// writing x+residual back into x as a side effect, the fused variant
// spec.md §4.B.3/§4.D requires so the transformer block's residual add
// is coalesced with the norm that follows it.
func LayerNormResidual(x, residual, gamma, beta, out []float32, eps float32, featureDim int) {
	rows := len(x) / featureDim
	for r := 0; r < rows; r++ {
		xr := x[r*featureDim : (r+1)*featureDim]
		rr := residual[r*featureDim : (r+1)*featureDim]
		or := out[r*featureDim : (r+1)*featureDim]
		for i := range xr {
			xr[i] += rr[i]
		}
		layerNormRow(xr, gamma, beta, or, eps)
	}
}
