package kernel

import "math"

// geluConst is sqrt(2/pi), the Padé/tanh GELU approximation's leading
// coefficient (spec.md §4.B.4).
const geluConst = 0.7978845608028654

// GELU applies the tanh approximation of GELU to input, writing n
// elements into out:
//
//	0.5 * x * (1 + tanh(sqrt(2/pi) * (x + 0.044715*x^3)))
func GELU(input, out []float32, n int) {
	for i := 0; i < n; i++ {
		x := float64(input[i])
		inner := geluConst * (x + 0.044715*x*x*x)
		out[i] = float32(0.5 * x * (1 + math.Tanh(inner)))
	}
}

// Add computes out = a+b element-wise over n elements (spec.md §4.B.4).
func Add(a, b, out []float32, n int) {
	for i := 0; i < n; i++ {
		out[i] = a[i] + b[i]
	}
}
