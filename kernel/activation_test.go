package kernel

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func naiveGELU(x float64) float64 {
	return 0.5 * x * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(x+0.044715*x*x*x)))
}

func TestGELUWithinTolerance(t *testing.T) {
	input := make([]float32, 0)
	for x := -10.0; x <= 10.0; x += 0.5 {
		input = append(input, float32(x))
	}
	out := make([]float32, len(input))
	GELU(input, out, len(input))

	for i, x := range input {
		want := naiveGELU(float64(x))
		require.LessOrEqualf(t, math.Abs(float64(out[i])-want), 5e-4, "x=%v got=%v want=%v", x, out[i], want)
	}
}

func TestGELUZeroIsZero(t *testing.T) {
	in := []float32{0}
	out := make([]float32, 1)
	GELU(in, out, 1)
	require.InDelta(t, 0, out[0], 1e-9)
}

func TestAddElementwise(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, 5, 6}
	out := make([]float32, 3)
	Add(a, b, out, 3)
	require.Equal(t, []float32{5, 7, 9}, out)
}
