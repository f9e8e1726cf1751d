package kernel

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats/scalar"

	"github.com/ariannamethod/smqinfer/tensor"
)

func q4Weight(t *testing.T, rows, cols int, seed int64) *tensor.QuantizedTensor {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	blockSize := 32
	nBlocks := (rows * cols) / blockSize
	packed := make([]byte, (rows*cols+1)/2)
	scales := make([]float32, nBlocks)
	for b := 0; b < nBlocks; b++ {
		scales[b] = 0.01 + rng.Float32()*0.5
	}
	for i := range packed {
		packed[i] = byte(rng.Intn(256))
	}
	q := &tensor.QuantizedTensor{
		Scheme: tensor.SchemeQ4, Rows: rows, Cols: cols, BlockSize: blockSize,
		Packed: packed, Scales: scales,
	}
	require.NoError(t, q.Validate())
	return q
}

func f32Weight(t *testing.T, rows, cols int, seed int64) *tensor.QuantizedTensor {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	data := make([]float32, rows*cols)
	for i := range data {
		data[i] = rng.Float32()*2 - 1
	}
	q := &tensor.QuantizedTensor{Scheme: tensor.SchemeF32, Rows: rows, Cols: cols, F32Data: data}
	require.NoError(t, q.Validate())
	return q
}

func randomMatrix(rng *rand.Rand, m, k int) []float32 {
	a := make([]float32, m*k)
	for i := range a {
		a[i] = rng.Float32()*2 - 1
	}
	return a
}

func TestMatMulFusedF32MatchesReference(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	M, K, N := 4, 32, 8
	A := randomMatrix(rng, M, K)
	W := f32Weight(t, N, K, 2)
	C := make([]float32, M*N)

	require.NoError(t, MatMulFused(A, W, C, M, K, N))
	ref, err := MatMulF32Ref(A, W, M, K, N)
	require.NoError(t, err)

	for i := range C {
		require.Truef(t, scalar.EqualWithinAbsOrRel(float64(C[i]), ref[i], 1e-4, 1e-4),
			"index %d: got %v want %v", i, C[i], ref[i])
	}
}

func TestMatMulFusedQ4MatchesScalarDequantReference(t *testing.T) {
	for _, dims := range [][3]int{{32, 32, 32}, {32, 128, 128}, {4, 256, 32}} {
		M, K, N := dims[0], dims[1], dims[2]
		rng := rand.New(rand.NewSource(int64(M + K + N)))
		A := randomMatrix(rng, M, K)
		W := q4Weight(t, N, K, int64(M*K*N))
		C := make([]float32, M*N)

		require.NoError(t, MatMulFused(A, W, C, M, K, N))
		ref, err := MatMulF32Ref(A, W, M, K, N)
		require.NoError(t, err)

		for i := range C {
			require.Truef(t, scalar.EqualWithinAbsOrRel(float64(C[i]), ref[i], 1e-3, 1e-3),
				"dims=%v index %d: got %v want %v", dims, i, C[i], ref[i])
		}
	}
}

func TestMatMulFusedZeroesOutputOnEntry(t *testing.T) {
	M, K, N := 2, 32, 4
	A := make([]float32, M*K)
	W := f32Weight(t, N, K, 3)
	C := make([]float32, M*N)
	for i := range C {
		C[i] = 999
	}
	require.NoError(t, MatMulFused(A, W, C, M, K, N))
	for _, v := range C {
		require.Zero(t, v)
	}
}

func TestMatMulFusedRejectsShapeMismatch(t *testing.T) {
	W := f32Weight(t, 4, 8, 4)
	err := MatMulFused(make([]float32, 16), W, make([]float32, 8), 2, 8, 5)
	require.Error(t, err)
}
