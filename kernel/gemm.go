package kernel

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/ariannamethod/smqinfer/tensor"
)

// numWorkers mirrors the teacher's runtime.NumCPU() goroutine-pool
// sizing for parallel matmul (ariannamethod-yent/yent/go/quant.go).
var numWorkers = runtime.NumCPU()

// minRowsForParallel is the per-worker output-feature count: MatMulFused
// runs on the calling goroutine instead of spinning up a worker pool
// when N < numWorkers*minRowsForParallel, the same threshold shape the
// teacher used (rows < numWorkers*4).
const minRowsForParallel = 4

// MatMulFused computes C = A · dequant(W) without ever materializing the
// full dequantized weight matrix (spec.md §4.B.1): A is M×K row-major,
// W is a QuantizedTensor shaped (N, K), out_features × in_features,
// the same row-major "output-major" layout the teacher's MatMul* family
// used, and C is M×N row-major.
//
// The loop nest dequantizes one weight row at a time and reuses it
// across every one of the M input rows before moving to the next
// output feature; this is the natural generalization of the teacher's
// per-row GEMV (M was implicitly 1 there) to prefill's M>1 case, and it
// amortizes the one expensive part, unpacking nibbles/sub-blocks,
// over M instead of redoing it per call. The dequantized row lives in a
// K-length scratch slice that each worker allocates per call; it does
// not come from a caller-provided buffer.
//
// Parallelism is across output features N, matching spec.md §5 ("block-
// row dimension of matmul"); edge tiles smaller than a worker's chunk
// fall back to the same scalar dot product, so there is no separate
// "tail kernel" code path to keep in sync.
func MatMulFused(A []float32, W *tensor.QuantizedTensor, C []float32, M, K, N int) error {
	if W.Cols != K || W.Rows != N {
		return fmt.Errorf("kernel: weight shape (%d,%d) doesn't match M=%d,K=%d,N=%d", W.Rows, W.Cols, M, K, N)
	}
	if len(A) < M*K {
		return fmt.Errorf("kernel: A len %d < M*K %d", len(A), M*K)
	}
	if len(C) < M*N {
		return fmt.Errorf("kernel: C len %d < M*N %d", len(C), M*N)
	}
	for i := range C[:M*N] {
		C[i] = 0
	}

	tier := SelectTier()
	lanes := tier.Lanes()

	run := func(nStart, nEnd int) error {
		row := make([]float32, K)
		for n := nStart; n < nEnd; n++ {
			if err := W.DequantRow(n, row); err != nil {
				return err
			}
			for m := 0; m < M; m++ {
				a := A[m*K : (m+1)*K]
				C[m*N+n] = dot(a, row, lanes)
			}
		}
		return nil
	}

	if N < numWorkers*minRowsForParallel {
		return run(0, N)
	}

	chunk := (N + numWorkers - 1) / numWorkers
	var g errgroup.Group
	for w := 0; w < numWorkers; w++ {
		start := w * chunk
		end := start + chunk
		if end > N {
			end = N
		}
		if start >= end {
			break
		}
		g.Go(func() error { return run(start, end) })
	}
	return g.Wait()
}

// MatMulF32Ref is a scalar f64-accumulated reference GEMM used only by
// tests to bound MatMulFused's relative error, per spec.md §8 property 2.
func MatMulF32Ref(A []float32, W *tensor.QuantizedTensor, M, K, N int) ([]float64, error) {
	out := make([]float64, M*N)
	row := make([]float32, K)
	for n := 0; n < N; n++ {
		if err := W.DequantRow(n, row); err != nil {
			return nil, err
		}
		for m := 0; m < M; m++ {
			var sum float64
			a := A[m*K : (m+1)*K]
			for k := 0; k < K; k++ {
				sum += float64(a[k]) * float64(row[k])
			}
			out[m*N+n] = sum
		}
	}
	return out, nil
}
