package layer

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ariannamethod/smqinfer/kvcache"
	"github.com/ariannamethod/smqinfer/tensor"
)

func f32Weight(rows, cols int, rng *rand.Rand) *tensor.QuantizedTensor {
	data := make([]float32, rows*cols)
	for i := range data {
		data[i] = rng.Float32()*0.2 - 0.1
	}
	return &tensor.QuantizedTensor{Scheme: tensor.SchemeF32, Rows: rows, Cols: cols, F32Data: data}
}

func smallConfig() tensor.Config {
	return tensor.Config{
		VocabSize:    16,
		EmbedDim:     8,
		NumLayers:    2,
		NumHeads:     2,
		MaxContext:   8,
		FeedForward:  16,
		LayerNormEps: 1e-5,
	}
}

func randomModel(cfg tensor.Config, seed int64) *ModelWeights {
	rng := rand.New(rand.NewSource(seed))
	d := cfg.EmbedDim
	f := cfg.FeedForwardDim()
	blocks := make([]BlockWeights, cfg.NumLayers)
	ones := func(n int) []float32 {
		v := make([]float32, n)
		for i := range v {
			v[i] = 1
		}
		return v
	}
	zeros := func(n int) []float32 { return make([]float32, n) }
	for i := range blocks {
		blocks[i] = BlockWeights{
			LN1Gamma: ones(d), LN1Beta: zeros(d),
			QKV:     f32Weight(3*d, d, rng),
			OutProj: f32Weight(d, d, rng),
			LN2Gamma: ones(d), LN2Beta: zeros(d),
			MLPUp:   f32Weight(f, d, rng),
			MLPDown: f32Weight(d, f, rng),
		}
	}
	return &ModelWeights{
		Embedding:  f32Weight(cfg.VocabSize, d, rng),
		Blocks:     blocks,
		FinalGamma: ones(d),
		FinalBeta:  zeros(d),
		LMHead:     f32Weight(cfg.VocabSize, d, rng),
	}
}

func TestEmbeddingCopiesRows(t *testing.T) {
	cfg := smallConfig()
	rng := rand.New(rand.NewSource(1))
	table := f32Weight(cfg.VocabSize, cfg.EmbedDim, rng)
	out := make([]float32, 2*cfg.EmbedDim)
	require.NoError(t, Embedding([]int{3, 5}, table, out, cfg.EmbedDim))
	require.Equal(t, table.F32Data[3*cfg.EmbedDim:4*cfg.EmbedDim], out[:cfg.EmbedDim])
	require.Equal(t, table.F32Data[5*cfg.EmbedDim:6*cfg.EmbedDim], out[cfg.EmbedDim:])
}

func TestEmbeddingRejectsOutOfRangeToken(t *testing.T) {
	cfg := smallConfig()
	rng := rand.New(rand.NewSource(1))
	table := f32Weight(cfg.VocabSize, cfg.EmbedDim, rng)
	out := make([]float32, cfg.EmbedDim)
	require.Error(t, Embedding([]int{cfg.VocabSize}, table, out, cfg.EmbedDim))
}

func TestBlockPreservesShapeAndAdvancesCache(t *testing.T) {
	cfg := smallConfig()
	model := randomModel(cfg, 42)
	ws, err := tensor.NewWorkspace(cfg)
	require.NoError(t, err)
	cache, err := kvcache.New(cfg)
	require.NoError(t, err)

	T := 3
	x := make([]float32, T*cfg.EmbedDim)
	rng := rand.New(rand.NewSource(9))
	for i := range x {
		x[i] = rng.Float32()*2 - 1
	}

	require.NoError(t, Block(x, &model.Blocks[0], ws, cache, 0, T, cfg))
	require.Equal(t, T, cache.CurrentLength(0))
	for _, v := range x {
		require.False(t, isNaNOrInf(v))
	}
}

func TestDecodeStepAfterPrefillUsesFullCache(t *testing.T) {
	cfg := smallConfig()
	model := randomModel(cfg, 7)
	ws, err := tensor.NewWorkspace(cfg)
	require.NoError(t, err)
	cache, err := kvcache.New(cfg)
	require.NoError(t, err)

	Tp := 4
	xp := make([]float32, Tp*cfg.EmbedDim)
	rng := rand.New(rand.NewSource(3))
	for i := range xp {
		xp[i] = rng.Float32()*2 - 1
	}
	require.NoError(t, Block(xp, &model.Blocks[0], ws, cache, 0, Tp, cfg))
	require.Equal(t, Tp, cache.CurrentLength(0))

	xd := make([]float32, cfg.EmbedDim)
	for i := range xd {
		xd[i] = rng.Float32()*2 - 1
	}
	require.NoError(t, Block(xd, &model.Blocks[0], ws, cache, 0, 1, cfg))
	require.Equal(t, Tp+1, cache.CurrentLength(0))
}

func isNaNOrInf(v float32) bool {
	return v != v || v > 3.4e38 || v < -3.4e38
}
