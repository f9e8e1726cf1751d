package forward

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ariannamethod/smqinfer/kvcache"
	"github.com/ariannamethod/smqinfer/layer"
	"github.com/ariannamethod/smqinfer/tensor"
)

func f32Weight(rows, cols int, rng *rand.Rand) *tensor.QuantizedTensor {
	data := make([]float32, rows*cols)
	for i := range data {
		data[i] = rng.Float32()*0.2 - 0.1
	}
	return &tensor.QuantizedTensor{Scheme: tensor.SchemeF32, Rows: rows, Cols: cols, F32Data: data}
}

func testModel(cfg tensor.Config, seed int64) *layer.ModelWeights {
	rng := rand.New(rand.NewSource(seed))
	d := cfg.EmbedDim
	f := cfg.FeedForwardDim()
	ones := func(n int) []float32 {
		v := make([]float32, n)
		for i := range v {
			v[i] = 1
		}
		return v
	}
	zeros := func(n int) []float32 { return make([]float32, n) }
	blocks := make([]layer.BlockWeights, cfg.NumLayers)
	for i := range blocks {
		blocks[i] = layer.BlockWeights{
			LN1Gamma: ones(d), LN1Beta: zeros(d),
			QKV:     f32Weight(3*d, d, rng),
			OutProj: f32Weight(d, d, rng),
			LN2Gamma: ones(d), LN2Beta: zeros(d),
			MLPUp:   f32Weight(f, d, rng),
			MLPDown: f32Weight(d, f, rng),
		}
	}
	return &layer.ModelWeights{
		Embedding:  f32Weight(cfg.VocabSize, d, rng),
		Blocks:     blocks,
		FinalGamma: ones(d),
		FinalBeta:  zeros(d),
		LMHead:     f32Weight(cfg.VocabSize, d, rng),
	}
}

func testConfig() tensor.Config {
	return tensor.Config{
		VocabSize:    12,
		EmbedDim:     8,
		NumLayers:    2,
		NumHeads:     2,
		MaxContext:   6,
		FeedForward:  16,
		LayerNormEps: 1e-5,
	}
}

func TestPrefillThenDecodeProducesVocabSizedLogits(t *testing.T) {
	cfg := testConfig()
	model := testModel(cfg, 1)
	ws, err := tensor.NewWorkspace(cfg)
	require.NoError(t, err)
	cache, err := kvcache.New(cfg)
	require.NoError(t, err)

	prompt := []int{1, 2, 3}
	logits, err := Prefill(prompt, model, ws, cache, cfg, nil)
	require.NoError(t, err)
	require.Len(t, logits, cfg.VocabSize)
	require.Equal(t, len(prompt), cache.CurrentLength(0))

	logits2, err := Decode(4, model, ws, cache, cfg, nil)
	require.NoError(t, err)
	require.Len(t, logits2, cfg.VocabSize)
	require.Equal(t, len(prompt)+1, cache.CurrentLength(0))
}

func TestPrefillIsDeterministic(t *testing.T) {
	cfg := testConfig()
	model := testModel(cfg, 2)

	ws1, err := tensor.NewWorkspace(cfg)
	require.NoError(t, err)
	cache1, err := kvcache.New(cfg)
	require.NoError(t, err)
	logits1, err := Prefill([]int{0, 1, 2}, model, ws1, cache1, cfg, nil)
	require.NoError(t, err)

	ws2, err := tensor.NewWorkspace(cfg)
	require.NoError(t, err)
	cache2, err := kvcache.New(cfg)
	require.NoError(t, err)
	logits2, err := Prefill([]int{0, 1, 2}, model, ws2, cache2, cfg, nil)
	require.NoError(t, err)

	require.Equal(t, logits1, logits2)
}

func TestBudgetCheckAbortsBetweenBlocks(t *testing.T) {
	cfg := testConfig()
	model := testModel(cfg, 3)
	ws, err := tensor.NewWorkspace(cfg)
	require.NoError(t, err)
	cache, err := kvcache.New(cfg)
	require.NoError(t, err)

	calls := 0
	check := func() error {
		calls++
		if calls == 1 {
			return errCancelled
		}
		return nil
	}
	_, err = Prefill([]int{0, 1}, model, ws, cache, cfg, check)
	require.ErrorIs(t, err, errCancelled)
	require.Equal(t, 1, calls)
}

var errCancelled = errTestCancelled{}

type errTestCancelled struct{}

func (errTestCancelled) Error() string { return "cancelled" }
