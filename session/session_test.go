package session

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ariannamethod/smqinfer/layer"
	"github.com/ariannamethod/smqinfer/sampler"
	"github.com/ariannamethod/smqinfer/tensor"
	"github.com/ariannamethod/smqinfer/token"
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
			QKV:      f32Weight(3*d, d, rng),
			OutProj:  f32Weight(d, d, rng),
			LN2Gamma: ones(d), LN2Beta: zeros(d),
			MLPUp:    f32Weight(f, d, rng),
			MLPDown:  f32Weight(d, f, rng),
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
	return tensor.Config{VocabSize: 10, EmbedDim: 8, NumLayers: 2, NumHeads: 2, MaxContext: 16, FeedForward: 16, LayerNormEps: 1e-5}
}

func TestGenerateGreedyIsDeterministic(t *testing.T) {
	cfg := testConfig()
	model := testModel(cfg, 1)

	s1, err := New(model, cfg, nil)
	require.NoError(t, err)
	opts := DefaultOptions(cfg.MaxContext)
	opts.MaxNewTokens = 4
	r1, err := s1.Generate([]int{1, 2, 3}, opts)
	require.NoError(t, err)

	s2, err := New(model, cfg, nil)
	require.NoError(t, err)
	r2, err := s2.Generate([]int{1, 2, 3}, opts)
	require.NoError(t, err)

	require.Equal(t, r1.Tokens, r2.Tokens)
	require.Equal(t, FinishMaxTokens, r1.FinishReason)
}

func TestGenerateTemperatureSameSeedMatches(t *testing.T) {
	cfg := testConfig()
	model := testModel(cfg, 2)
	opts := DefaultOptions(cfg.MaxContext)
	opts.MaxNewTokens = 5
	opts.Seed = 42
	opts.Sampling = sampler.Options{Mode: sampler.ModeTemperature, Temperature: 0.9}

	s1, err := New(model, cfg, nil)
	require.NoError(t, err)
	r1, err := s1.Generate([]int{0, 1}, opts)
	require.NoError(t, err)

	s2, err := New(model, cfg, nil)
	require.NoError(t, err)
	r2, err := s2.Generate([]int{0, 1}, opts)
	require.NoError(t, err)

	require.Equal(t, r1.Tokens, r2.Tokens)
}

func TestGenerateRejectsOverlongInputWithoutTruncate(t *testing.T) {
	cfg := testConfig()
	model := testModel(cfg, 3)
	s, err := New(model, cfg, nil)
	require.NoError(t, err)

	opts := DefaultOptions(cfg.MaxContext)
	opts.MaxInputTokens = 2
	_, err = s.Generate([]int{1, 2, 3, 4}, opts)
	require.Error(t, err)
}

func TestGenerateTruncatesInputWhenAllowed(t *testing.T) {
	cfg := testConfig()
	model := testModel(cfg, 4)
	s, err := New(model, cfg, nil)
	require.NoError(t, err)

	opts := DefaultOptions(cfg.MaxContext)
	opts.MaxInputTokens = 2
	opts.TruncateInputOnOverflow = true
	opts.MaxNewTokens = 1
	_, err = s.Generate([]int{1, 2, 3, 4}, opts)
	require.NoError(t, err)
}

func TestGenerateStopsAtContextFull(t *testing.T) {
	cfg := testConfig()
	model := testModel(cfg, 5)
	s, err := New(model, cfg, nil)
	require.NoError(t, err)

	opts := DefaultOptions(cfg.MaxContext)
	opts.MaxContextTokens = 4
	opts.MaxNewTokens = 100
	r, err := s.Generate([]int{1, 2, 3}, opts)
	require.NoError(t, err)
	require.Equal(t, FinishContextFull, r.FinishReason)
}

func TestGenerateStopsOnStopToken(t *testing.T) {
	cfg := testConfig()
	model := testModel(cfg, 6)
	s, err := New(model, cfg, nil)
	require.NoError(t, err)

	opts := DefaultOptions(cfg.MaxContext)
	opts.MaxNewTokens = 1
	first, err := s.Generate([]int{1, 2}, opts)
	require.NoError(t, err)
	require.Len(t, first.Tokens, 1)

	s2, err := New(model, cfg, nil)
	require.NoError(t, err)
	opts2 := DefaultOptions(cfg.MaxContext)
	opts2.MaxNewTokens = 10
	opts2.StopTokens = map[int]struct{}{first.Tokens[0]: {}}
	r2, err := s2.Generate([]int{1, 2}, opts2)
	require.NoError(t, err)
	require.Equal(t, FinishStop, r2.FinishReason)
	require.Equal(t, first.Tokens[0], r2.Tokens[0])
}

func TestStreamEmitsEachTokenThenCloses(t *testing.T) {
	cfg := testConfig()
	model := testModel(cfg, 7)
	s, err := New(model, cfg, nil)
	require.NoError(t, err)

	opts := DefaultOptions(cfg.MaxContext)
	opts.MaxNewTokens = 3
	var got []int
	for item := range s.Stream([]int{1, 2}, opts) {
		require.NoError(t, item.Err)
		got = append(got, item.TokenID)
	}
	require.Len(t, got, 3)
}

func TestStreamCancelledMidwayProducesCancelledFinish(t *testing.T) {
	cfg := testConfig()
	model := testModel(cfg, 8)
	s, err := New(model, cfg, nil)
	require.NoError(t, err)

	opts := DefaultOptions(cfg.MaxContext)
	opts.MaxNewTokens = 50
	ch := s.Stream([]int{1, 2}, opts)

	count := 0
	for item := range ch {
		count++
		if count == 2 {
			s.Cancel()
		}
		if item.Err != nil {
			require.Equal(t, FinishCancelled, item.FinishReason)
		}
	}
	require.GreaterOrEqual(t, count, 2)
}

func TestGenerateStopsOnStopSequence(t *testing.T) {
	cfg := testConfig()
	model := testModel(cfg, 10)
	codec := token.ByteCodec{}

	probe, err := New(model, cfg, nil)
	require.NoError(t, err)
	opts := DefaultOptions(cfg.MaxContext)
	opts.MaxNewTokens = 1
	first, err := probe.Generate([]int{1, 2}, opts)
	require.NoError(t, err)
	require.Len(t, first.Tokens, 1)

	s, err := New(model, cfg, nil)
	require.NoError(t, err)
	opts2 := DefaultOptions(cfg.MaxContext)
	opts2.MaxNewTokens = 10
	opts2.Codec = codec
	opts2.StopSequences = []string{codec.Decode(first.Tokens)}
	r, err := s.Generate([]int{1, 2}, opts2)
	require.NoError(t, err)
	require.Equal(t, FinishStop, r.FinishReason)
	require.Equal(t, first.Tokens[0], r.Tokens[0])
}

func TestGenerateIgnoresStopSequencesWithoutCodec(t *testing.T) {
	cfg := testConfig()
	model := testModel(cfg, 13)
	s, err := New(model, cfg, nil)
	require.NoError(t, err)

	opts := DefaultOptions(cfg.MaxContext)
	opts.MaxNewTokens = 3
	opts.StopSequences = []string{"anything"}
	r, err := s.Generate([]int{1, 2}, opts)
	require.NoError(t, err)
	require.Equal(t, FinishMaxTokens, r.FinishReason)
}

func TestCloseWithoutPoolIsNoop(t *testing.T) {
	cfg := testConfig()
	model := testModel(cfg, 14)
	s, err := New(model, cfg, nil)
	require.NoError(t, err)
	require.NotPanics(t, func() { s.Close() })
}

func TestResetAllowsReuseAfterContextFull(t *testing.T) {
	cfg := testConfig()
	model := testModel(cfg, 9)
	s, err := New(model, cfg, nil)
	require.NoError(t, err)

	opts := DefaultOptions(cfg.MaxContext)
	opts.MaxContextTokens = 4
	opts.MaxNewTokens = 10
	r, err := s.Generate([]int{1, 2, 3}, opts)
	require.NoError(t, err)
	require.Equal(t, FinishContextFull, r.FinishReason)

	s.Reset()
	require.Equal(t, StateIdle, s.state)
	r2, err := s.Generate([]int{1, 2, 3}, opts)
	require.NoError(t, err)
	require.Equal(t, FinishContextFull, r2.FinishReason)
}
