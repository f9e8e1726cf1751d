package loader

import (
	"fmt"

	"github.com/ariannamethod/smqinfer/layer"
	"github.com/ariannamethod/smqinfer/smqerr"
	"github.com/ariannamethod/smqinfer/tensor"
)

// Weight names follow a fixed convention the SMQ metadata is expected
// to have been produced against: "token_embedding", "lm_head",
// "final_norm.{gamma,beta}", and per-block "block{i}.{qkv,out_proj,
// mlp_up,mlp_down,ln1.gamma,ln1.beta,ln2.gamma,ln2.beta}".
func blockWeightName(i int, suffix string) string {
	return fmt.Sprintf("block%d.%s", i, suffix)
}

// BuildModel assembles a layer.ModelWeights from a loaded Store,
// looking up every tensor the transformer needs by name and failing
// with ConfigError if one is missing (spec.md §7: a missing weight is
// fatal at session construction, not a runtime condition).
func BuildModel(store *tensor.Store, cfg tensor.Config) (*layer.ModelWeights, error) {
	get := func(name string) (*tensor.QuantizedTensor, error) {
		t, ok := store.Get(name)
		if !ok {
			return nil, smqerr.New(smqerr.KindConfig, fmt.Sprintf("missing weight %q", name))
		}
		return t, nil
	}
	getVector := func(name string, n int) ([]float32, error) {
		t, err := get(name)
		if err != nil {
			return nil, err
		}
		out := make([]float32, n)
		if err := t.DequantRow(0, out); err != nil {
			return nil, fmt.Errorf("loader: reading vector %q: %w", name, err)
		}
		return out, nil
	}

	embed, err := get("token_embedding")
	if err != nil {
		return nil, err
	}
	lmHead, err := get("lm_head")
	if err != nil {
		return nil, err
	}
	finalGamma, err := getVector("final_norm.gamma", cfg.EmbedDim)
	if err != nil {
		return nil, err
	}
	finalBeta, err := getVector("final_norm.beta", cfg.EmbedDim)
	if err != nil {
		return nil, err
	}

	blocks := make([]layer.BlockWeights, cfg.NumLayers)
	for i := range blocks {
		qkv, err := get(blockWeightName(i, "qkv"))
		if err != nil {
			return nil, err
		}
		outProj, err := get(blockWeightName(i, "out_proj"))
		if err != nil {
			return nil, err
		}
		mlpUp, err := get(blockWeightName(i, "mlp_up"))
		if err != nil {
			return nil, err
		}
		mlpDown, err := get(blockWeightName(i, "mlp_down"))
		if err != nil {
			return nil, err
		}
		ln1Gamma, err := getVector(blockWeightName(i, "ln1.gamma"), cfg.EmbedDim)
		if err != nil {
			return nil, err
		}
		ln1Beta, err := getVector(blockWeightName(i, "ln1.beta"), cfg.EmbedDim)
		if err != nil {
			return nil, err
		}
		ln2Gamma, err := getVector(blockWeightName(i, "ln2.gamma"), cfg.EmbedDim)
		if err != nil {
			return nil, err
		}
		ln2Beta, err := getVector(blockWeightName(i, "ln2.beta"), cfg.EmbedDim)
		if err != nil {
			return nil, err
		}
		blocks[i] = layer.BlockWeights{
			LN1Gamma: ln1Gamma, LN1Beta: ln1Beta,
			QKV:      qkv,
			OutProj:  outProj,
			LN2Gamma: ln2Gamma, LN2Beta: ln2Beta,
			MLPUp:   mlpUp,
			MLPDown: mlpDown,
		}
	}

	return &layer.ModelWeights{
		Embedding:  embed,
		Blocks:     blocks,
		FinalGamma: finalGamma,
		FinalBeta:  finalBeta,
		LMHead:     lmHead,
	}, nil
}
