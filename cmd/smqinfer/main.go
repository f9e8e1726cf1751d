// Command smqinfer is a thin CLI shell around the inference session
// (spec.md §1 names "CLI and server shells" as explicitly out of the
// core's scope; this wraps the core rather than being part of it).
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ariannamethod/smqinfer/loader"
	"github.com/ariannamethod/smqinfer/sampler"
	"github.com/ariannamethod/smqinfer/session"
	"github.com/ariannamethod/smqinfer/smqerr"
	"github.com/ariannamethod/smqinfer/tensor"
	"github.com/ariannamethod/smqinfer/token"
)

// Exit statuses per spec.md §6.
const (
	exitOK             = 0
	exitInvalidArgs    = 2
	exitModelLoadError = 3
	exitContextFull    = 4
	exitDeadline       = 5
	exitCancelled      = 6
	exitRuntimeError   = 7
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var weightsPath string
	var prompt string
	var maxNewTokens int
	var temperature float64
	var topK int
	var seed int64
	var maxWallMs int
	var cfg tensor.Config
	var eps float64
	var configPath string
	var stopSequences []string

	root := &cobra.Command{
		Use:   "smqinfer",
		Short: "CPU-only quantized transformer inference",
	}

	generate := &cobra.Command{
		Use:   "generate",
		Short: "Run a single blocking generation and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.LayerNormEps = float32(eps)
			return runGenerate(generateArgs{
				weightsPath:   weightsPath,
				prompt:        prompt,
				maxNewTokens:  maxNewTokens,
				temperature:   temperature,
				topK:          topK,
				seed:          seed,
				maxWallMs:     maxWallMs,
				cfg:           cfg,
				configPath:    configPath,
				stopSequences: stopSequences,
			})
		},
	}

	generate.Flags().StringVar(&weightsPath, "weights", "", "path to an SMQ weight file")
	generate.Flags().StringVar(&prompt, "prompt", "", "input prompt text")
	generate.Flags().IntVar(&maxNewTokens, "max-new-tokens", 64, "maximum tokens to generate")
	generate.Flags().Float64Var(&temperature, "temperature", 0, "sampling temperature (0 = greedy)")
	generate.Flags().IntVar(&topK, "top-k", 0, "top-k candidate count (0 disables top-k)")
	generate.Flags().Int64Var(&seed, "seed", 0, "sampler seed")
	generate.Flags().IntVar(&maxWallMs, "max-wall-ms", 0, "wall clock budget in milliseconds (0 = unbounded)")
	generate.Flags().IntVar(&cfg.VocabSize, "vocab-size", token.VocabSize, "model vocabulary size")
	generate.Flags().IntVar(&cfg.EmbedDim, "embed-dim", 256, "model embedding dimension")
	generate.Flags().IntVar(&cfg.NumLayers, "num-layers", 4, "transformer layer count")
	generate.Flags().IntVar(&cfg.NumHeads, "num-heads", 4, "attention head count")
	generate.Flags().IntVar(&cfg.MaxContext, "max-context", 2048, "context window, T_max")
	generate.Flags().IntVar(&cfg.FeedForward, "feed-forward", 0, "feed-forward hidden dim (0 = 4x embed-dim)")
	generate.Flags().Float64Var(&eps, "layer-norm-eps", 1e-5, "layer norm epsilon")
	generate.Flags().StringVar(&configPath, "config", "", "YAML file of session.Options overriding the flags above")
	generate.Flags().StringArrayVar(&stopSequences, "stop-sequence", nil, "stop generation once decoded output ends with this string (repeatable)")

	root.AddCommand(generate)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitInvalidArgs)
	}
}

// generateArgs bundles the generate subcommand's parsed flags so
// RunE's closure doesn't have to thread ten positional parameters.
type generateArgs struct {
	weightsPath   string
	prompt        string
	maxNewTokens  int
	temperature   float64
	topK          int
	seed          int64
	maxWallMs     int
	cfg           tensor.Config
	configPath    string
	stopSequences []string
}

func runGenerate(a generateArgs) error {
	weightsPath, prompt, cfg := a.weightsPath, a.prompt, a.cfg
	if weightsPath == "" {
		fmt.Fprintln(os.Stderr, "error: -weights is required")
		os.Exit(exitInvalidArgs)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid model configuration: %v\n", err)
		os.Exit(exitInvalidArgs)
	}

	logrus.WithField("weights", weightsPath).Info("loading model")
	store, _, err := loader.LoadFile(weightsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "model load failed: %v\n", err)
		os.Exit(exitModelLoadError)
	}
	model, err := loader.BuildModel(store, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "model assembly failed: %v\n", err)
		os.Exit(exitModelLoadError)
	}

	sess, err := session.New(model, cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "session construction failed: %v\n", err)
		os.Exit(exitModelLoadError)
	}

	var codec token.ByteCodec
	promptTokens := codec.Encode(prompt)

	var opts session.Options
	if a.configPath != "" {
		f, err := os.Open(a.configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: cannot open -config file: %v\n", err)
			os.Exit(exitInvalidArgs)
		}
		opts, err = session.LoadOptionsYAML(f, cfg.MaxContext)
		f.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: invalid -config YAML: %v\n", err)
			os.Exit(exitInvalidArgs)
		}
	} else {
		opts = session.DefaultOptions(cfg.MaxContext)
		opts.MaxNewTokens = a.maxNewTokens
		opts.Seed = uint64(a.seed)
		opts.MaxWallMs = a.maxWallMs
		switch {
		case a.topK > 0:
			opts.Sampling = sampler.Options{Mode: sampler.ModeTopK, Temperature: float32(a.temperature), K: a.topK}
		case a.temperature > 0:
			opts.Sampling = sampler.Options{Mode: sampler.ModeTemperature, Temperature: float32(a.temperature)}
		default:
			opts.Sampling = sampler.Options{Mode: sampler.ModeGreedy}
		}
	}
	if len(a.stopSequences) > 0 {
		opts.StopSequences = a.stopSequences
	}
	if len(opts.StopSequences) > 0 {
		opts.Codec = codec
	}

	result, err := sess.Generate(promptTokens, opts)
	if err != nil {
		var se *smqerr.Error
		if errors.As(err, &se) {
			fmt.Fprintf(os.Stderr, "generation failed: %v\n", se)
		} else {
			fmt.Fprintf(os.Stderr, "generation failed: %v\n", err)
		}
		os.Exit(exitRuntimeError)
	}

	fmt.Println(codec.Decode(result.Tokens))
	logrus.WithFields(logrus.Fields{
		"finish_reason": result.FinishReason,
		"tokens":        result.Usage.GeneratedTokens,
		"wall_ms":       result.Usage.WallMs,
	}).Info("generation complete")

	switch result.FinishReason {
	case session.FinishContextFull, session.FinishKvBudgetExceeded:
		os.Exit(exitContextFull)
	case session.FinishDeadline:
		os.Exit(exitDeadline)
	case session.FinishCancelled:
		os.Exit(exitCancelled)
	}
	os.Exit(exitOK)
	return nil
}
