package session

import (
	"io"

	"gopkg.in/yaml.v3"

	"github.com/ariannamethod/smqinfer/sampler"
	"github.com/ariannamethod/smqinfer/token"
)

// Options configures one generation request (spec.md §4.H).
type Options struct {
	MaxNewTokens      int              `yaml:"max_new_tokens"`
	MaxInputTokens    int              `yaml:"max_input_tokens"`
	MaxContextTokens  int              `yaml:"max_context_tokens"`
	MaxWallMs         int              `yaml:"max_wall_ms"`
	Seed              uint64           `yaml:"seed"`
	Sampling          sampler.Options  `yaml:"sampling"`
	StopTokens        map[int]struct{} `yaml:"-"`
	StopSequences     []string         `yaml:"stop_sequences"`
	RepetitionPenalty float32          `yaml:"repetition_penalty"`
	RepetitionWindow  int              `yaml:"repetition_window"`

	// TruncateInputOnOverflow, when true, drops tokens from the head of
	// the prompt instead of failing with InputTooLong (spec.md §4.H
	// step 1).
	TruncateInputOnOverflow bool `yaml:"truncate_input_on_overflow"`

	// Codec, when set, lets StopSequences be checked against incrementally
	// decoded text instead of just StopTokens' raw ids. Nil disables
	// stop-sequence matching; YAML config files can't populate this (it
	// isn't serializable), so callers set it in code after loading.
	Codec token.Codec `yaml:"-"`
}

// DefaultOptions returns spec.md §4.H's documented defaults, scaled to
// the model's context window.
func DefaultOptions(maxContext int) Options {
	return Options{
		MaxNewTokens:     256,
		MaxInputTokens:   maxContext,
		MaxContextTokens: maxContext,
		MaxWallMs:        0, // 0 means no deadline
		Sampling:         sampler.Options{Mode: sampler.ModeGreedy},
		StopTokens:       map[int]struct{}{},
	}
}

// LoadOptionsYAML reads a YAML config file over top of DefaultOptions(maxContext),
// matching the pack's default config-file format. StopTokens and Codec are
// not YAML-representable and are left at their DefaultOptions values; set
// them in code after loading if needed.
func LoadOptionsYAML(r io.Reader, maxContext int) (Options, error) {
	opts := DefaultOptions(maxContext)
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&opts); err != nil && err != io.EOF {
		return Options{}, err
	}
	return opts, nil
}
