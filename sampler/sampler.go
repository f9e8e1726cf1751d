package sampler

import (
	"fmt"
	"math"

	"gopkg.in/yaml.v3"
)

// Mode selects one of the three sampling strategies spec.md §4.G names.
type Mode int

const (
	ModeGreedy Mode = iota
	ModeTemperature
	ModeTopK
)

// String returns Mode's YAML/config-file spelling.
func (m Mode) String() string {
	switch m {
	case ModeTemperature:
		return "temperature"
	case ModeTopK:
		return "top_k"
	default:
		return "greedy"
	}
}

func (m Mode) MarshalYAML() (any, error) { return m.String(), nil }

func (m *Mode) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch s {
	case "", "greedy":
		*m = ModeGreedy
	case "temperature":
		*m = ModeTemperature
	case "top_k":
		*m = ModeTopK
	default:
		return fmt.Errorf("sampler: unknown mode %q", s)
	}
	return nil
}

// Options configures one Sample call. Temperature is ignored for
// ModeGreedy; K is ignored outside ModeTopK.
type Options struct {
	Mode        Mode    `yaml:"mode"`
	Temperature float32 `yaml:"temperature"`
	K           int     `yaml:"k"`
}

// Sample draws one token id from logits according to opts, consuming
// rng only for Temperature and TopK modes (spec.md §4.G: "Greedy:...
// sampler RNG is not consumed").
func Sample(logits []float32, opts Options, rng *RNG) int {
	switch opts.Mode {
	case ModeGreedy:
		return argmax(logits)
	case ModeTopK:
		return sampleTopK(logits, opts.Temperature, opts.K, rng)
	default:
		return sampleTemperature(logits, opts.Temperature, rng)
	}
}

func argmax(logits []float32) int {
	best := 0
	bestVal := logits[0]
	for i, v := range logits[1:] {
		if v > bestVal {
			bestVal = v
			best = i + 1
		}
	}
	return best
}

// sampleTemperature scales logits by 1/temp, softmaxes, and draws one
// sample via inverse-CDF over the resulting distribution (spec.md
// §4.G). temp<=0 degenerates to greedy, matching the teacher's guard.
func sampleTemperature(logits []float32, temp float32, rng *RNG) int {
	if temp <= 0 {
		return argmax(logits)
	}
	probs, sum := softmaxWithTemp(logits, temp)
	r := rng.Float32() * sum
	var cdf float32
	for i, p := range probs {
		cdf += p
		if r <= cdf {
			return i
		}
	}
	return len(probs) - 1
}

// sampleTopK mirrors the teacher's Yent.sampleTopK (ariannamethod-yent/
// yent/go/yent.go): maintain a sorted top-k scratch array via insertion
// into a fixed-size slice, softmax just those k logits, then draw via
// inverse-CDF.
func sampleTopK(logits []float32, temp float32, k int, rng *RNG) int {
	if temp <= 0 {
		return argmax(logits)
	}
	vocab := len(logits)
	if k <= 0 || k > vocab {
		k = vocab
	}

	type idxVal struct {
		idx int
		val float32
	}
	top := make([]idxVal, k)
	for i := range top {
		top[i] = idxVal{-1, float32(math.Inf(-1))}
	}
	for i, v := range logits {
		if v > top[k-1].val {
			top[k-1] = idxVal{i, v}
			for j := k - 1; j > 0 && top[j].val > top[j-1].val; j-- {
				top[j], top[j-1] = top[j-1], top[j]
			}
		}
	}

	maxVal := top[0].val
	probs := make([]float32, k)
	var sum float32
	for i := 0; i < k; i++ {
		if top[i].idx < 0 {
			break
		}
		probs[i] = float32(math.Exp(float64((top[i].val - maxVal) / temp)))
		sum += probs[i]
	}

	r := rng.Float32() * sum
	var cdf float32
	for i := 0; i < k; i++ {
		cdf += probs[i]
		if r <= cdf {
			return top[i].idx
		}
	}
	return top[0].idx
}

func softmaxWithTemp(logits []float32, temp float32) ([]float32, float32) {
	maxVal := logits[0]
	for _, v := range logits[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	probs := make([]float32, len(logits))
	var sum float32
	for i, v := range logits {
		p := float32(math.Exp(float64((v - maxVal) / temp)))
		probs[i] = p
		sum += p
	}
	return probs, sum
}
