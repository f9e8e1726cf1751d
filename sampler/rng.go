// Package sampler implements the sampling + RNG component (spec.md
// §4.G): deterministic greedy / temperature / top-k sampling over a
// logits row, seeded by a 128-bit xorshift register expanded from the
// session's 64-bit seed via SplitMix64.
//
// The teacher's Yent.sampleTopK/sampleTopP (ariannamethod-yent/yent/go/yent.go)
// is the structural model for the top-k selection and inverse-CDF draw
// below; its RNG is math/rand.Rand, which spec.md §3's determinism
// invariant ("bit-identical... across runs on the same binary") cannot
// rely on, since the stdlib generator's algorithm is not part of Go's
// compatibility guarantee across versions. A from-scratch xorshift128+
// seeded by SplitMix64 is used instead, both are widely documented
// constructions, not an invented one, so the byte sequence a seed
// produces is fixed by this package's own code, not by runtime version.
package sampler

// splitmix64 expands a single 64-bit seed into a well-distributed
// stream, used once to seed the two xorshift128+ state words.
type splitmix64 struct {
	state uint64
}

func (s *splitmix64) next() uint64 {
	s.state += 0x9E3779B97F4A7C15
	z := s.state
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

// RNG is a 128-bit xorshift+ generator (spec.md §3's "Sampler state").
type RNG struct {
	s0, s1 uint64
}

// NewRNG seeds an RNG from a 64-bit session seed, expanding it through
// SplitMix64 into the two 64-bit words of the 128-bit state (spec.md §4.G).
func NewRNG(seed uint64) *RNG {
	sm := splitmix64{state: seed}
	s0 := sm.next()
	s1 := sm.next()
	if s0 == 0 && s1 == 0 {
		s1 = 1 // xorshift128+ never recovers from an all-zero state
	}
	return &RNG{s0: s0, s1: s1}
}

// Uint64 advances the generator and returns the next 64-bit word.
func (r *RNG) Uint64() uint64 {
	x := r.s0
	y := r.s1
	r.s0 = y
	x ^= x << 23
	x ^= x >> 17
	x ^= y ^ (y >> 26)
	r.s1 = x
	return x + y
}

// Float32 returns a value in [0,1) with 24 bits of randomness, matching
// the precision callers draw against (probabilities are float32).
func (r *RNG) Float32() float32 {
	return float32(r.Uint64()>>40) / float32(1<<24)
}
