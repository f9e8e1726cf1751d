package sampler

// ApplyRepetitionPenalty mirrors the teacher's repetition-penalty step
// (ariannamethod-yent/yent/go/yent.go's Generate loop): for every
// recently emitted token, a positive logit is divided by penalty and a
// non-positive logit is multiplied by it, pushing previously-seen
// tokens down either way. penalty<=1 is a no-op, matching the
// teacher's "RepPenalty > 1.0" guard.
func ApplyRepetitionPenalty(logits []float32, recentTokens []int, penalty float32) {
	if penalty <= 1.0 || len(recentTokens) == 0 {
		return
	}
	for _, tok := range recentTokens {
		if tok < 0 || tok >= len(logits) {
			continue
		}
		if logits[tok] > 0 {
			logits[tok] /= penalty
		} else {
			logits[tok] *= penalty
		}
	}
}
