package session

import (
	"golang.org/x/sync/semaphore"

	"github.com/ariannamethod/smqinfer/smqerr"
)

// Pool is the "optional upper layer" spec.md §5 describes: something that
// holds multiple sessions' KV caches behind one global byte budget and
// signals KvBudgetExceeded before a session is admitted. It is not part
// of the core and a Session works fine with no Pool at all.
//
// Admission happens once, at session construction, because this engine's
// KV caches are fixed-capacity arrays sized from tensor.Config up front
// (kvcache.New) rather than growable, so a session's contribution to
// the global budget never changes after Admit.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool builds a pool that admits sessions until their combined KV
// cache byte size would exceed maxBytes.
func NewPool(maxBytes int64) *Pool {
	return &Pool{sem: semaphore.NewWeighted(maxBytes)}
}

// Admit reserves s's KV cache size against the pool's budget and, on
// success, ties s.Close to this pool so Close returns the reservation. It never blocks: spec.md's
// locking discipline permits only a single critical section around this
// accounting, not a wait queue, so a full pool fails fast with
// KvBudgetExceeded instead of stalling the caller.
func (p *Pool) Admit(s *Session) error {
	n := s.cache.ByteSize()
	if !p.sem.TryAcquire(n) {
		return smqerr.New(smqerr.KindKvBudgetExceeded, "global kv byte budget exceeded").WithSession(s.ID)
	}
	s.pool = p
	s.reservedBytes = n
	return nil
}

// release returns n reserved bytes to the pool. Session.Close calls it
// only for a session that Admit accepted.
func (p *Pool) release(n int64) {
	p.sem.Release(n)
}
