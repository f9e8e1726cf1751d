package tensor

import "fmt"

// Store is the read-only quantized weight store (spec.md §4.A): it owns
// packed weight blobs plus per-block scales/mins and hands back stable
// borrows addressed by logical name. It performs no dequantization;
// callers dequantize through QuantizedTensor.DequantRow.
//
// The loader fills a Store from in-memory buffers it reads from the
// file; every returned QuantizedTensor is the Store's own entry, not a
// copy, and stays valid for the Store's lifetime.
type Store struct {
	tensors map[string]*QuantizedTensor
}

// NewStore builds a Store from a name->tensor map. The loader is the
// only package expected to call this directly; everything else looks
// tensors up by name.
func NewStore(tensors map[string]*QuantizedTensor) (*Store, error) {
	for name, t := range tensors {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("tensor: store entry %q invalid: %w", name, err)
		}
	}
	return &Store{tensors: tensors}, nil
}

// Get returns the named tensor's read-only view, or false if absent.
func (s *Store) Get(name string) (*QuantizedTensor, bool) {
	t, ok := s.tensors[name]
	return t, ok
}

// MustGet returns the named tensor or panics when it is absent.
// loader.BuildModel does not use it: it calls Get and returns a
// ConfigError for a missing weight.
func (s *Store) MustGet(name string) *QuantizedTensor {
	t, ok := s.tensors[name]
	if !ok {
		panic(fmt.Sprintf("tensor: store has no tensor named %q", name))
	}
	return t
}

// Names returns every tensor name in the store, for diagnostics.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.tensors))
	for n := range s.tensors {
		names = append(names, n)
	}
	return names
}

// Len reports how many tensors the store holds.
func (s *Store) Len() int { return len(s.tensors) }
