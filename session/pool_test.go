package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPoolAdmitsUntilBudgetExhausted(t *testing.T) {
	cfg := testConfig()
	model := testModel(cfg, 11)

	s1, err := New(model, cfg, nil)
	require.NoError(t, err)
	size := s1.cache.ByteSize()

	pool := NewPool(size) // room for exactly one session's cache
	require.NoError(t, pool.Admit(s1))

	s2, err := New(model, cfg, nil)
	require.NoError(t, err)
	err = pool.Admit(s2)
	require.Error(t, err)

	s1.Close()
	require.NoError(t, pool.Admit(s2))
}

func TestPoolReleaseAllowsReadmission(t *testing.T) {
	cfg := testConfig()
	model := testModel(cfg, 12)

	s, err := New(model, cfg, nil)
	require.NoError(t, err)
	pool := NewPool(s.cache.ByteSize())
	require.NoError(t, pool.Admit(s))
	s.Close()

	s2, err := New(model, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, pool.Admit(s2))
}
