package kv

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the common Store contract against s.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		v, ok, err := s.Get(ctx, "test_missing")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, v)
	})

	t.Run("set then get", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "test_visitor_id", "4821930475"))
		v, ok, err := s.Get(ctx, "test_visitor_id")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "4821930475", v)
	})

	t.Run("set overwrites", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "test_overwrite", "a"))
		require.NoError(t, s.Set(ctx, "test_overwrite", "b"))
		v, _, err := s.Get(ctx, "test_overwrite")
		require.NoError(t, err)
		assert.Equal(t, "b", v)
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "test_remove", "x"))
		require.NoError(t, s.Remove(ctx, "test_remove"))
		require.NoError(t, s.Remove(ctx, "test_remove"))
		_, ok, err := s.Get(ctx, "test_remove")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestMemory_Contract(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestMemory_Fail(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "k", "v"))

	boom := errors.New("storage disabled")
	m.Fail(boom)

	_, _, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, m.Set(ctx, "k", "w"), boom)
	assert.ErrorIs(t, m.Remove(ctx, "k"), boom)

	m.Fail(nil)
	v, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestScoped_IsolatesNamespaces(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()
	deviceA := Scoped(mem, "device:a")
	deviceB := Scoped(mem, "device:b")

	require.NoError(t, deviceA.Set(ctx, "visitor_id", "1111111111"))
	require.NoError(t, deviceB.Set(ctx, "visitor_id", "2222222222"))

	a, _, _ := deviceA.Get(ctx, "visitor_id")
	b, _, _ := deviceB.Get(ctx, "visitor_id")
	assert.Equal(t, "1111111111", a)
	assert.Equal(t, "2222222222", b)

	raw, ok, _ := mem.Get(ctx, "device:a:visitor_id")
	assert.True(t, ok)
	assert.Equal(t, "1111111111", raw)

	require.NoError(t, deviceA.Remove(ctx, "visitor_id"))
	_, ok, _ = deviceB.Get(ctx, "visitor_id")
	assert.True(t, ok)
	assert.Equal(t, 1, mem.Len())
}
