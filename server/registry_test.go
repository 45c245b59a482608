package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	a := &fakeSender{}

	_, replaced := r.Register("main", a)
	assert.False(t, replaced)

	got, ok := r.Get("main")
	require.True(t, ok)
	assert.Same(t, a, got)

	_, ok = r.Get("other")
	assert.False(t, ok)
}

func TestRegistryLastRegistrationWins(t *testing.T) {
	r := NewRegistry()
	old, fresh := &fakeSender{}, &fakeSender{}

	r.Register("main", old)
	prev, replaced := r.Register("main", fresh)
	require.True(t, replaced)
	assert.Same(t, old, prev)

	// the orphaned connection closing must not evict its replacement
	assert.False(t, r.Deregister("main", old))
	got, ok := r.Get("main")
	require.True(t, ok)
	assert.Same(t, fresh, got)

	assert.True(t, r.Deregister("main", fresh))
	_, ok = r.Get("main")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryShardsSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"c", "a", "b"} {
		r.Register(name, &fakeSender{})
	}
	assert.Equal(t, []string{"a", "b", "c"}, r.Shards())
	assert.Equal(t, 3, r.Len())
}
