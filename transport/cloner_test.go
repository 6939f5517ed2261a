package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type cloneable struct {
	Tags []string
}

func TestDefaultCloner_JSONFallbackIsolatesBackingMemory(t *testing.T) {
	var c DefaultCloner[cloneable]
	orig := cloneable{Tags: []string{"a", "b"}}

	cloned, err := c.Clone(orig)
	require.NoError(t, err)
	require.Equal(t, orig, cloned)

	cloned.Tags[0] = "mutated"
	require.Equal(t, "a", orig.Tags[0], "mutating the clone must not affect the original")
}

func TestNoopCloner_PassesThroughUnmodified(t *testing.T) {
	var c NoopCloner[int]
	v, err := c.Clone(42)
	require.NoError(t, err)
	require.Equal(t, 42, v)
}
