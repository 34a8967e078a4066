package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateToolProfile_Inheritance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base, err := s.CreateToolProfile(ctx, ToolProfile{Name: "base", AllowedTools: []string{"*"}})
	require.NoError(t, err)

	child, err := s.CreateToolProfile(ctx, ToolProfile{Name: "child", InheritedFrom: base.ProfileID})
	require.NoError(t, err)

	chain, err := s.ResolveProfileChain(ctx, child.ProfileID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "child", chain[0].Name)
	assert.Equal(t, "base", chain[1].Name)
}

func TestCreateToolProfile_RejectsCycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.CreateToolProfile(ctx, ToolProfile{ProfileID: "a", Name: "a"})
	require.NoError(t, err)
	b, err := s.CreateToolProfile(ctx, ToolProfile{ProfileID: "b", Name: "b", InheritedFrom: a.ProfileID})
	require.NoError(t, err)

	// a -> b would close the loop a -> b -> a
	a.InheritedFrom = b.ProfileID
	err = s.UpdateToolProfile(ctx, a)
	assert.Error(t, err)
}

func TestCreateToolProfile_RejectsExcessiveDepth(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	prev := ""
	for i := 0; i < 6; i++ {
		p, err := s.CreateToolProfile(ctx, ToolProfile{Name: string(rune('a' + i)), InheritedFrom: prev})
		if i < 5 {
			require.NoErrorf(t, err, "profile %d should succeed", i)
			prev = p.ProfileID
		} else {
			assert.Error(t, err, "profile %d should exceed max depth", i)
		}
	}
}
