package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAdminKey_RejectsSecond(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GenerateAdminKey(ctx, "hash1", "recovery1")
	require.NoError(t, err)

	_, err = s.GenerateAdminKey(ctx, "hash2", "recovery2")
	assert.Error(t, err)
}

func TestRecoverAdminKey_PreservesID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.GenerateAdminKey(ctx, "hash1", "recovery1")
	require.NoError(t, err)

	recovered, err := s.RecoverAdminKey(ctx, "hash2")
	require.NoError(t, err)
	assert.Equal(t, created.ID, recovered.ID)
	assert.Equal(t, "hash2", recovered.KeyHash)
	assert.NotNil(t, recovered.RotatedAt)
}

func TestFactoryResetAdminKey_DeactivatesPrior(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.GenerateAdminKey(ctx, "hash1", "recovery1")
	require.NoError(t, err)

	reset, err := s.FactoryResetAdminKey(ctx, "hash2", "recovery2")
	require.NoError(t, err)
	assert.NotEqual(t, created.ID, reset.ID)

	active, err := s.GetActiveAdminKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, reset.ID, active.ID)
}
