package reload

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ambassador/internal/apierr"
	"ambassador/internal/sharedpool"
	"ambassador/internal/store"
	"ambassador/internal/userpool"
)

func newTestReloader(t *testing.T) (*Reloader, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	shared := sharedpool.New()
	perUser := userpool.New(userpool.Config{})
	t.Cleanup(func() { perUser.Shutdown(context.Background()) })

	return New(st, shared, perUser), st
}

func publish(t *testing.T, st *store.Store, name string, isolation store.IsolationMode) store.McpCatalogEntry {
	t.Helper()
	ctx := context.Background()
	e, err := st.CreateMcpCatalogEntry(ctx, store.McpCatalogEntry{
		Name:          name,
		TransportType: store.TransportHTTP,
		Config:        []byte(`{"url":"http://example.invalid/mcp"}`),
		IsolationMode: isolation,
	})
	require.NoError(t, err)
	require.NoError(t, st.SetValidationStatus(ctx, e.McpID, store.ValidationValid))
	require.NoError(t, st.Publish(ctx, e.McpID))
	e, err = st.GetMcpCatalogEntry(ctx, e.McpID)
	require.NoError(t, err)
	return e
}

func TestPreviewChanges_PublishedNotRunningIsToCreate(t *testing.T) {
	r, st := newTestReloader(t)
	e := publish(t, st, "fresh", store.IsolationPerUser)

	diff, err := r.PreviewChanges(context.Background())
	require.NoError(t, err)
	require.Len(t, diff.ToCreate, 1)
	assert.Equal(t, e.McpID, diff.ToCreate[0].McpID)
	assert.Empty(t, diff.ToUpdate)
	assert.Empty(t, diff.ToArchiveOrDelete)
}

func TestPreviewChanges_NothingPublishedIsEmptyDiff(t *testing.T) {
	r, _ := newTestReloader(t)

	diff, err := r.PreviewChanges(context.Background())
	require.NoError(t, err)
	assert.Empty(t, diff.ToCreate)
	assert.Empty(t, diff.ToUpdate)
	assert.Empty(t, diff.ToArchiveOrDelete)
}

func TestApply_CreateFailureDoesNotAbortTheBatch(t *testing.T) {
	r, st := newTestReloader(t)
	publish(t, st, "unreachable-one", store.IsolationShared)
	publish(t, st, "unreachable-two", store.IsolationShared)

	// Both downstream URLs are unreachable, so both connection attempts
	// fail, but Apply must still report a per-entry result for each rather
	// than aborting the batch (spec.md §4.6 step 3).
	results, err := r.Apply(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, res := range results {
		assert.Equal(t, ChangeCreate, res.Kind)
	}
}

func TestApply_PerUserCreationDoesNotEagerlySpawn(t *testing.T) {
	r, st := newTestReloader(t)
	publish(t, st, "on-demand", store.IsolationPerUser)

	results, err := r.Apply(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Error)
	assert.Equal(t, 0, r.perUser.Count(), "per_user MCPs spawn on first use, not on reload")
}

func TestApply_ConcurrentCallersFailFast(t *testing.T) {
	r, _ := newTestReloader(t)

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.Apply(context.Background())
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeReloadInProgress, apiErr.Code)
}

func TestApply_IsSerializedAcrossGoroutines(t *testing.T) {
	r, st := newTestReloader(t)
	for i := 0; i < 5; i++ {
		publish(t, st, "mcp-"+string(rune('a'+i)), store.IsolationPerUser)
	}

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := r.Apply(context.Background())
			errs[n] = err
		}(i)
	}
	wg.Wait()

	var succeeded, busy int
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		apiErr, ok := apierr.As(err)
		require.True(t, ok)
		assert.Equal(t, apierr.CodeReloadInProgress, apiErr.Code)
		busy++
	}
	assert.Equal(t, 10, succeeded+busy)
}
