package userpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ambassador/internal/apierr"
	"ambassador/internal/mcpconn"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m := New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m
}

// unstartedConn builds a mcpconn.Connection that was never Start()-ed, safe
// to store directly in the pool's map and Stop() without dialing anything.
func unstartedConn(t *testing.T) *mcpconn.Connection {
	t.Helper()
	conn, err := mcpconn.New(mcpconn.Config{Name: "fake", Transport: mcpconn.TransportHTTP, URL: "http://127.0.0.1:0/mcp"})
	require.NoError(t, err)
	return conn
}

func TestGet_ReturnsExistingInstanceWithoutRespawning(t *testing.T) {
	m := newTestManager(t, Config{})
	conn := unstartedConn(t)
	k := key{userID: "u1", mcpID: "m1"}
	m.instances[k] = &instance{conn: conn, mcpName: "demo", lastUsed: time.Now().Add(-time.Hour)}
	m.perUser["u1"] = 1

	got, err := m.Get(context.Background(), "u1", "m1", "demo", mcpconn.Config{})
	require.NoError(t, err)
	assert.Same(t, conn, got)
}

func TestGet_EnforcesPerUserCap(t *testing.T) {
	m := newTestManager(t, Config{MaxPerUser: 1, MaxTotal: 10})
	m.instances[key{userID: "u1", mcpID: "m1"}] = &instance{conn: unstartedConn(t), mcpName: "one", lastUsed: time.Now()}
	m.perUser["u1"] = 1

	_, err := m.Get(context.Background(), "u1", "m2", "two", mcpconn.Config{Transport: mcpconn.TransportHTTP, URL: "http://127.0.0.1:0/mcp"})
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeCapacityExceeded, apiErr.Code)
}

func TestGet_EnforcesTotalCap(t *testing.T) {
	m := newTestManager(t, Config{MaxPerUser: 10, MaxTotal: 1})
	m.instances[key{userID: "u1", mcpID: "m1"}] = &instance{conn: unstartedConn(t), mcpName: "one", lastUsed: time.Now()}
	m.perUser["u1"] = 1

	_, err := m.Get(context.Background(), "u2", "m2", "two", mcpconn.Config{Transport: mcpconn.TransportHTTP, URL: "http://127.0.0.1:0/mcp"})
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeCapacityExceeded, apiErr.Code)
}

func TestGet_SpawnFailurePropagatesUpstreamError(t *testing.T) {
	m := newTestManager(t, Config{})
	_, err := m.Get(context.Background(), "u1", "m1", "demo", mcpconn.Config{Transport: mcpconn.TransportStdio, Command: "this-binary-does-not-exist-xyz"})
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeUpstreamDisconnected, apiErr.Code)

	// The failed spawn must not leave a dangling per-user reservation.
	m.mu.RLock()
	count := m.perUser["u1"]
	m.mu.RUnlock()
	assert.Equal(t, 0, count)
}

func TestTerminateForUser_OnlyAffectsThatUser(t *testing.T) {
	m := newTestManager(t, Config{})
	m.instances[key{userID: "u1", mcpID: "m1"}] = &instance{conn: unstartedConn(t), mcpName: "a", lastUsed: time.Now()}
	m.instances[key{userID: "u2", mcpID: "m1"}] = &instance{conn: unstartedConn(t), mcpName: "a", lastUsed: time.Now()}
	m.perUser["u1"] = 1
	m.perUser["u2"] = 1

	m.TerminateForUser(context.Background(), "u1")

	m.mu.RLock()
	_, u1Present := m.instances[key{userID: "u1", mcpID: "m1"}]
	_, u2Present := m.instances[key{userID: "u2", mcpID: "m1"}]
	m.mu.RUnlock()
	assert.False(t, u1Present)
	assert.True(t, u2Present)
}

func TestTerminateForMcp_StopsEveryUsersInstance(t *testing.T) {
	m := newTestManager(t, Config{})
	m.instances[key{userID: "u1", mcpID: "target"}] = &instance{conn: unstartedConn(t), mcpName: "a", lastUsed: time.Now()}
	m.instances[key{userID: "u2", mcpID: "target"}] = &instance{conn: unstartedConn(t), mcpName: "a", lastUsed: time.Now()}
	m.instances[key{userID: "u1", mcpID: "other"}] = &instance{conn: unstartedConn(t), mcpName: "b", lastUsed: time.Now()}
	m.perUser["u1"] = 2
	m.perUser["u2"] = 1

	m.TerminateForMcp(context.Background(), "target")

	assert.Equal(t, 1, m.Count())
	_, stillThere := m.instances[key{userID: "u1", mcpID: "other"}]
	assert.True(t, stillThere)
}

func TestSweepIdle_RemovesOnlyStaleInstances(t *testing.T) {
	m := newTestManager(t, Config{IdleTimeout: time.Hour})
	m.instances[key{userID: "u1", mcpID: "stale"}] = &instance{conn: unstartedConn(t), mcpName: "a", lastUsed: time.Now().Add(-2 * time.Hour)}
	m.instances[key{userID: "u1", mcpID: "fresh"}] = &instance{conn: unstartedConn(t), mcpName: "b", lastUsed: time.Now()}
	m.perUser["u1"] = 2

	m.sweepIdle()

	assert.Equal(t, 1, m.Count())
	_, freshPresent := m.instances[key{userID: "u1", mcpID: "fresh"}]
	assert.True(t, freshPresent)
}

func TestCheckHealth_SkipsInstancesBelowRestartThreshold(t *testing.T) {
	m := newTestManager(t, Config{RestartThreshold: 5})
	m.instances[key{userID: "u1", mcpID: "m1"}] = &instance{conn: unstartedConn(t), mcpName: "a", lastUsed: time.Now()}
	m.perUser["u1"] = 1

	assert.NotPanics(t, func() { m.checkHealth() })
	assert.Equal(t, 1, m.Count(), "unhealthy-but-below-threshold instance should not be restarted or removed")
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 10, cfg.MaxPerUser)
	assert.Equal(t, 500, cfg.MaxTotal)
	assert.Equal(t, 30*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, 5, cfg.RestartThreshold)
	assert.Equal(t, time.Minute, cfg.HealthInterval)
}

func TestShutdown_StopsEveryInstance(t *testing.T) {
	m := New(Config{})
	m.instances[key{userID: "u1", mcpID: "m1"}] = &instance{conn: unstartedConn(t), mcpName: "a", lastUsed: time.Now()}
	m.perUser["u1"] = 1

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.Shutdown(ctx)

	assert.Equal(t, 0, m.Count())
	// Shutdown must be idempotent.
	assert.NotPanics(t, func() { m.Shutdown(ctx) })
}
