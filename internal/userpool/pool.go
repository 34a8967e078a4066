// Package userpool is the C7 Per-User MCP Pool: on-demand C5 connections
// spawned per (user_id, mcp), isolated from every other user.
//
// Grounded on the teacher's internal/aggregator/session_registry.go for the
// per-key state map, idle-cleanup goroutine, and "delete closes all
// connections" shape, generalized from per-session OAuth connections to
// per-(user,mcp) pool instances; the health-check restart threshold is
// grounded on internal/services/mcpserver/service.go's failure-count /
// backoff fields.
package userpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"ambassador/internal/apierr"
	"ambassador/internal/mcpconn"
	"ambassador/internal/metrics"
	"ambassador/pkg/logging"
)

// key identifies one pooled instance.
type key struct {
	userID string
	mcpID  string
}

// instance wraps a C5 connection with the bookkeeping the pool needs to
// decide idle teardown and restart-on-failure.
type instance struct {
	mu           sync.Mutex
	conn         *mcpconn.Connection
	mcpName      string
	cfg          mcpconn.Config
	lastUsed     time.Time
	restartCount int
}

// Config tunes pool-wide resource caps and lifecycle timing.
type Config struct {
	MaxPerUser      int
	MaxTotal        int
	IdleTimeout     time.Duration
	RestartThreshold int
	HealthInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPerUser <= 0 {
		c.MaxPerUser = 10
	}
	if c.MaxTotal <= 0 {
		c.MaxTotal = 500
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.RestartThreshold <= 0 {
		c.RestartThreshold = 5
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = time.Minute
	}
	return c
}

// Manager owns every per-user C5 instance, enforcing max_per_user/max_total
// caps and tearing down idle or repeatedly-failing instances.
type Manager struct {
	cfg Config

	mu        sync.RWMutex
	instances map[key]*instance
	perUser   map[string]int // userID -> count, for the max_per_user cap

	spawn singleflight.Group

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// New constructs a Manager and starts its background idle-cleanup and
// health-check loops. Callers must call Shutdown to stop them.
func New(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:         cfg,
		instances:   make(map[key]*instance),
		perUser:     make(map[string]int),
		stopCleanup: make(chan struct{}),
	}
	go m.idleLoop()
	go m.healthLoop()
	return m
}

// Get returns the existing instance for (userID, mcp) or spawns one,
// enforcing resource caps. Returns apierr.CodeCapacityExceeded if either cap
// is exceeded. Concurrent Gets for the same key collapse onto a single
// spawn via singleflight.
func (m *Manager) Get(ctx context.Context, userID, mcpID, mcpName string, cfg mcpconn.Config) (*mcpconn.Connection, error) {
	k := key{userID: userID, mcpID: mcpID}

	m.mu.RLock()
	if inst, ok := m.instances[k]; ok {
		m.mu.RUnlock()
		inst.touch()
		return inst.connection(), nil
	}
	m.mu.RUnlock()

	sfKey := userID + "\x00" + mcpID
	v, err, _ := m.spawn.Do(sfKey, func() (interface{}, error) {
		// Re-check under the singleflight gate: another caller may have
		// finished spawning this key while we were waiting to enter Do.
		m.mu.RLock()
		if inst, ok := m.instances[k]; ok {
			m.mu.RUnlock()
			inst.touch()
			return inst.connection(), nil
		}
		m.mu.RUnlock()

		m.mu.Lock()
		if m.perUser[userID] >= m.cfg.MaxPerUser {
			m.mu.Unlock()
			return nil, apierr.New(apierr.CodeCapacityExceeded, fmt.Sprintf("user %s has reached the per-user MCP instance limit (%d)", userID, m.cfg.MaxPerUser))
		}
		if len(m.instances) >= m.cfg.MaxTotal {
			m.mu.Unlock()
			return nil, apierr.New(apierr.CodeCapacityExceeded, fmt.Sprintf("pool has reached the total instance limit (%d)", m.cfg.MaxTotal))
		}
		m.perUser[userID]++
		m.mu.Unlock()

		conn, spawnErr := mcpconn.New(cfg)
		if spawnErr != nil {
			m.releaseReservation(userID)
			return nil, spawnErr
		}
		if spawnErr := conn.Start(ctx); spawnErr != nil {
			m.releaseReservation(userID)
			return nil, apierr.Wrap(apierr.CodeUpstreamDisconnected, "failed to start per-user MCP connection", spawnErr)
		}

		inst := &instance{conn: conn, mcpName: mcpName, cfg: cfg, lastUsed: time.Now()}
		m.mu.Lock()
		m.instances[k] = inst
		m.mu.Unlock()
		metrics.UserpoolInstances.WithLabelValues(mcpName).Inc()

		logging.Debug("userpool", "spawned instance for user=%s mcp=%s", userID, mcpName)
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*mcpconn.Connection), nil
}

func (m *Manager) releaseReservation(userID string) {
	m.mu.Lock()
	m.perUser[userID]--
	if m.perUser[userID] <= 0 {
		delete(m.perUser, userID)
	}
	m.mu.Unlock()
}

func (inst *instance) touch() {
	inst.mu.Lock()
	inst.lastUsed = time.Now()
	inst.mu.Unlock()
}

// connection returns the instance's current C5 connection, synchronized
// against restart() swapping it out underneath concurrent readers.
func (inst *instance) connection() *mcpconn.Connection {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.conn
}

// terminate stops one instance's connection and removes it from the pool.
// Caller must not hold m.mu.
func (m *Manager) terminate(ctx context.Context, k key) {
	m.mu.Lock()
	inst, ok := m.instances[k]
	if !ok || inst == nil {
		m.mu.Unlock()
		return
	}
	delete(m.instances, k)
	m.perUser[k.userID]--
	if m.perUser[k.userID] <= 0 {
		delete(m.perUser, k.userID)
	}
	m.mu.Unlock()
	metrics.UserpoolInstances.WithLabelValues(inst.mcpName).Dec()

	if err := inst.connection().Stop(ctx); err != nil {
		logging.Warn("userpool", "error stopping instance user=%s mcp=%s: %v", k.userID, inst.mcpName, err)
	}
}

// TerminateForUser stops every instance belonging to userID. No code path in
// this repository calls it: credential changes, user suspension and session
// termination leave that user's instances running until idle teardown or
// Shutdown.
func (m *Manager) TerminateForUser(ctx context.Context, userID string) {
	m.mu.RLock()
	var keys []key
	for k := range m.instances {
		if k.userID == userID {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()

	for _, k := range keys {
		m.terminate(ctx, k)
	}
}

// TerminateForMcp stops every instance of one MCP across all users, called
// by C9 when that MCP is removed from the published catalog.
func (m *Manager) TerminateForMcp(ctx context.Context, mcpID string) {
	m.mu.RLock()
	var keys []key
	for k := range m.instances {
		if k.mcpID == mcpID {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()

	for _, k := range keys {
		m.terminate(ctx, k)
	}
}

// InvokeTool dispatches to the caller's own instance, spawning on demand.
func (m *Manager) InvokeTool(ctx context.Context, userID, mcpID, mcpName string, cfg mcpconn.Config, toolName string, args map[string]interface{}) (mcpconn.InvokeResult, error) {
	conn, err := m.Get(ctx, userID, mcpID, mcpName, cfg)
	if err != nil {
		return mcpconn.InvokeResult{}, err
	}
	return conn.InvokeTool(ctx, toolName, args)
}

// Tools returns the tool list visible to userID for one mcp, spawning the
// instance on demand if it doesn't already exist.
func (m *Manager) Tools(ctx context.Context, userID, mcpID, mcpName string, cfg mcpconn.Config) ([]mcpconn.Tool, error) {
	conn, err := m.Get(ctx, userID, mcpID, mcpName, cfg)
	if err != nil {
		return nil, err
	}
	return conn.Tools(), nil
}

// idleLoop periodically tears down instances that have had no activity
// within cfg.IdleTimeout.
func (m *Manager) idleLoop() {
	ticker := time.NewTicker(m.cfg.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepIdle()
		case <-m.stopCleanup:
			return
		}
	}
}

func (m *Manager) sweepIdle() {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)

	m.mu.RLock()
	var idle []key
	for k, inst := range m.instances {
		if inst == nil {
			continue
		}
		inst.mu.Lock()
		stale := inst.lastUsed.Before(cutoff)
		inst.mu.Unlock()
		if stale {
			idle = append(idle, k)
		}
	}
	m.mu.RUnlock()

	if len(idle) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, k := range idle {
		logging.Debug("userpool", "tearing down idle instance user=%s mcp=%s", k.userID, k.mcpID)
		m.terminate(ctx, k)
	}
}

// healthLoop polls every instance's health; an instance whose error_count
// crosses cfg.RestartThreshold is stopped and respawned with its original
// config.
func (m *Manager) healthLoop() {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.checkHealth()
		case <-m.stopCleanup:
			return
		}
	}
}

func (m *Manager) checkHealth() {
	m.mu.RLock()
	snapshot := make(map[key]*instance, len(m.instances))
	for k, inst := range m.instances {
		if inst != nil {
			snapshot[k] = inst
		}
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for k, inst := range snapshot {
		conn := inst.connection()
		status := conn.HealthCheck(ctx)
		if status.Healthy {
			continue
		}
		if conn.ErrorCount() < m.cfg.RestartThreshold {
			continue
		}
		logging.Warn("userpool", "restarting unhealthy instance user=%s mcp=%s after %d errors", k.userID, inst.mcpName, conn.ErrorCount())
		m.restart(ctx, k, inst)
	}
}

func (m *Manager) restart(ctx context.Context, k key, inst *instance) {
	inst.mu.Lock()
	cfg := inst.cfg
	oldConn := inst.conn
	inst.restartCount++
	inst.mu.Unlock()

	_ = oldConn.Stop(ctx)

	newConn, err := mcpconn.New(cfg)
	if err != nil {
		logging.Warn("userpool", "restart failed for user=%s mcp=%s: %v", k.userID, inst.mcpName, err)
		m.terminate(ctx, k)
		return
	}
	if err := newConn.Start(ctx); err != nil {
		logging.Warn("userpool", "restart failed to reconnect user=%s mcp=%s: %v", k.userID, inst.mcpName, err)
		m.terminate(ctx, k)
		return
	}

	inst.mu.Lock()
	inst.conn = newConn
	inst.lastUsed = time.Now()
	inst.mu.Unlock()
}

// McpIDs returns the distinct mcp_id of every MCP with at least one live
// per-user instance, for the catalog reloader's diff against the committed
// catalog.
func (m *Manager) McpIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	var ids []string
	for k, inst := range m.instances {
		if inst == nil || seen[k.mcpID] {
			continue
		}
		seen[k.mcpID] = true
		ids = append(ids, k.mcpID)
	}
	return ids
}

// Count returns the total number of live instances, for metrics.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, inst := range m.instances {
		if inst != nil {
			n++
		}
	}
	return n
}

// Shutdown stops the background loops and every instance.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stopOnce.Do(func() { close(m.stopCleanup) })

	m.mu.RLock()
	keys := make([]key, 0, len(m.instances))
	for k, inst := range m.instances {
		if inst != nil {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()

	for _, k := range keys {
		m.terminate(ctx, k)
	}
}
