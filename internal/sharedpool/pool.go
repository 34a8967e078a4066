// Package sharedpool is the C6 Shared MCP Manager: one C5 connection per
// published MCP catalog entry with isolation_mode=shared, shared across all
// users.
//
// Grounded on the teacher's internal/aggregator/registry.go (aggregated
// tool catalog, recomputed on change) and internal/services/mcpserver's
// manager.go lifecycle shape, trimmed of Kubernetes custom-resource wiring
// and generalized to spec.md §4.4's shared-pool contract.
package sharedpool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"ambassador/internal/mcpconn"
	"ambassador/pkg/logging"
)

// member pairs one shared connection with the catalog name it represents.
type member struct {
	mcpName string
	conn    *mcpconn.Connection
}

// Manager owns one mcpconn.Connection per shared MCP, recomputing the
// aggregated tool catalog whenever a member connection's tool list or
// liveness changes.
type Manager struct {
	mu      sync.RWMutex
	members map[string]member // mcp_id -> member
	catalog []CatalogEntry
}

// CatalogEntry is one row of the aggregated, stably-ordered tool catalog.
type CatalogEntry struct {
	McpName string
	Tool    mcpconn.Tool
}

// New constructs an empty Manager.
func New() *Manager {
	return &Manager{members: make(map[string]member)}
}

// LoadEntry starts a connection for one shared MCP catalog entry. A failure
// is logged and returned but does not abort the rest of the pool's
// initialization (spec.md §4.4: "failures of individual MCPs do not abort
// the pool").
func (m *Manager) LoadEntry(ctx context.Context, mcpID, mcpName string, cfg mcpconn.Config) error {
	conn, err := mcpconn.New(cfg)
	if err != nil {
		logging.Warn("sharedpool", "rejecting config for %s: %v", mcpName, err)
		return err
	}

	if err := conn.Start(ctx); err != nil {
		logging.Warn("sharedpool", "failed to start %s: %v", mcpName, err)
		return err
	}

	m.mu.Lock()
	m.members[mcpID] = member{mcpName: mcpName, conn: conn}
	m.mu.Unlock()

	go m.watch(conn)
	m.recompute()
	return nil
}

// watch drains a connection's event channel, recomputing the aggregated
// catalog whenever its liveness changes. Returns once the connection is
// stopped and its event channel closed.
func (m *Manager) watch(conn *mcpconn.Connection) {
	for range conn.Events() {
		m.recompute()
	}
}

// Remove stops and removes one shared connection, e.g. when its catalog
// entry is archived.
func (m *Manager) Remove(ctx context.Context, mcpID string) error {
	m.mu.Lock()
	mem, ok := m.members[mcpID]
	delete(m.members, mcpID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	err := mem.conn.Stop(ctx)
	m.recompute()
	return err
}

// recompute rebuilds the aggregated, stably-ordered catalog: first-seen
// wins on a name collision within the shared pool (spec.md §4.4).
func (m *Manager) recompute() {
	m.mu.RLock()
	members := make([]member, 0, len(m.members))
	for _, mem := range m.members {
		members = append(members, mem)
	}
	m.mu.RUnlock()

	sort.Slice(members, func(i, j int) bool { return members[i].mcpName < members[j].mcpName })

	seen := map[string]bool{}
	var catalog []CatalogEntry
	for _, mem := range members {
		if mem.conn.State() != mcpconn.StateConnected {
			continue
		}
		for _, tool := range mem.conn.Tools() {
			if seen[tool.Name] {
				logging.Debug("sharedpool", "tool name collision %q in %s, first-seen wins", tool.Name, mem.mcpName)
				continue
			}
			seen[tool.Name] = true
			catalog = append(catalog, CatalogEntry{McpName: mem.mcpName, Tool: tool})
		}
	}

	sort.Slice(catalog, func(i, j int) bool {
		if catalog[i].McpName != catalog[j].McpName {
			return catalog[i].McpName < catalog[j].McpName
		}
		return catalog[i].Tool.Name < catalog[j].Tool.Name
	})

	m.mu.Lock()
	m.catalog = catalog
	m.mu.Unlock()
}

// ToolCatalog returns the current aggregated, stably-ordered catalog.
func (m *Manager) ToolCatalog() []CatalogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]CatalogEntry, len(m.catalog))
	copy(out, m.catalog)
	return out
}

// InvokeTool dispatches to whichever shared connection currently owns
// toolName.
func (m *Manager) InvokeTool(ctx context.Context, toolName string, args map[string]interface{}) (mcpconn.InvokeResult, error) {
	m.mu.RLock()
	var target *mcpconn.Connection
	for _, mem := range m.members {
		for _, t := range mem.conn.Tools() {
			if t.Name == toolName {
				target = mem.conn
				break
			}
		}
		if target != nil {
			break
		}
	}
	m.mu.RUnlock()

	if target == nil {
		return mcpconn.InvokeResult{}, fmt.Errorf("tool %q not found in shared pool", toolName)
	}
	return target.InvokeTool(ctx, toolName, args)
}

// HasTool reports whether toolName is currently served by the shared pool.
func (m *Manager) HasTool(toolName string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.catalog {
		if e.Tool.Name == toolName {
			return true
		}
	}
	return false
}

// Connection returns the live connection for an MCP ID, for health-check
// polling by the caller.
func (m *Manager) Connection(mcpID string) (*mcpconn.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mem, ok := m.members[mcpID]
	return mem.conn, ok
}

// IDs returns the mcp_id of every currently-running shared connection, for
// the catalog reloader's diff against the committed catalog.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.members))
	for id := range m.members {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops every shared connection.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	members := make([]member, 0, len(m.members))
	for _, mem := range m.members {
		members = append(members, mem)
	}
	m.members = make(map[string]member)
	m.mu.Unlock()

	for _, mem := range members {
		if err := mem.conn.Stop(ctx); err != nil {
			logging.Warn("sharedpool", "error stopping connection during shutdown: %v", err)
		}
	}
	m.recompute()
}
