// Package killswitch is the C12 Kill-Switch Registry: process-wide runtime
// toggles that disable invocations against a target (mcp, user, or tool)
// without a config reload.
//
// Grounded on the teacher's internal/aggregator/denylist.go, which gates
// tool dispatch against a map lookup; generalized here from a static,
// compile-time destructive-tool list to a mutable, admin-controlled
// registry swapped atomically so the hot-path read in C8/C10 never takes a
// lock (spec.md §9: "a copy-on-write map read lock-free on the hot path").
package killswitch

import "sync/atomic"

// TargetKind identifies what a kill-switch entry blocks.
type TargetKind string

const (
	TargetMcp  TargetKind = "mcp"
	TargetUser TargetKind = "user"
	TargetTool TargetKind = "tool"
)

// target uniquely identifies one blockable thing.
type target struct {
	kind TargetKind
	id   string
}

// Registry holds the current set of blocked targets behind an atomic
// pointer, so Blocked() never blocks a concurrent Set().
type Registry struct {
	blocked atomic.Pointer[map[target]bool]
}

// New constructs an empty Registry.
func New() *Registry {
	r := &Registry{}
	empty := map[target]bool{}
	r.blocked.Store(&empty)
	return r
}

// Set enables or disables the kill switch for one target, copying the
// current map and atomically swapping in the updated copy.
func (r *Registry) Set(kind TargetKind, id string, blocked bool) {
	t := target{kind: kind, id: id}
	for {
		old := r.blocked.Load()
		next := make(map[target]bool, len(*old)+1)
		for k, v := range *old {
			next[k] = v
		}
		if blocked {
			next[t] = true
		} else {
			delete(next, t)
		}
		if r.blocked.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Blocked reports whether the target is currently disabled. Lock-free read.
func (r *Registry) Blocked(kind TargetKind, id string) bool {
	m := r.blocked.Load()
	return (*m)[target{kind: kind, id: id}]
}

// McpBlocked reports whether mcpID's kill switch is engaged.
func (r *Registry) McpBlocked(mcpID string) bool { return r.Blocked(TargetMcp, mcpID) }

// UserBlocked reports whether userID's kill switch is engaged.
func (r *Registry) UserBlocked(userID string) bool { return r.Blocked(TargetUser, userID) }

// ToolBlocked reports whether toolName's kill switch is engaged.
func (r *Registry) ToolBlocked(toolName string) bool { return r.Blocked(TargetTool, toolName) }

// List returns every currently-blocked (kind, id) pair, for the admin
// status endpoint.
func (r *Registry) List() []struct {
	Kind TargetKind
	ID   string
} {
	m := r.blocked.Load()
	out := make([]struct {
		Kind TargetKind
		ID   string
	}, 0, len(*m))
	for t := range *m {
		out = append(out, struct {
			Kind TargetKind
			ID   string
		}{Kind: t.kind, ID: t.id})
	}
	return out
}
