// Package router is the C8 Tool Router: resolves a client's active
// subscriptions into a tool whitelist, dispatches an invocation to the
// shared or per-user pool that owns the tool, and reports visible catalogs
// filtered by the same whitelist (spec.md §4.5).
//
// Grounded on the teacher's internal/aggregator/router.go, which resolves a
// tool name against a map of backend servers before forwarding the call;
// generalized here to resolve against a per-client subscription whitelist
// instead of a global server list, and to consult the C12 kill-switch
// before a tool is considered reachable at all.
package router

import (
	"context"
	"fmt"
	"sort"
	"time"

	"ambassador/internal/apierr"
	"ambassador/internal/killswitch"
	"ambassador/internal/mcpconn"
	"ambassador/internal/sharedpool"
	"ambassador/internal/store"
	"ambassador/internal/userpool"
	"ambassador/pkg/logging"
)

// Router wires together the data store, the two connection pools, and the
// kill-switch registry to serve spec.md §4.5's dispatch and catalog
// operations.
type Router struct {
	store     *store.Store
	shared    *sharedpool.Manager
	perUser   *userpool.Manager
	killSwitch *killswitch.Registry
}

// New constructs a Router.
func New(st *store.Store, shared *sharedpool.Manager, perUser *userpool.Manager, ks *killswitch.Registry) *Router {
	return &Router{store: st, shared: shared, perUser: perUser, killSwitch: ks}
}

// whitelistEntry is one (tool_name -> source mcp) binding visible to a
// specific client through one of its active subscriptions.
type whitelistEntry struct {
	mcpID     string
	mcpName   string
	isolation store.IsolationMode
}

// Invocation is the result of dispatching one tool call, carrying the
// metadata spec.md §4.5 step 5 requires on every response.
type Invocation struct {
	Result     mcpconn.InvokeResult
	DurationMS int64
	McpServer  string
}

// CatalogEntry is one row of a client's isolation-aware visible catalog,
// deterministically ordered by (mcp_name, tool_name).
type CatalogEntry struct {
	McpName     string
	McpID       string
	Isolation   store.IsolationMode
	Tool        string
	Description string
}

// buildWhitelist resolves userID/clientID's active subscriptions into the
// set of tools currently reachable, applying step 2 of spec.md §4.5: an
// MCP blocked by the kill-switch contributes no tools at all.
func (r *Router) buildWhitelist(ctx context.Context, clientID string) (map[string]whitelistEntry, []store.McpCatalogEntry, error) {
	subs, err := r.store.ListSubscriptionsByClient(ctx, clientID)
	if err != nil {
		return nil, nil, apierr.Internal(err)
	}

	sort.Slice(subs, func(i, j int) bool {
		if !subs[i].SubscribedAt.Equal(subs[j].SubscribedAt) {
			return subs[i].SubscribedAt.Before(subs[j].SubscribedAt)
		}
		return subs[i].SubscriptionID < subs[j].SubscriptionID
	})

	whitelist := make(map[string]whitelistEntry)
	var mcps []store.McpCatalogEntry
	for _, sub := range subs {
		entry, err := r.store.GetMcpCatalogEntry(ctx, sub.McpID)
		if err != nil {
			continue // dangling subscription: MCP deleted out from under it
		}
		if entry.Status != store.CatalogPublished {
			continue
		}
		if r.killSwitch.McpBlocked(entry.McpID) {
			continue
		}
		mcps = append(mcps, entry)

		names := sub.SelectedTools
		if len(names) == 0 {
			for _, t := range decodeCachedTools(entry.ToolCatalog) {
				names = append(names, t.Name)
			}
		}
		for _, name := range names {
			if r.killSwitch.ToolBlocked(name) {
				continue
			}
			if _, exists := whitelist[name]; exists {
				continue // first subscription (earliest subscribed_at) wins
			}
			whitelist[name] = whitelistEntry{mcpID: entry.McpID, mcpName: entry.Name, isolation: entry.IsolationMode}
		}
	}
	return whitelist, mcps, nil
}

// Invoke dispatches one tool call on behalf of (userID, clientID), following
// spec.md §4.5's five-step algorithm.
func (r *Router) Invoke(ctx context.Context, userID, clientID, toolName string, args map[string]interface{}) (Invocation, error) {
	if r.killSwitch.UserBlocked(userID) {
		return Invocation{}, apierr.New(apierr.CodeForbidden, "user access is currently disabled")
	}

	whitelist, _, err := r.buildWhitelist(ctx, clientID)
	if err != nil {
		return Invocation{}, err
	}

	entry, ok := whitelist[toolName]
	if !ok {
		return Invocation{}, apierr.New(apierr.CodeToolNotFound, "tool not found")
	}

	mcp, err := r.store.GetMcpCatalogEntry(ctx, entry.mcpID)
	if err != nil {
		return Invocation{}, apierr.Internal(err)
	}

	start := time.Now()
	var result mcpconn.InvokeResult
	switch entry.isolation {
	case store.IsolationShared:
		result, err = r.shared.InvokeTool(ctx, toolName, args)
		if err != nil {
			err = apierr.Wrap(apierr.CodeUpstreamDisconnected, fmt.Sprintf("invoking %q on shared mcp %q", toolName, entry.mcpName), err)
		}
	default:
		cfg, cfgErr := buildConnConfig(mcp)
		if cfgErr != nil {
			return Invocation{}, apierr.Internal(cfgErr)
		}
		result, err = r.perUser.InvokeTool(ctx, userID, entry.mcpID, entry.mcpName, cfg, toolName, args)
	}
	duration := time.Since(start)
	if err != nil {
		logging.Warn("router", "invoke %q on %s failed after %s: %v", toolName, entry.mcpName, duration, err)
		return Invocation{}, err
	}

	return Invocation{Result: result, DurationMS: duration.Milliseconds(), McpServer: entry.mcpName}, nil
}

// Catalog returns userID/clientID's isolation-aware visible tool catalog,
// deterministically ordered by (mcp_name, tool_name) — spec.md §4.5's
// getIsolationAwareToolCatalog.
func (r *Router) Catalog(ctx context.Context, clientID string) ([]CatalogEntry, error) {
	_, mcps, err := r.buildWhitelist(ctx, clientID)
	if err != nil {
		return nil, err
	}

	subs, err := r.store.ListSubscriptionsByClient(ctx, clientID)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	selectedByMcp := make(map[string][]string, len(subs))
	for _, sub := range subs {
		selectedByMcp[sub.McpID] = sub.SelectedTools
	}

	var out []CatalogEntry
	for _, mcp := range mcps {
		selected := selectedByMcp[mcp.McpID]
		for _, t := range decodeCachedTools(mcp.ToolCatalog) {
			if len(selected) > 0 && !containsString(selected, t.Name) {
				continue
			}
			if r.killSwitch.ToolBlocked(t.Name) {
				continue
			}
			out = append(out, CatalogEntry{
				McpName:     mcp.Name,
				McpID:       mcp.McpID,
				Isolation:   mcp.IsolationMode,
				Tool:        t.Name,
				Description: t.Description,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].McpName != out[j].McpName {
			return out[i].McpName < out[j].McpName
		}
		return out[i].Tool < out[j].Tool
	})
	return out, nil
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
