// Package reload is the C9 Catalog Reloader: diffs the committed catalog in
// C1 against what's actually running in C6/C7, then applies the diff under
// mutual exclusion.
//
// Grounded on the teacher's internal/reconciler/mcpserver_reconciler.go,
// whose create/update/delete reconciliation against a live service registry
// is the same shape; collapsed from a continuously re-queued controller
// loop into an on-demand Apply() call, and from per-resource CRD status
// sync into a per-entry Result returned directly to the caller (spec.md
// §4.6 has no persistent CRD status to reconcile toward).
package reload

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"ambassador/internal/apierr"
	"ambassador/internal/mcpconn"
	"ambassador/internal/sharedpool"
	"ambassador/internal/store"
	"ambassador/internal/userpool"
	"ambassador/pkg/logging"
)

// ChangeKind classifies one diffed catalog entry.
type ChangeKind string

const (
	ChangeCreate         ChangeKind = "create"
	ChangeUpdate         ChangeKind = "update"
	ChangeArchiveOrDelete ChangeKind = "archive_or_delete"
)

// Change is one entry in a computed diff.
type Change struct {
	Kind  ChangeKind
	McpID string
	Name  string
}

// Diff is the full three-list result of comparing committed vs running
// state.
type Diff struct {
	ToCreate         []Change
	ToUpdate         []Change
	ToArchiveOrDelete []Change
}

// Result is the per-entry outcome of an Apply call.
type Result struct {
	McpID string
	Kind  ChangeKind
	Error error
}

// Reloader owns the mutual-exclusion guard around catalog apply.
type Reloader struct {
	store   *store.Store
	shared  *sharedpool.Manager
	perUser *userpool.Manager

	mu sync.Mutex
}

// New constructs a Reloader.
func New(st *store.Store, shared *sharedpool.Manager, perUser *userpool.Manager) *Reloader {
	return &Reloader{store: st, shared: shared, perUser: perUser}
}

// computeDiff builds the three-list diff against a single consistent read
// of the published catalog and the live pool membership.
func (r *Reloader) computeDiff(ctx context.Context) (Diff, error) {
	published, err := r.store.ListPublishedCatalog(ctx)
	if err != nil {
		return Diff{}, apierr.Internal(err)
	}

	running := make(map[string]bool)
	for _, id := range r.shared.IDs() {
		running[id] = true
	}
	for _, id := range r.perUser.McpIDs() {
		running[id] = true
	}

	var diff Diff
	seen := make(map[string]bool, len(published))
	for _, e := range published {
		seen[e.McpID] = true
		if !running[e.McpID] {
			diff.ToCreate = append(diff.ToCreate, Change{Kind: ChangeCreate, McpID: e.McpID, Name: e.Name})
			continue
		}
		// Already running: a metadata-only refresh (display_name,
		// validation_status) is always safe since structural fields are
		// immutable once published (store.ErrStructuralFieldChange).
		diff.ToUpdate = append(diff.ToUpdate, Change{Kind: ChangeUpdate, McpID: e.McpID, Name: e.Name})
	}
	for id := range running {
		if !seen[id] {
			diff.ToArchiveOrDelete = append(diff.ToArchiveOrDelete, Change{Kind: ChangeArchiveOrDelete, McpID: id})
		}
	}

	sortChanges(diff.ToCreate)
	sortChanges(diff.ToUpdate)
	sortChanges(diff.ToArchiveOrDelete)
	return diff, nil
}

func sortChanges(cs []Change) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].McpID < cs[j].McpID })
}

// PreviewChanges computes the diff without applying it.
func (r *Reloader) PreviewChanges(ctx context.Context) (Diff, error) {
	return r.computeDiff(ctx)
}

// Apply runs the full apply protocol of spec.md §4.6: acquire the mutex,
// diff against a consistent snapshot, start creations, stop removals,
// release. A caller that arrives while a reload is already running gets
// CodeReloadInProgress immediately rather than queuing behind it.
func (r *Reloader) Apply(ctx context.Context) ([]Result, error) {
	if !r.mu.TryLock() {
		return nil, apierr.New(apierr.CodeReloadInProgress, "a catalog reload is already in progress")
	}
	defer r.mu.Unlock()

	return r.apply(ctx)
}

func (r *Reloader) apply(ctx context.Context) ([]Result, error) {
	diff, err := r.computeDiff(ctx)
	if err != nil {
		return nil, err
	}

	var results []Result

	// Each creation dials its own downstream MCP independently, so they run
	// concurrently via errgroup rather than one-at-a-time; a plain
	// errgroup.Group (not WithContext) is used since one entry's dial
	// failure must not cancel the others still connecting (spec.md §4.6
	// step 3: Apply reports a per-entry result rather than aborting the
	// batch).
	created := make([]Result, len(diff.ToCreate))
	var g errgroup.Group
	for i, c := range diff.ToCreate {
		i, c := i, c
		g.Go(func() error {
			created[i] = r.createOne(ctx, c)
			return nil
		})
	}
	_ = g.Wait()
	results = append(results, created...)

	for _, c := range diff.ToUpdate {
		results = append(results, Result{McpID: c.McpID, Kind: c.Kind})
	}

	for _, c := range diff.ToArchiveOrDelete {
		if err := r.shared.Remove(ctx, c.McpID); err != nil {
			logging.Warn("reload", "error stopping shared mcp %s: %v", c.McpID, err)
		}
		r.perUser.TerminateForMcp(ctx, c.McpID)
		results = append(results, Result{McpID: c.McpID, Kind: c.Kind})
	}

	return results, nil
}

// createOne starts (or, for per_user MCPs, registers) a single diffed
// creation and returns its outcome. Split out of apply so it can run inside
// an errgroup goroutine per diff.ToCreate entry.
func (r *Reloader) createOne(ctx context.Context, c Change) Result {
	entry, err := r.store.GetMcpCatalogEntry(ctx, c.McpID)
	if err != nil {
		return Result{McpID: c.McpID, Kind: c.Kind, Error: err}
	}
	cfg, err := buildConnConfig(entry)
	if err != nil {
		return Result{McpID: c.McpID, Kind: c.Kind, Error: err}
	}
	switch entry.IsolationMode {
	case store.IsolationShared:
		if err := r.shared.LoadEntry(ctx, entry.McpID, entry.Name, cfg); err != nil {
			logging.Warn("reload", "failed to start shared mcp %s: %v", entry.Name, err)
			return Result{McpID: c.McpID, Kind: c.Kind, Error: err}
		}
	default:
		// per_user MCPs spawn on first use; creation just marks them
		// reachable, there's nothing to start eagerly.
	}
	return Result{McpID: c.McpID, Kind: c.Kind}
}

// wireConfig mirrors router's decode of McpCatalogEntry.Config; duplicated
// rather than imported to avoid a reload -> router dependency the rest of
// the wiring doesn't otherwise need.
type wireConfig struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

func buildConnConfig(e store.McpCatalogEntry) (mcpconn.Config, error) {
	var wc wireConfig
	if len(e.Config) > 0 {
		if err := json.Unmarshal(e.Config, &wc); err != nil {
			return mcpconn.Config{}, fmt.Errorf("decoding config for mcp %q: %w", e.Name, err)
		}
	}
	return mcpconn.Config{
		Name:      e.Name,
		Transport: mcpconn.TransportType(e.TransportType),
		Command:   wc.Command,
		Args:      wc.Args,
		Env:       wc.Env,
		URL:       wc.URL,
		Headers:   wc.Headers,
	}, nil
}
