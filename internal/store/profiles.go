package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const profileSelect = `
	SELECT profile_id, name, description, allowed_tools, denied_tools, rate_limits, inherited_from, environment_scope, time_restrictions
	FROM tool_profiles`

// CreateToolProfile inserts a profile, rejecting an inheritance chain that
// would cycle back to itself or exceed depth 5 (spec.md §4.9 invariant).
func (s *Store) CreateToolProfile(ctx context.Context, p ToolProfile) (ToolProfile, error) {
	if p.ProfileID == "" {
		p.ProfileID = uuid.NewString()
	}
	if p.InheritedFrom != "" {
		if err := s.checkInheritanceDepth(ctx, p.ProfileID, p.InheritedFrom); err != nil {
			return ToolProfile{}, err
		}
	}

	allowed, _ := json.Marshal(p.AllowedTools)
	denied, _ := json.Marshal(p.DeniedTools)
	limits, _ := json.Marshal(p.RateLimits)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_profiles (profile_id, name, description, allowed_tools, denied_tools, rate_limits, inherited_from, environment_scope, time_restrictions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ProfileID, p.Name, p.Description, string(allowed), string(denied), string(limits),
		nullableString(p.InheritedFrom), p.EnvironmentScope, p.TimeRestrictions)
	if err != nil {
		return ToolProfile{}, fmt.Errorf("creating tool profile: %w", err)
	}
	return p, nil
}

// checkInheritanceDepth walks the inherited_from chain starting at parentID,
// failing if the resulting chain (self included) would exceed 5 profiles or
// revisit selfID (spec.md §4.9: "cycle detection" and "depth <= 5"). Kept in
// lockstep with ResolveProfileChain's own cap so a write that succeeds here
// never produces a chain that read-time resolution then refuses to walk.
func (s *Store) checkInheritanceDepth(ctx context.Context, selfID, parentID string) error {
	visited := map[string]bool{selfID: true}
	chainLen := 1 // self
	cur := parentID
	for cur != "" {
		if chainLen >= 5 {
			return fmt.Errorf("tool profile inheritance exceeds maximum depth of 5")
		}
		if visited[cur] {
			return fmt.Errorf("tool profile inheritance cycle detected at %q", cur)
		}
		visited[cur] = true
		chainLen++

		var next sql.NullString
		err := s.db.QueryRowContext(ctx, `SELECT inherited_from FROM tool_profiles WHERE profile_id = ?`, cur).Scan(&next)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("tool profile %q in inheritance chain not found: %w", cur, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("walking inheritance chain: %w", err)
		}
		cur = next.String
	}
	return nil
}

// GetToolProfile fetches a profile by ID.
func (s *Store) GetToolProfile(ctx context.Context, profileID string) (ToolProfile, error) {
	row := s.db.QueryRowContext(ctx, profileSelect+` WHERE profile_id = ?`, profileID)
	return scanToolProfile(row)
}

func scanToolProfile(row *sql.Row) (ToolProfile, error) {
	var p ToolProfile
	var allowed, denied, limits string
	var inheritedFrom sql.NullString
	err := row.Scan(&p.ProfileID, &p.Name, &p.Description, &allowed, &denied, &limits, &inheritedFrom, &p.EnvironmentScope, &p.TimeRestrictions)
	if errors.Is(err, sql.ErrNoRows) {
		return ToolProfile{}, ErrNotFound
	}
	if err != nil {
		return ToolProfile{}, fmt.Errorf("scanning tool profile: %w", err)
	}
	_ = json.Unmarshal([]byte(allowed), &p.AllowedTools)
	_ = json.Unmarshal([]byte(denied), &p.DeniedTools)
	_ = json.Unmarshal([]byte(limits), &p.RateLimits)
	p.InheritedFrom = inheritedFrom.String
	return p, nil
}

// ResolveProfileChain returns the profile and all of its ancestors, nearest
// first, for internal/authz to fold into an effective allow/deny set.
func (s *Store) ResolveProfileChain(ctx context.Context, profileID string) ([]ToolProfile, error) {
	var chain []ToolProfile
	visited := map[string]bool{}
	cur := profileID
	for cur != "" {
		if visited[cur] {
			return nil, fmt.Errorf("tool profile inheritance cycle detected at %q", cur)
		}
		visited[cur] = true
		if len(chain) >= 5 {
			return nil, fmt.Errorf("tool profile inheritance exceeds maximum depth of 5")
		}
		p, err := s.GetToolProfile(ctx, cur)
		if err != nil {
			return nil, err
		}
		chain = append(chain, p)
		cur = p.InheritedFrom
	}
	return chain, nil
}

// UpdateToolProfile replaces a profile's mutable fields. Changing
// InheritedFrom re-runs cycle/depth validation.
func (s *Store) UpdateToolProfile(ctx context.Context, p ToolProfile) error {
	if p.InheritedFrom != "" {
		if err := s.checkInheritanceDepth(ctx, p.ProfileID, p.InheritedFrom); err != nil {
			return err
		}
	}
	allowed, _ := json.Marshal(p.AllowedTools)
	denied, _ := json.Marshal(p.DeniedTools)
	limits, _ := json.Marshal(p.RateLimits)

	res, err := s.db.ExecContext(ctx, `
		UPDATE tool_profiles SET name = ?, description = ?, allowed_tools = ?, denied_tools = ?, rate_limits = ?, inherited_from = ?, environment_scope = ?, time_restrictions = ?
		WHERE profile_id = ?`,
		p.Name, p.Description, string(allowed), string(denied), string(limits),
		nullableString(p.InheritedFrom), p.EnvironmentScope, p.TimeRestrictions, p.ProfileID)
	if err != nil {
		return fmt.Errorf("updating tool profile: %w", err)
	}
	return checkRowsAffected(res)
}

// DeleteToolProfile removes a profile. Callers must reassign any clients
// referencing it first; profile_id on clients has no FK (profiles are
// mutable/replaceable independent of client identity per spec.md §3).
func (s *Store) DeleteToolProfile(ctx context.Context, profileID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tool_profiles WHERE profile_id = ?`, profileID)
	if err != nil {
		return fmt.Errorf("deleting tool profile: %w", err)
	}
	return checkRowsAffected(res)
}

// ListToolProfiles returns every profile, for admin listing endpoints.
func (s *Store) ListToolProfiles(ctx context.Context) ([]ToolProfile, error) {
	rows, err := s.db.QueryContext(ctx, profileSelect)
	if err != nil {
		return nil, fmt.Errorf("listing tool profiles: %w", err)
	}
	defer rows.Close()

	var out []ToolProfile
	for rows.Next() {
		var p ToolProfile
		var allowed, denied, limits string
		var inheritedFrom sql.NullString
		if err := rows.Scan(&p.ProfileID, &p.Name, &p.Description, &allowed, &denied, &limits, &inheritedFrom, &p.EnvironmentScope, &p.TimeRestrictions); err != nil {
			return nil, fmt.Errorf("scanning tool profile row: %w", err)
		}
		_ = json.Unmarshal([]byte(allowed), &p.AllowedTools)
		_ = json.Unmarshal([]byte(denied), &p.DeniedTools)
		_ = json.Unmarshal([]byte(limits), &p.RateLimits)
		p.InheritedFrom = inheritedFrom.String
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
