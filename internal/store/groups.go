package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const groupSelect = `SELECT group_id, name, description, status FROM groups`

// CreateGroup inserts a new group.
func (s *Store) CreateGroup(ctx context.Context, g Group) (Group, error) {
	if g.GroupID == "" {
		g.GroupID = uuid.NewString()
	}
	if g.Status == "" {
		g.Status = GroupActive
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO groups (group_id, name, description, status) VALUES (?, ?, ?, ?)`,
		g.GroupID, g.Name, g.Description, string(g.Status))
	if err != nil {
		return Group{}, fmt.Errorf("creating group: %w", err)
	}
	return g, nil
}

// GetGroup fetches a group by ID.
func (s *Store) GetGroup(ctx context.Context, groupID string) (Group, error) {
	row := s.db.QueryRowContext(ctx, groupSelect+` WHERE group_id = ?`, groupID)
	var g Group
	var status string
	err := row.Scan(&g.GroupID, &g.Name, &g.Description, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return Group{}, ErrNotFound
	}
	if err != nil {
		return Group{}, fmt.Errorf("scanning group: %w", err)
	}
	g.Status = GroupStatus(status)
	return g, nil
}

// ListGroups returns every group, for the admin catalog/group management
// surface.
func (s *Store) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, groupSelect)
	if err != nil {
		return nil, fmt.Errorf("listing groups: %w", err)
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		var g Group
		var status string
		if err := rows.Scan(&g.GroupID, &g.Name, &g.Description, &status); err != nil {
			return nil, fmt.Errorf("scanning group row: %w", err)
		}
		g.Status = GroupStatus(status)
		out = append(out, g)
	}
	return out, rows.Err()
}

// UpdateGroupStatus transitions a group's status (e.g. suspending cuts off
// every member's access to the group's MCPs, per spec.md §3).
func (s *Store) UpdateGroupStatus(ctx context.Context, groupID string, status GroupStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE groups SET status = ? WHERE group_id = ?`, string(status), groupID)
	if err != nil {
		return fmt.Errorf("updating group status: %w", err)
	}
	return checkRowsAffected(res)
}

// DeleteGroup removes a group; FK cascades remove its membership and MCP
// associations.
func (s *Store) DeleteGroup(ctx context.Context, groupID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE group_id = ?`, groupID)
	if err != nil {
		return fmt.Errorf("deleting group: %w", err)
	}
	return checkRowsAffected(res)
}

// AddGroupMember adds a user to a group; idempotent on the composite key.
func (s *Store) AddGroupMember(ctx context.Context, userID, groupID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO group_members (user_id, group_id) VALUES (?, ?)`, userID, groupID)
	if err != nil {
		return fmt.Errorf("adding group member: %w", err)
	}
	return nil
}

// RemoveGroupMember removes a user from a group.
func (s *Store) RemoveGroupMember(ctx context.Context, userID, groupID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM group_members WHERE user_id = ? AND group_id = ?`, userID, groupID)
	if err != nil {
		return fmt.Errorf("removing group member: %w", err)
	}
	return checkRowsAffected(res)
}

// ListGroupsForUser returns every active-or-suspended group a user belongs
// to, for C8's group-scoped catalog composition.
func (s *Store) ListGroupsForUser(ctx context.Context, userID string) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.group_id, g.name, g.description, g.status
		FROM groups g JOIN group_members m ON m.group_id = g.group_id
		WHERE m.user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing groups for user: %w", err)
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		var g Group
		var status string
		if err := rows.Scan(&g.GroupID, &g.Name, &g.Description, &status); err != nil {
			return nil, fmt.Errorf("scanning group row: %w", err)
		}
		g.Status = GroupStatus(status)
		out = append(out, g)
	}
	return out, rows.Err()
}

// AddGroupMcp associates an MCP catalog entry with a group.
func (s *Store) AddGroupMcp(ctx context.Context, mcpID, groupID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO group_mcps (mcp_id, group_id) VALUES (?, ?)`, mcpID, groupID)
	if err != nil {
		return fmt.Errorf("adding group mcp: %w", err)
	}
	return nil
}

// RemoveGroupMcp disassociates an MCP catalog entry from a group.
func (s *Store) RemoveGroupMcp(ctx context.Context, mcpID, groupID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM group_mcps WHERE mcp_id = ? AND group_id = ?`, mcpID, groupID)
	if err != nil {
		return fmt.Errorf("removing group mcp: %w", err)
	}
	return checkRowsAffected(res)
}

// ListMcpIDsForGroups returns the union of MCP IDs associated with any of
// the given group IDs.
func (s *Store) ListMcpIDsForGroups(ctx context.Context, groupIDs []string) ([]string, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	query, args := inClause(`SELECT DISTINCT mcp_id FROM group_mcps WHERE group_id IN (%s)`, groupIDs)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing group mcp ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func inClause(query string, values []string) (string, []interface{}) {
	placeholders := ""
	args := make([]interface{}, len(values))
	for i, v := range values {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = v
	}
	return fmt.Sprintf(query, placeholders), args
}
