package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by repository lookups that find nothing.
var ErrNotFound = errors.New("not found")

// CreateUser inserts a new user, generating its UUID if UserID is empty.
func (s *Store) CreateUser(ctx context.Context, u User) (User, error) {
	if u.UserID == "" {
		u.UserID = uuid.NewString()
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	if u.Status == "" {
		u.Status = UserActive
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, username, password_hash, status, vault_salt, display_name, email, is_admin, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.UserID, u.Username, u.PasswordHash, string(u.Status), u.VaultSalt, u.DisplayName, u.Email, boolToInt(u.IsAdmin),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return User{}, fmt.Errorf("creating user: %w", err)
	}
	return u, nil
}

// GetUser fetches a user by ID.
func (s *Store) GetUser(ctx context.Context, userID string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, username, password_hash, status, vault_salt, display_name, email, is_admin, created_at, updated_at
		FROM users WHERE user_id = ?`, userID)
	return scanUser(row)
}

// GetUserByUsername fetches a user by its unique, lowercased username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, username, password_hash, status, vault_salt, display_name, email, is_admin, created_at, updated_at
		FROM users WHERE username = ?`, username)
	return scanUser(row)
}

func scanUser(row *sql.Row) (User, error) {
	var u User
	var status string
	var isAdmin int
	var created, updated string
	err := row.Scan(&u.UserID, &u.Username, &u.PasswordHash, &status, &u.VaultSalt, &u.DisplayName, &u.Email, &isAdmin, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("scanning user: %w", err)
	}
	u.Status = UserStatus(status)
	u.IsAdmin = isAdmin != 0
	u.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	u.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return u, nil
}

// UpdateUserStatus transitions a user's lifecycle status, bumping updated_at.
func (s *Store) UpdateUserStatus(ctx context.Context, userID string, status UserStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET status = ?, updated_at = ? WHERE user_id = ?`,
		string(status), time.Now().UTC().Format(time.RFC3339Nano), userID)
	if err != nil {
		return fmt.Errorf("updating user status: %w", err)
	}
	return checkRowsAffected(res)
}

// DeleteUser removes a user; FK cascades remove clients/sessions/credentials.
// Callers are responsible for terminating any live per-user MCP pool
// instances first (spec.md §3: "delete cascades ... via FK and triggers C7
// termination" — the termination side-effect lives in internal/userpool,
// not here, since the store has no handle on running connections).
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	return checkRowsAffected(res)
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
