package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const credentialSelect = `
	SELECT credential_id, user_id, mcp_id, encrypted_credentials, encryption_iv, created_at, updated_at
	FROM user_mcp_credentials`

// UpsertUserMcpCredential writes an encrypted credential blob, replacing any
// prior one for the same (user, mcp) pair. The store only ever sees
// ciphertext and its IV; internal/vault owns the encryption key material.
func (s *Store) UpsertUserMcpCredential(ctx context.Context, c UserMcpCredential) (UserMcpCredential, error) {
	now := time.Now().UTC()
	existing, err := s.GetUserMcpCredential(ctx, c.UserID, c.McpID)
	switch {
	case errors.Is(err, ErrNotFound):
		if c.CredentialID == "" {
			c.CredentialID = uuid.NewString()
		}
		c.CreatedAt, c.UpdatedAt = now, now
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO user_mcp_credentials (credential_id, user_id, mcp_id, encrypted_credentials, encryption_iv, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.CredentialID, c.UserID, c.McpID, c.EncryptedCredentials, c.EncryptionIV,
			now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
		if err != nil {
			return UserMcpCredential{}, fmt.Errorf("inserting credential: %w", err)
		}
		return c, nil
	case err != nil:
		return UserMcpCredential{}, err
	default:
		c.CredentialID = existing.CredentialID
		c.CreatedAt = existing.CreatedAt
		c.UpdatedAt = now
		_, err := s.db.ExecContext(ctx, `
			UPDATE user_mcp_credentials SET encrypted_credentials = ?, encryption_iv = ?, updated_at = ?
			WHERE credential_id = ?`,
			c.EncryptedCredentials, c.EncryptionIV, now.Format(time.RFC3339Nano), c.CredentialID)
		if err != nil {
			return UserMcpCredential{}, fmt.Errorf("updating credential: %w", err)
		}
		return c, nil
	}
}

// GetUserMcpCredential fetches a user's stored credential for one MCP.
func (s *Store) GetUserMcpCredential(ctx context.Context, userID, mcpID string) (UserMcpCredential, error) {
	row := s.db.QueryRowContext(ctx, credentialSelect+` WHERE user_id = ? AND mcp_id = ?`, userID, mcpID)
	return scanCredential(row)
}

func scanCredential(row *sql.Row) (UserMcpCredential, error) {
	var c UserMcpCredential
	var created, updated string
	err := row.Scan(&c.CredentialID, &c.UserID, &c.McpID, &c.EncryptedCredentials, &c.EncryptionIV, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return UserMcpCredential{}, ErrNotFound
	}
	if err != nil {
		return UserMcpCredential{}, fmt.Errorf("scanning credential: %w", err)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return c, nil
}

// DeleteUserMcpCredential removes a stored credential, e.g. when a user
// revokes access to an MCP.
func (s *Store) DeleteUserMcpCredential(ctx context.Context, userID, mcpID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_mcp_credentials WHERE user_id = ? AND mcp_id = ?`, userID, mcpID)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	return checkRowsAffected(res)
}

// ListCredentialsForMcp returns every stored credential for an MCP, used by
// the master-key rotation protocol to re-encrypt everything under the new
// key within a single transaction.
func (s *Store) ListCredentialsForMcp(ctx context.Context, mcpID string) ([]UserMcpCredential, error) {
	rows, err := s.db.QueryContext(ctx, credentialSelect+` WHERE mcp_id = ?`, mcpID)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	defer rows.Close()
	return scanCredentialRows(rows)
}

// ListAllCredentials returns every stored credential row, for the
// full-database master-key rotation path (internal/vault.RotateMasterKey).
func (s *Store) ListAllCredentials(ctx context.Context) ([]UserMcpCredential, error) {
	rows, err := s.db.QueryContext(ctx, credentialSelect)
	if err != nil {
		return nil, fmt.Errorf("listing all credentials: %w", err)
	}
	defer rows.Close()
	return scanCredentialRows(rows)
}

func scanCredentialRows(rows *sql.Rows) ([]UserMcpCredential, error) {
	var out []UserMcpCredential
	for rows.Next() {
		var c UserMcpCredential
		var created, updated string
		if err := rows.Scan(&c.CredentialID, &c.UserID, &c.McpID, &c.EncryptedCredentials, &c.EncryptionIV, &created, &updated); err != nil {
			return nil, fmt.Errorf("scanning credential row: %w", err)
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ReencryptCredentialTx runs fn inside a transaction scoped to the
// credentials table, used by internal/vault to atomically rewrite every
// row's ciphertext under a new master key (tmp-file-then-rename protocol,
// spec.md §4.2).
func (s *Store) ReencryptCredentialTx(ctx context.Context, fn func(tx *sql.Tx, creds []UserMcpCredential) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, credentialSelect)
	if err != nil {
		return fmt.Errorf("listing credentials for rotation: %w", err)
	}
	creds, err := scanCredentialRows(rows)
	rows.Close()
	if err != nil {
		return err
	}

	if err := fn(tx, creds); err != nil {
		return err
	}
	return tx.Commit()
}
