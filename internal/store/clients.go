package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateClient inserts a new client. KeyPrefix/KeyHash must already be
// computed by internal/keys before calling this (the store never sees
// plaintext key material).
func (s *Store) CreateClient(ctx context.Context, c Client) (Client, error) {
	if c.ClientID == "" {
		c.ClientID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = ClientActive
	}
	c.CreatedAt = time.Now().UTC()
	meta, err := json.Marshal(c.Metadata)
	if err != nil {
		return Client{}, fmt.Errorf("marshaling client metadata: %w", err)
	}

	var expiresAt, lastUsedAt interface{}
	if c.ExpiresAt != nil {
		expiresAt = c.ExpiresAt.Format(time.RFC3339Nano)
	}
	if c.LastUsedAt != nil {
		lastUsedAt = c.LastUsedAt.Format(time.RFC3339Nano)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO clients (client_id, client_name, key_prefix, key_hash, user_id, profile_id, status, created_at, expires_at, last_used_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ClientID, c.ClientName, c.KeyPrefix, c.KeyHash, c.UserID, c.ProfileID, string(c.Status),
		c.CreatedAt.Format(time.RFC3339Nano), expiresAt, lastUsedAt, string(meta))
	if err != nil {
		return Client{}, fmt.Errorf("creating client: %w", err)
	}
	return c, nil
}

// GetClient fetches a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (Client, error) {
	row := s.db.QueryRowContext(ctx, clientSelect+` WHERE client_id = ?`, clientID)
	return scanClient(row)
}

const clientSelect = `
	SELECT client_id, client_name, key_prefix, key_hash, user_id, profile_id, status, created_at, expires_at, last_used_at, metadata
	FROM clients`

func scanClient(row *sql.Row) (Client, error) {
	var c Client
	var status, created string
	var expiresAt, lastUsedAt sql.NullString
	var meta string
	err := row.Scan(&c.ClientID, &c.ClientName, &c.KeyPrefix, &c.KeyHash, &c.UserID, &c.ProfileID, &status, &created, &expiresAt, &lastUsedAt, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return Client{}, ErrNotFound
	}
	if err != nil {
		return Client{}, fmt.Errorf("scanning client: %w", err)
	}
	c.Status = ClientStatus(status)
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	if expiresAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, expiresAt.String)
		c.ExpiresAt = &t
	}
	if lastUsedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastUsedAt.String)
		c.LastUsedAt = &t
	}
	_ = json.Unmarshal([]byte(meta), &c.Metadata)
	return c, nil
}

// UpdateClientKey rotates a client's key material, preserving its identity.
func (s *Store) UpdateClientKey(ctx context.Context, clientID, keyPrefix, keyHash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE clients SET key_prefix = ?, key_hash = ? WHERE client_id = ?`,
		keyPrefix, keyHash, clientID)
	if err != nil {
		return fmt.Errorf("rotating client key: %w", err)
	}
	return checkRowsAffected(res)
}

// UpdateClientStatus transitions a client between active/suspended/revoked
// (spec.md §3 Client.status), the one Client field the REST surface exposes
// a generic PATCH for.
func (s *Store) UpdateClientStatus(ctx context.Context, clientID string, status ClientStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE clients SET status = ? WHERE client_id = ?`, string(status), clientID)
	if err != nil {
		return fmt.Errorf("updating client status: %w", err)
	}
	return checkRowsAffected(res)
}

// DeleteClient removes a client outright. Callers are responsible for
// checking ownership first.
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE client_id = ?`, clientID)
	if err != nil {
		return fmt.Errorf("deleting client: %w", err)
	}
	return checkRowsAffected(res)
}

// TouchClientLastUsed updates last_used_at. Called fire-and-forget through
// SeenUpdater's bounded worker pool (spec.md §5, §9: eventual consistency is
// acceptable here).
func (s *Store) TouchClientLastUsed(ctx context.Context, clientID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE clients SET last_used_at = ? WHERE client_id = ?`,
		at.Format(time.RFC3339Nano), clientID)
	return err
}

// ListClientsByUser returns all clients owned by a user.
func (s *Store) ListClientsByUser(ctx context.Context, userID string) ([]Client, error) {
	rows, err := s.db.QueryContext(ctx, clientSelect+` WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing clients: %w", err)
	}
	defer rows.Close()

	var out []Client
	for rows.Next() {
		var c Client
		var status, created string
		var expiresAt, lastUsedAt sql.NullString
		var meta string
		if err := rows.Scan(&c.ClientID, &c.ClientName, &c.KeyPrefix, &c.KeyHash, &c.UserID, &c.ProfileID, &status, &created, &expiresAt, &lastUsedAt, &meta); err != nil {
			return nil, fmt.Errorf("scanning client row: %w", err)
		}
		c.Status = ClientStatus(status)
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		if expiresAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, expiresAt.String)
			c.ExpiresAt = &t
		}
		if lastUsedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, lastUsedAt.String)
			c.LastUsedAt = &t
		}
		_ = json.Unmarshal([]byte(meta), &c.Metadata)
		out = append(out, c)
	}
	return out, rows.Err()
}
