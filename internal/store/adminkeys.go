package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GetActiveAdminKey returns the single row with is_active=true (spec.md §8
// invariant 1: exactly one active admin key at all times).
func (s *Store) GetActiveAdminKey(ctx context.Context) (AdminKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, key_hash, recovery_token_hash, is_active, created_at, rotated_at
		FROM admin_keys WHERE is_active = 1`)
	return scanAdminKey(row)
}

func scanAdminKey(row *sql.Row) (AdminKey, error) {
	var k AdminKey
	var isActive int
	var created string
	var rotated sql.NullString
	err := row.Scan(&k.ID, &k.KeyHash, &k.RecoveryTokenHash, &isActive, &created, &rotated)
	if errors.Is(err, sql.ErrNoRows) {
		return AdminKey{}, ErrNotFound
	}
	if err != nil {
		return AdminKey{}, fmt.Errorf("scanning admin key: %w", err)
	}
	k.IsActive = isActive != 0
	k.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	if rotated.Valid {
		t, _ := time.Parse(time.RFC3339Nano, rotated.String)
		k.RotatedAt = &t
	}
	return k, nil
}

// GenerateAdminKey inserts the first active admin key; fails if one already
// exists (spec.md §4.8 generateAdminKey contract).
func (s *Store) GenerateAdminKey(ctx context.Context, keyHash, recoveryTokenHash string) (AdminKey, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AdminKey{}, err
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM admin_keys WHERE is_active = 1`).Scan(&count); err != nil {
		return AdminKey{}, fmt.Errorf("checking active admin key: %w", err)
	}
	if count > 0 {
		return AdminKey{}, fmt.Errorf("an active admin key already exists")
	}

	k := AdminKey{
		ID:                uuid.NewString(),
		KeyHash:           keyHash,
		RecoveryTokenHash: recoveryTokenHash,
		IsActive:          true,
		CreatedAt:         time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO admin_keys (id, key_hash, recovery_token_hash, is_active, created_at, rotated_at)
		VALUES (?, ?, ?, 1, ?, NULL)`, k.ID, k.KeyHash, k.RecoveryTokenHash, k.CreatedAt.Format(time.RFC3339Nano)); err != nil {
		return AdminKey{}, fmt.Errorf("inserting admin key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return AdminKey{}, err
	}
	return k, nil
}

// RecoverAdminKey updates the active row's key_hash in place, preserving id
// (spec.md §4.8 recoverAdminKey: "updates the same row").
func (s *Store) RecoverAdminKey(ctx context.Context, newKeyHash string) (AdminKey, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AdminKey{}, err
	}
	defer tx.Rollback()

	active, err := scanAdminKey(tx.QueryRowContext(ctx, `
		SELECT id, key_hash, recovery_token_hash, is_active, created_at, rotated_at
		FROM admin_keys WHERE is_active = 1`))
	if err != nil {
		return AdminKey{}, err
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE admin_keys SET key_hash = ?, rotated_at = ? WHERE id = ?`,
		newKeyHash, now.Format(time.RFC3339Nano), active.ID); err != nil {
		return AdminKey{}, fmt.Errorf("updating admin key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return AdminKey{}, err
	}
	active.KeyHash = newKeyHash
	active.RotatedAt = &now
	return active, nil
}

// RotateAdminKey updates both key_hash and recovery_token_hash on the
// active row.
func (s *Store) RotateAdminKey(ctx context.Context, newKeyHash, newRecoveryTokenHash string) (AdminKey, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AdminKey{}, err
	}
	defer tx.Rollback()

	active, err := scanAdminKey(tx.QueryRowContext(ctx, `
		SELECT id, key_hash, recovery_token_hash, is_active, created_at, rotated_at
		FROM admin_keys WHERE is_active = 1`))
	if err != nil {
		return AdminKey{}, err
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE admin_keys SET key_hash = ?, recovery_token_hash = ?, rotated_at = ? WHERE id = ?`,
		newKeyHash, newRecoveryTokenHash, now.Format(time.RFC3339Nano), active.ID); err != nil {
		return AdminKey{}, fmt.Errorf("rotating admin key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return AdminKey{}, err
	}
	active.KeyHash = newKeyHash
	active.RecoveryTokenHash = newRecoveryTokenHash
	active.RotatedAt = &now
	return active, nil
}

// FactoryResetAdminKey deactivates all existing rows and inserts a fresh
// active one, keeping prior rows for audit (spec.md §4.8).
func (s *Store) FactoryResetAdminKey(ctx context.Context, keyHash, recoveryTokenHash string) (AdminKey, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AdminKey{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE admin_keys SET is_active = 0 WHERE is_active = 1`); err != nil {
		return AdminKey{}, fmt.Errorf("deactivating admin keys: %w", err)
	}

	k := AdminKey{
		ID:                uuid.NewString(),
		KeyHash:           keyHash,
		RecoveryTokenHash: recoveryTokenHash,
		IsActive:          true,
		CreatedAt:         time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO admin_keys (id, key_hash, recovery_token_hash, is_active, created_at, rotated_at)
		VALUES (?, ?, ?, 1, ?, NULL)`, k.ID, k.KeyHash, k.RecoveryTokenHash, k.CreatedAt.Format(time.RFC3339Nano)); err != nil {
		return AdminKey{}, fmt.Errorf("inserting admin key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return AdminKey{}, err
	}
	return k, nil
}
