package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const catalogSelect = `
	SELECT mcp_id, name, display_name, description, transport_type, config, isolation_mode,
		requires_user_credentials, credential_schema, tool_catalog, validation_status, status,
		auth_type, oauth_config, updated_at
	FROM mcp_catalog_entries`

// ErrStructuralFieldChange is returned when an update attempts to mutate a
// structural field (transport_type, config, isolation_mode) on a catalog
// entry whose status is "published" (spec.md §4: published entries require
// a new draft + re-validation cycle, not an in-place structural edit).
var ErrStructuralFieldChange = errors.New("cannot change structural fields of a published catalog entry")

// CreateMcpCatalogEntry inserts a new catalog entry, always starting in
// draft/pending status regardless of what the caller passes.
func (s *Store) CreateMcpCatalogEntry(ctx context.Context, e McpCatalogEntry) (McpCatalogEntry, error) {
	if e.McpID == "" {
		e.McpID = uuid.NewString()
	}
	e.Status = CatalogDraft
	e.ValidationStatus = ValidationPending
	e.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mcp_catalog_entries (mcp_id, name, display_name, description, transport_type, config,
			isolation_mode, requires_user_credentials, credential_schema, tool_catalog, validation_status,
			status, auth_type, oauth_config, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.McpID, e.Name, e.DisplayName, e.Description, string(e.TransportType), string(e.Config),
		string(e.IsolationMode), boolToInt(e.RequiresUserCredentials), jsonOrEmpty(e.CredentialSchema),
		jsonOrArray(e.ToolCatalog), string(e.ValidationStatus), string(e.Status), string(e.AuthType),
		jsonOrEmpty(e.OAuthConfig), e.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return McpCatalogEntry{}, fmt.Errorf("creating catalog entry: %w", err)
	}
	return e, nil
}

// GetMcpCatalogEntry fetches a catalog entry by ID.
func (s *Store) GetMcpCatalogEntry(ctx context.Context, mcpID string) (McpCatalogEntry, error) {
	row := s.db.QueryRowContext(ctx, catalogSelect+` WHERE mcp_id = ?`, mcpID)
	return scanCatalogEntry(row)
}

func scanCatalogEntry(row *sql.Row) (McpCatalogEntry, error) {
	var e McpCatalogEntry
	var transport, isolation, validation, status, authType, updated string
	var requiresCreds int
	var config, credSchema, toolCatalog, oauthConfig string
	err := row.Scan(&e.McpID, &e.Name, &e.DisplayName, &e.Description, &transport, &config, &isolation,
		&requiresCreds, &credSchema, &toolCatalog, &validation, &status, &authType, &oauthConfig, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return McpCatalogEntry{}, ErrNotFound
	}
	if err != nil {
		return McpCatalogEntry{}, fmt.Errorf("scanning catalog entry: %w", err)
	}
	e.TransportType = TransportType(transport)
	e.Config = []byte(config)
	e.IsolationMode = IsolationMode(isolation)
	e.RequiresUserCredentials = requiresCreds != 0
	e.CredentialSchema = []byte(credSchema)
	e.ToolCatalog = []byte(toolCatalog)
	e.ValidationStatus = ValidationStatus(validation)
	e.Status = CatalogStatus(status)
	e.AuthType = AuthType(authType)
	e.OAuthConfig = []byte(oauthConfig)
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return e, nil
}

// UpdateMcpCatalogEntry applies a full update, rejecting structural field
// changes once the entry is published.
func (s *Store) UpdateMcpCatalogEntry(ctx context.Context, e McpCatalogEntry) error {
	existing, err := s.GetMcpCatalogEntry(ctx, e.McpID)
	if err != nil {
		return err
	}
	if existing.Status == CatalogPublished {
		if existing.TransportType != e.TransportType || existing.IsolationMode != e.IsolationMode || !bytes.Equal(existing.Config, e.Config) {
			return ErrStructuralFieldChange
		}
	}

	e.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE mcp_catalog_entries SET name = ?, display_name = ?, description = ?, transport_type = ?,
			config = ?, isolation_mode = ?, requires_user_credentials = ?, credential_schema = ?,
			tool_catalog = ?, validation_status = ?, status = ?, auth_type = ?, oauth_config = ?, updated_at = ?
		WHERE mcp_id = ?`,
		e.Name, e.DisplayName, e.Description, string(e.TransportType), string(e.Config), string(e.IsolationMode),
		boolToInt(e.RequiresUserCredentials), jsonOrEmpty(e.CredentialSchema), jsonOrArray(e.ToolCatalog),
		string(e.ValidationStatus), string(e.Status), string(e.AuthType), jsonOrEmpty(e.OAuthConfig),
		e.UpdatedAt.Format(time.RFC3339Nano), e.McpID)
	if err != nil {
		return fmt.Errorf("updating catalog entry: %w", err)
	}
	return checkRowsAffected(res)
}

// SetValidationStatus records the outcome of internal/validate's run over
// this entry, independent of the rest of the row.
func (s *Store) SetValidationStatus(ctx context.Context, mcpID string, status ValidationStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE mcp_catalog_entries SET validation_status = ?, updated_at = ? WHERE mcp_id = ?`,
		string(status), time.Now().UTC().Format(time.RFC3339Nano), mcpID)
	if err != nil {
		return fmt.Errorf("setting validation status: %w", err)
	}
	return checkRowsAffected(res)
}

// Publish transitions a valid draft entry into published status; the admin
// publish route and the catalog seed watcher call it once validation_status
// is valid.
func (s *Store) Publish(ctx context.Context, mcpID string) error {
	e, err := s.GetMcpCatalogEntry(ctx, mcpID)
	if err != nil {
		return err
	}
	if e.ValidationStatus != ValidationValid {
		return fmt.Errorf("cannot publish catalog entry %q: validation status is %q", mcpID, e.ValidationStatus)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE mcp_catalog_entries SET status = ?, updated_at = ? WHERE mcp_id = ?`,
		string(CatalogPublished), time.Now().UTC().Format(time.RFC3339Nano), mcpID)
	if err != nil {
		return fmt.Errorf("publishing catalog entry: %w", err)
	}
	return checkRowsAffected(res)
}

// ListPublishedCatalog returns every published entry, the set internal/router
// composes tool catalogs from.
func (s *Store) ListPublishedCatalog(ctx context.Context) ([]McpCatalogEntry, error) {
	return s.listCatalogWhere(ctx, `WHERE status = ?`, string(CatalogPublished))
}

// ListAllCatalogEntries returns every entry regardless of status, for admin
// listing and the hot-reloader's diff pass.
func (s *Store) ListAllCatalogEntries(ctx context.Context) ([]McpCatalogEntry, error) {
	return s.listCatalogWhere(ctx, ``)
}

func (s *Store) listCatalogWhere(ctx context.Context, where string, args ...interface{}) ([]McpCatalogEntry, error) {
	rows, err := s.db.QueryContext(ctx, catalogSelect+" "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("listing catalog entries: %w", err)
	}
	defer rows.Close()

	var out []McpCatalogEntry
	for rows.Next() {
		var e McpCatalogEntry
		var transport, isolation, validation, status, authType, updated string
		var requiresCreds int
		var config, credSchema, toolCatalog, oauthConfig string
		if err := rows.Scan(&e.McpID, &e.Name, &e.DisplayName, &e.Description, &transport, &config, &isolation,
			&requiresCreds, &credSchema, &toolCatalog, &validation, &status, &authType, &oauthConfig, &updated); err != nil {
			return nil, fmt.Errorf("scanning catalog entry row: %w", err)
		}
		e.TransportType = TransportType(transport)
		e.Config = []byte(config)
		e.IsolationMode = IsolationMode(isolation)
		e.RequiresUserCredentials = requiresCreds != 0
		e.CredentialSchema = []byte(credSchema)
		e.ToolCatalog = []byte(toolCatalog)
		e.ValidationStatus = ValidationStatus(validation)
		e.Status = CatalogStatus(status)
		e.AuthType = AuthType(authType)
		e.OAuthConfig = []byte(oauthConfig)
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteMcpCatalogEntry removes a catalog entry; FK cascades remove
// subscriptions, credentials, and group_mcps rows referencing it.
func (s *Store) DeleteMcpCatalogEntry(ctx context.Context, mcpID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mcp_catalog_entries WHERE mcp_id = ?`, mcpID)
	if err != nil {
		return fmt.Errorf("deleting catalog entry: %w", err)
	}
	return checkRowsAffected(res)
}

func jsonOrEmpty(b []byte) string {
	if len(b) == 0 {
		return "{}"
	}
	return string(b)
}

func jsonOrArray(b []byte) string {
	if len(b) == 0 {
		return "[]"
	}
	return string(b)
}
