// Package store is the C1 Data Store: transactional persistence for users,
// clients, admin keys, tool profiles, the MCP catalog, groups,
// subscriptions, user credentials, sessions, and the audit trail tail.
//
// Grounded on viant-agently's modernc.org/sqlite + database/sql stack (the
// only pack repo with a relational database dependency); the teacher itself
// persists declarative entities as YAML via internal/config/storage.go, a
// pattern inadequate for spec.md's transactional invariants (§8: exactly one
// active admin key, unique client key hashes, FK cascade on user delete).
package store

import "time"

type UserStatus string

const (
	UserActive      UserStatus = "active"
	UserSuspended   UserStatus = "suspended"
	UserDeactivated UserStatus = "deactivated"
)

type ClientStatus string

const (
	ClientActive    ClientStatus = "active"
	ClientSuspended ClientStatus = "suspended"
	ClientRevoked   ClientStatus = "revoked"
)

type TransportType string

const (
	TransportStdio TransportType = "stdio"
	TransportHTTP  TransportType = "http"
	TransportSSE   TransportType = "sse"
)

type IsolationMode string

const (
	IsolationShared  IsolationMode = "shared"
	IsolationPerUser IsolationMode = "per_user"
)

type CatalogStatus string

const (
	CatalogDraft    CatalogStatus = "draft"
	CatalogPublished CatalogStatus = "published"
	CatalogArchived CatalogStatus = "archived"
)

type ValidationStatus string

const (
	ValidationPending ValidationStatus = "pending"
	ValidationValid   ValidationStatus = "valid"
	ValidationInvalid ValidationStatus = "invalid"
)

type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthStatic AuthType = "static"
	AuthOAuth2 AuthType = "oauth2"
)

type GroupStatus string

const (
	GroupActive    GroupStatus = "active"
	GroupSuspended GroupStatus = "suspended"
)

type SubscriptionStatus string

const (
	SubscriptionActive SubscriptionStatus = "active"
	SubscriptionPaused SubscriptionStatus = "paused"
)

type SessionStatus string

const (
	SessionActive       SessionStatus = "active"
	SessionIdle         SessionStatus = "idle"
	SessionSpinningDown SessionStatus = "spinning_down"
	SessionExpired      SessionStatus = "expired"
)

// User is spec.md §3 User.
type User struct {
	UserID       string     `json:"user_id"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	Status       UserStatus `json:"status"`
	VaultSalt    []byte     `json:"-"` // 32 random bytes
	DisplayName  string     `json:"display_name"`
	Email        string     `json:"email,omitempty"`
	IsAdmin      bool       `json:"is_admin"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Client is spec.md §3 Client.
type Client struct {
	ClientID   string            `json:"client_id"`
	ClientName string            `json:"client_name"`
	KeyPrefix  string            `json:"key_prefix"` // first 8 chars of the secret
	KeyHash    string            `json:"-"`
	UserID     string            `json:"user_id"`
	ProfileID  string            `json:"profile_id,omitempty"`
	Status     ClientStatus      `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
	LastUsedAt *time.Time        `json:"last_used_at,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// AdminKey is spec.md §3 AdminKey.
type AdminKey struct {
	ID                string     `json:"id"`
	KeyHash           string     `json:"-"`
	RecoveryTokenHash string     `json:"-"`
	IsActive          bool       `json:"is_active"`
	CreatedAt         time.Time  `json:"created_at"`
	RotatedAt         *time.Time `json:"rotated_at,omitempty"`
}

// RateLimits is the per-profile rate configuration.
type RateLimits struct {
	RPM           int `json:"rpm"`
	RPH           int `json:"rph"`
	MaxConcurrent int `json:"max_concurrent"`
}

// ToolProfile is spec.md §3 ToolProfile.
type ToolProfile struct {
	ProfileID        string     `json:"profile_id"`
	Name             string     `json:"name"`
	Description      string     `json:"description,omitempty"`
	AllowedTools     []string   `json:"allowed_tools,omitempty"`
	DeniedTools      []string   `json:"denied_tools,omitempty"`
	RateLimits       RateLimits `json:"rate_limits"`
	InheritedFrom    string     `json:"inherited_from,omitempty"` // profile_id or ""
	EnvironmentScope string     `json:"environment_scope,omitempty"`
	TimeRestrictions string     `json:"time_restrictions,omitempty"`
}

// McpCatalogEntry is spec.md §3 McpCatalogEntry.
type McpCatalogEntry struct {
	McpID                   string           `json:"mcp_id"`
	Name                    string           `json:"name"`
	DisplayName             string           `json:"display_name,omitempty"`
	Description             string           `json:"description,omitempty"`
	TransportType           TransportType    `json:"transport_type"`
	Config                  []byte           `json:"config,omitempty"` // JSON blob
	IsolationMode           IsolationMode    `json:"isolation_mode"`
	RequiresUserCredentials bool             `json:"requires_user_credentials"`
	CredentialSchema        []byte           `json:"credential_schema,omitempty"` // JSON-Schema
	ToolCatalog             []byte           `json:"tool_catalog,omitempty"`      // cached JSON array
	ValidationStatus        ValidationStatus `json:"validation_status"`
	Status                  CatalogStatus    `json:"status"`
	AuthType                AuthType         `json:"auth_type"`
	OAuthConfig             []byte           `json:"oauth_config,omitempty"`
	UpdatedAt               time.Time        `json:"updated_at"`
}

// Group is spec.md §3 Group.
type Group struct {
	GroupID     string      `json:"group_id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Status      GroupStatus `json:"status"`
}

// Subscription is spec.md §3 Subscription.
type Subscription struct {
	SubscriptionID string             `json:"subscription_id"`
	ClientID       string             `json:"client_id"`
	McpID          string             `json:"mcp_id"`
	SelectedTools  []string           `json:"selected_tools,omitempty"`
	Status         SubscriptionStatus `json:"status"`
	SubscribedAt   time.Time          `json:"subscribed_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// UserMcpCredential is spec.md §3 UserMcpCredential.
type UserMcpCredential struct {
	CredentialID         string    `json:"credential_id"`
	UserID               string    `json:"user_id"`
	McpID                string    `json:"mcp_id"`
	EncryptedCredentials []byte    `json:"-"`
	EncryptionIV         []byte    `json:"-"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// UserSession is spec.md §3 UserSession.
type UserSession struct {
	SessionID     string        `json:"session_id"`
	UserID        string        `json:"user_id"`
	ClientID      string        `json:"client_id,omitempty"`
	Status        SessionStatus `json:"status"`
	IssuedAt      time.Time     `json:"issued_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
	HMACSignature string        `json:"-"`
}
