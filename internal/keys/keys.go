// Package keys is the C11 Key/Session Manager: API-key and admin-key
// issuance and verification, Argon2id hashing with a constant-time
// dummy-hash path, admin-key lifecycle (generate/recover/rotate/factory
// reset), session issuance/verification with HMAC signatures, and the
// optional `Authorization: Bearer` token form spec.md §4.7 step 1 names
// alongside the X-API-Key header pair.
//
// No teacher precedent exists for API-key auth (muster has no end-user
// authentication layer); built directly from spec.md §4.8 using
// golang.org/x/crypto/argon2 (teacher indirect dependency, promoted to
// direct use) for hashing, crypto/hmac (stdlib — no pack repo wraps HMAC
// session signing in a third-party library) for session signatures, and
// github.com/golang-jwt/jwt/v5 (teacher indirect dependency, promoted) for
// the bearer-token form.
package keys

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/argon2"

	"ambassador/internal/apierr"
	"ambassador/internal/store"
)

const (
	PrefixClient   = "amb_sk"
	PrefixAdmin    = "amb_ak"
	PrefixRecovery = "amb_rt"

	secretBytes = 36 // raw random bytes encoded into the key body

	argon2Memory      = 19456 // KiB
	argon2Time        = 2
	argon2Parallelism = 1
	argon2KeyLen      = 32
	argon2SaltLen     = 16

	// CommunityTierTTL is the session TTL for the community tier (spec.md
	// §4.8).
	CommunityTierTTL = time.Hour
)

// generate returns "<prefix>_" + base64url(secretBytes random bytes).
func generate(prefix string) (string, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating key material: %w", err)
	}
	return prefix + "_" + base64.RawURLEncoding.EncodeToString(raw), nil
}

// expectedKeyLength is the full string length of a well-formed key: the
// prefix, underscore, and base64url(secretBytes) body.
func expectedKeyLength(prefix string) int {
	return len(prefix) + 1 + base64.RawURLEncoding.EncodedLen(secretBytes)
}

// validFormat rejects a key before any hashing or DB work (spec.md §4.8
// step 2: "before any database lookup, prevents CPU amplification").
func validFormat(key, prefix string) bool {
	if len(key) != expectedKeyLength(prefix) {
		return false
	}
	return strings.HasPrefix(key, prefix+"_")
}

// hashSecret Argon2id-hashes a key with a fresh random salt, returning
// "salt_hex:hash_hex".
func hashSecret(secret string) string {
	salt := make([]byte, argon2SaltLen)
	_, _ = rand.Read(salt) // crypto/rand.Read never errors on a correctly sized buffer
	hash := argon2.IDKey([]byte(secret), salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLen)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(hash)
}

// verifySecret checks secret against a "salt_hex:hash_hex" record in
// constant time.
func verifySecret(secret, record string) bool {
	parts := strings.SplitN(record, ":", 2)
	if len(parts) != 2 {
		return false
	}
	salt, err1 := hex.DecodeString(parts[0])
	want, err2 := hex.DecodeString(parts[1])
	if err1 != nil || err2 != nil {
		return false
	}
	got := argon2.IDKey([]byte(secret), salt, argon2Time, argon2Memory, argon2Parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// HashPassword Argon2id-hashes a user's login password with the same
// parameters and record format used for key secrets, for the browser-facing
// /v1/auth/login flow httpapi.Server wires up.
func HashPassword(password string) string {
	return hashSecret(password)
}

// VerifyPassword checks password against a hash produced by HashPassword.
func VerifyPassword(password, hash string) bool {
	return verifySecret(password, hash)
}

// Manager issues and verifies API keys, admin keys, and sessions.
type Manager struct {
	store *store.Store

	hmacMu     sync.RWMutex
	hmacSecret []byte

	dummyOnce sync.Once
	dummyHash string
}

// New constructs a Manager with a random initial HMAC session-signing
// secret; call RotateHMACSecret to replace it later.
func New(st *store.Store) (*Manager, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating hmac secret: %w", err)
	}
	return &Manager{store: st, hmacSecret: secret}, nil
}

// NewWithSecret constructs a Manager using a caller-supplied HMAC secret,
// for cmd/ambassadord to load the persisted `.session-secret` file (or
// ADMIN_SESSION_SECRET override) spec.md §6 names, instead of a fresh
// random one that would invalidate every session across a restart.
func NewWithSecret(st *store.Store, secret []byte) (*Manager, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("hmac secret must be at least 32 bytes, got %d", len(secret))
	}
	return &Manager{store: st, hmacSecret: secret}, nil
}

func (m *Manager) dummyHashOnce() string {
	m.dummyOnce.Do(func() {
		m.dummyHash = hashSecret("dummy-constant-time-padding")
	})
	return m.dummyHash
}

// SessionContext is the authenticated identity attached to a request
// (spec.md §4.8 step 6).
type SessionContext struct {
	SessionID  string
	ClientID   string
	UserID     string
	AuthMethod string
	Groups     []string
	Attributes map[string]string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// IssueClientKey generates and hashes a new client API key, returning the
// plaintext (shown to the caller exactly once) and its prefix/hash pair to
// persist.
func IssueClientKey() (plaintext, keyPrefix, keyHash string, err error) {
	plaintext, err = generate(PrefixClient)
	if err != nil {
		return "", "", "", err
	}
	return plaintext, plaintext[len(PrefixClient)+1 : len(PrefixClient)+1+8], hashSecret(plaintext), nil
}

// AuthenticateAPIKey runs spec.md §4.8's six-step API-key authentication.
func (m *Manager) AuthenticateAPIKey(ctx context.Context, apiKey, clientID string) (SessionContext, error) {
	if apiKey == "" || clientID == "" {
		return SessionContext{}, apierr.New(apierr.CodeMissingCredentials, "missing X-API-Key or X-Client-Id")
	}
	if !validFormat(apiKey, PrefixClient) || !isUUIDv4(clientID) {
		return SessionContext{}, apierr.New(apierr.CodeInvalidFormat, "malformed API key or client id")
	}

	client, err := m.store.GetClient(ctx, clientID)
	if err != nil {
		_ = verifySecret(apiKey, m.dummyHashOnce()) // keep timing constant on a miss
		return SessionContext{}, apierr.New(apierr.CodeInvalidCredentials, "invalid credentials")
	}
	if client.Status != store.ClientActive {
		return SessionContext{}, apierr.New(apierr.CodeClientSuspended, "client is suspended")
	}
	if !verifySecret(apiKey, client.KeyHash) {
		return SessionContext{}, apierr.New(apierr.CodeInvalidCredentials, "invalid credentials")
	}

	now := time.Now().UTC()
	return SessionContext{
		SessionID:  "", // filled in by IssueSession for session-based flows; stateless per-request auth leaves this empty
		ClientID:   client.ClientID,
		UserID:     client.UserID,
		AuthMethod: "api_key",
		Attributes: client.Metadata,
		IssuedAt:   now,
		ExpiresAt:  now.Add(CommunityTierTTL),
	}, nil
}

// isUUIDv4 validates the canonical 8-4-4-4-12 hex form with version nibble
// '4' and RFC-4122 variant bits, without pulling in a UUID-parsing
// dependency for a pure format check.
func isUUIDv4(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i, c := range s {
		switch i {
		case 8, 13, 18, 23:
			if c != '-' {
				return false
			}
		case 14:
			if c != '4' {
				return false
			}
		case 19:
			if c != '8' && c != '9' && c != 'a' && c != 'b' && c != 'A' && c != 'B' {
				return false
			}
		default:
			if !isHex(byte(c)) {
				return false
			}
		}
	}
	return true
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// GenerateAdminKey implements spec.md §4.8 generateAdminKey.
func (m *Manager) GenerateAdminKey(ctx context.Context, dataDir string) (plaintextKey, recoveryToken string, err error) {
	if _, err := m.store.GetActiveAdminKey(ctx); err == nil {
		return "", "", apierr.New(apierr.CodeConflict, "an active admin key already exists")
	}

	plaintextKey, err = generate(PrefixAdmin)
	if err != nil {
		return "", "", err
	}
	recoveryToken, err = generate(PrefixRecovery)
	if err != nil {
		return "", "", err
	}

	if err := writeRecoveryToken(dataDir, recoveryToken); err != nil {
		return "", "", err
	}

	if _, err := m.store.GenerateAdminKey(ctx, hashSecret(plaintextKey), hashSecret(recoveryToken)); err != nil {
		return "", "", apierr.Internal(err)
	}
	return plaintextKey, recoveryToken, nil
}

// RecoverAdminKey implements spec.md §4.8 recoverAdminKey: verifies the
// recovery token against the active row and issues a new admin key while
// preserving the row's id.
func (m *Manager) RecoverAdminKey(ctx context.Context, recoveryToken, sourceIP string) (string, error) {
	active, err := m.store.GetActiveAdminKey(ctx)
	if err != nil {
		return "", apierr.New(apierr.CodeNotFound, "no active admin key to recover")
	}
	if !verifySecret(recoveryToken, active.RecoveryTokenHash) {
		return "", apierr.New(apierr.CodeInvalidCredentials, "invalid recovery token")
	}

	newKey, err := generate(PrefixAdmin)
	if err != nil {
		return "", err
	}
	if _, err := m.store.RecoverAdminKey(ctx, hashSecret(newKey)); err != nil {
		return "", apierr.Internal(err)
	}
	return newKey, nil
}

// RotateAdminKey implements spec.md §4.8 rotateAdminKey: verifies both
// current secrets, then replaces both.
func (m *Manager) RotateAdminKey(ctx context.Context, dataDir, adminKey, recoveryToken string) (newKey, newRecovery string, err error) {
	active, err := m.store.GetActiveAdminKey(ctx)
	if err != nil {
		return "", "", apierr.New(apierr.CodeNotFound, "no active admin key to rotate")
	}
	if !verifySecret(adminKey, active.KeyHash) || !verifySecret(recoveryToken, active.RecoveryTokenHash) {
		return "", "", apierr.New(apierr.CodeInvalidCredentials, "invalid admin key or recovery token")
	}

	newKey, err = generate(PrefixAdmin)
	if err != nil {
		return "", "", err
	}
	newRecovery, err = generate(PrefixRecovery)
	if err != nil {
		return "", "", err
	}
	if err := writeRecoveryToken(dataDir, newRecovery); err != nil {
		return "", "", err
	}
	if _, err := m.store.RotateAdminKey(ctx, hashSecret(newKey), hashSecret(newRecovery)); err != nil {
		return "", "", apierr.Internal(err)
	}
	return newKey, newRecovery, nil
}

// FactoryResetAdminKey implements spec.md §4.8 factoryResetAdminKey.
func (m *Manager) FactoryResetAdminKey(ctx context.Context, dataDir string) (newKey, newRecovery string, err error) {
	newKey, err = generate(PrefixAdmin)
	if err != nil {
		return "", "", err
	}
	newRecovery, err = generate(PrefixRecovery)
	if err != nil {
		return "", "", err
	}
	if err := writeRecoveryToken(dataDir, newRecovery); err != nil {
		return "", "", err
	}
	if _, err := m.store.FactoryResetAdminKey(ctx, hashSecret(newKey), hashSecret(newRecovery)); err != nil {
		return "", "", apierr.Internal(err)
	}
	return newKey, newRecovery, nil
}

func writeRecoveryToken(dataDir, token string) error {
	path := filepath.Join(dataDir, ".recovery-token")
	if err := os.WriteFile(path, []byte(token), 0o400); err != nil {
		return apierr.Internal(fmt.Errorf("writing recovery token: %w", err))
	}
	return nil
}

// VerifyAdminKey checks a plaintext admin key against the active row.
func (m *Manager) VerifyAdminKey(ctx context.Context, adminKey string) error {
	if !validFormat(adminKey, PrefixAdmin) {
		return apierr.New(apierr.CodeInvalidFormat, "malformed admin key")
	}
	active, err := m.store.GetActiveAdminKey(ctx)
	if err != nil {
		_ = verifySecret(adminKey, m.dummyHashOnce())
		return apierr.New(apierr.CodeInvalidCredentials, "invalid admin key")
	}
	if !verifySecret(adminKey, active.KeyHash) {
		return apierr.New(apierr.CodeInvalidCredentials, "invalid admin key")
	}
	return nil
}

// RotateHMACSecret replaces the live session-signing secret. Sessions
// signed under the prior secret stop verifying immediately; callers must
// re-authenticate (spec.md §6: POST /v1/admin/rotate-hmac-secret).
func (m *Manager) RotateHMACSecret() error {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generating hmac secret: %w", err)
	}
	m.hmacMu.Lock()
	m.hmacSecret = secret
	m.hmacMu.Unlock()
	return nil
}

func (m *Manager) sign(sessionID, userID, clientID string, expiresAt time.Time) string {
	m.hmacMu.RLock()
	secret := m.hmacSecret
	m.hmacMu.RUnlock()

	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s|%s|%s|%d", sessionID, userID, clientID, expiresAt.Unix())
	return hex.EncodeToString(mac.Sum(nil))
}

// IssueSession creates and persists a new user session, signing it with
// the live HMAC secret.
func (m *Manager) IssueSession(ctx context.Context, userID, clientID string, ttl time.Duration) (store.UserSession, error) {
	now := time.Now().UTC()
	sess := store.UserSession{
		SessionID: newSessionID(),
		UserID:    userID,
		ClientID:  clientID,
		Status:    store.SessionActive,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	sess.HMACSignature = m.sign(sess.SessionID, sess.UserID, sess.ClientID, sess.ExpiresAt)
	return m.store.CreateSession(ctx, sess)
}

// VerifySession loads a session and checks its HMAC signature and
// expiry, returning apierr.CodeInvalidCredentials on any mismatch so the
// caller can't distinguish "not found" from "tampered" from "expired".
func (m *Manager) VerifySession(ctx context.Context, sessionID string) (store.UserSession, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return store.UserSession{}, apierr.New(apierr.CodeInvalidCredentials, "invalid session")
	}
	expected := m.sign(sess.SessionID, sess.UserID, sess.ClientID, sess.ExpiresAt)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(sess.HMACSignature)) != 1 {
		return store.UserSession{}, apierr.New(apierr.CodeInvalidCredentials, "invalid session")
	}
	if time.Now().UTC().After(sess.ExpiresAt) || sess.Status != store.SessionActive {
		return store.UserSession{}, apierr.New(apierr.CodeInvalidCredentials, "session expired")
	}
	return sess, nil
}

// RotateSessionID issues a new session id and signature for an existing
// session, invalidating the old one. Called on privilege elevation (e.g.
// login after an anonymous session) to defeat session fixation.
func (m *Manager) RotateSessionID(ctx context.Context, oldSessionID string) (store.UserSession, error) {
	sess, err := m.VerifySession(ctx, oldSessionID)
	if err != nil {
		return store.UserSession{}, err
	}
	sess.SessionID = newSessionID()
	sess.HMACSignature = m.sign(sess.SessionID, sess.UserID, sess.ClientID, sess.ExpiresAt)
	if err := m.store.RotateSessionID(ctx, oldSessionID, sess.SessionID, sess.HMACSignature); err != nil {
		return store.UserSession{}, apierr.Internal(err)
	}
	return sess, nil
}

func newSessionID() string {
	raw := make([]byte, 24)
	_, _ = rand.Read(raw)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// bearerClaims is the payload of an `Authorization: Bearer` token, the
// stateless alternative to the X-API-Key/X-Client-Id header pair spec.md
// §4.7 step 1 names.
type bearerClaims struct {
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// IssueBearerToken mints a signed JWT carrying userID/clientID, for callers
// that prefer a single bearer header over the two-header API-key form.
func (m *Manager) IssueBearerToken(userID, clientID string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := bearerClaims{
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	m.hmacMu.RLock()
	secret := m.hmacSecret
	m.hmacMu.RUnlock()

	signed, err := token.SignedString(secret)
	if err != nil {
		return "", apierr.Internal(fmt.Errorf("signing bearer token: %w", err))
	}
	return signed, nil
}

// AuthenticateBearerToken verifies a bearer token's signature and expiry
// and returns the SessionContext it carries. Rotating the HMAC secret
// invalidates every bearer token issued under the prior one, same as it
// does for HMAC-signed sessions.
func (m *Manager) AuthenticateBearerToken(ctx context.Context, tokenString string) (SessionContext, error) {
	if tokenString == "" {
		return SessionContext{}, apierr.New(apierr.CodeMissingCredentials, "missing Authorization header")
	}

	var claims bearerClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Method.Alg())
		}
		m.hmacMu.RLock()
		defer m.hmacMu.RUnlock()
		return m.hmacSecret, nil
	})
	if err != nil {
		return SessionContext{}, apierr.New(apierr.CodeInvalidCredentials, "invalid bearer token")
	}

	issuedAt := time.Time{}
	if claims.IssuedAt != nil {
		issuedAt = claims.IssuedAt.Time
	}
	expiresAt := time.Time{}
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	return SessionContext{
		ClientID:   claims.ClientID,
		UserID:     claims.Subject,
		AuthMethod: "bearer",
		IssuedAt:   issuedAt,
		ExpiresAt:  expiresAt,
	}, nil
}
