package keys

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ambassador/internal/apierr"
	"ambassador/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	m, err := New(st)
	require.NoError(t, err)
	return m, st
}

func TestIssueClientKey_RoundTripsThroughVerifySecret(t *testing.T) {
	plaintext, prefix, hash, err := IssueClientKey()
	require.NoError(t, err)
	assert.True(t, validFormat(plaintext, PrefixClient))
	assert.True(t, verifySecret(plaintext, hash))
	assert.False(t, verifySecret(plaintext+"x", hash))
	assert.NotEmpty(t, prefix)
}

func TestHashPassword_RoundTripsThroughVerifyPassword(t *testing.T) {
	hash := HashPassword("correct-horse-battery-staple")
	assert.True(t, VerifyPassword("correct-horse-battery-staple", hash))
	assert.False(t, VerifyPassword("wrong-password", hash))
}

func TestAuthenticateAPIKey_RejectsMissingCredentials(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.AuthenticateAPIKey(context.Background(), "", "")
	require.Error(t, err)
	apiErr, _ := apierr.As(err)
	assert.Equal(t, apierr.CodeMissingCredentials, apiErr.Code)
}

func TestAuthenticateAPIKey_RejectsMalformedBeforeLookup(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.AuthenticateAPIKey(context.Background(), "not-a-real-key", "not-a-uuid")
	require.Error(t, err)
	apiErr, _ := apierr.As(err)
	assert.Equal(t, apierr.CodeInvalidFormat, apiErr.Code)
}

func TestAuthenticateAPIKey_UnknownClientReturnsInvalidCredentials(t *testing.T) {
	m, _ := newTestManager(t)
	plaintext, _, _, err := IssueClientKey()
	require.NoError(t, err)

	_, err = m.AuthenticateAPIKey(context.Background(), plaintext, "11111111-1111-4111-8111-111111111111")
	require.Error(t, err)
	apiErr, _ := apierr.As(err)
	assert.Equal(t, apierr.CodeInvalidCredentials, apiErr.Code)
}

func TestAuthenticateAPIKey_SuspendedClientRejected(t *testing.T) {
	m, st := newTestManager(t)
	plaintext, prefix, hash, err := IssueClientKey()
	require.NoError(t, err)

	user, err := st.CreateUser(context.Background(), store.User{Username: "alice"})
	require.NoError(t, err)
	client, err := st.CreateClient(context.Background(), store.Client{
		ClientName: "c1", UserID: user.UserID, KeyPrefix: prefix, KeyHash: hash, Status: store.ClientSuspended,
	})
	require.NoError(t, err)

	_, err = m.AuthenticateAPIKey(context.Background(), plaintext, client.ClientID)
	require.Error(t, err)
	apiErr, _ := apierr.As(err)
	assert.Equal(t, apierr.CodeClientSuspended, apiErr.Code)
}

func TestAuthenticateAPIKey_ValidKeySucceeds(t *testing.T) {
	m, st := newTestManager(t)
	plaintext, prefix, hash, err := IssueClientKey()
	require.NoError(t, err)

	user, err := st.CreateUser(context.Background(), store.User{Username: "alice"})
	require.NoError(t, err)
	client, err := st.CreateClient(context.Background(), store.Client{
		ClientName: "c1", UserID: user.UserID, KeyPrefix: prefix, KeyHash: hash,
	})
	require.NoError(t, err)

	session, err := m.AuthenticateAPIKey(context.Background(), plaintext, client.ClientID)
	require.NoError(t, err)
	assert.Equal(t, client.ClientID, session.ClientID)
	assert.Equal(t, user.UserID, session.UserID)
	assert.Equal(t, "api_key", session.AuthMethod)
	assert.True(t, session.ExpiresAt.After(session.IssuedAt))
}

func TestAdminKeyLifecycle_GenerateRecoverRotateFactoryReset(t *testing.T) {
	m, _ := newTestManager(t)
	dir := t.TempDir()

	adminKey, recoveryToken, err := m.GenerateAdminKey(context.Background(), dir)
	require.NoError(t, err)
	require.NoError(t, m.VerifyAdminKey(context.Background(), adminKey))

	_, _, err = m.GenerateAdminKey(context.Background(), dir)
	require.Error(t, err, "a second active admin key must be rejected")

	recoveredKey, err := m.RecoverAdminKey(context.Background(), recoveryToken, "127.0.0.1")
	require.NoError(t, err)
	require.NoError(t, m.VerifyAdminKey(context.Background(), recoveredKey))
	assert.Error(t, m.VerifyAdminKey(context.Background(), adminKey), "the pre-recovery key must stop working")

	newAdmin, newRecovery, err := m.RotateAdminKey(context.Background(), dir, recoveredKey, recoveryToken)
	require.NoError(t, err)
	require.NoError(t, m.VerifyAdminKey(context.Background(), newAdmin))

	resetKey, _, err := m.FactoryResetAdminKey(context.Background(), dir)
	require.NoError(t, err)
	require.NoError(t, m.VerifyAdminKey(context.Background(), resetKey))
	assert.Error(t, m.VerifyAdminKey(context.Background(), newAdmin), "prior admin key must be deactivated after factory reset")
	_ = newRecovery
}

func TestSession_IssueVerifyRotate(t *testing.T) {
	m, st := newTestManager(t)
	user, err := st.CreateUser(context.Background(), store.User{Username: "bob"})
	require.NoError(t, err)

	sess, err := m.IssueSession(context.Background(), user.UserID, "", time.Hour)
	require.NoError(t, err)

	verified, err := m.VerifySession(context.Background(), sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, user.UserID, verified.UserID)

	rotated, err := m.RotateSessionID(context.Background(), sess.SessionID)
	require.NoError(t, err)
	assert.NotEqual(t, sess.SessionID, rotated.SessionID)

	_, err = m.VerifySession(context.Background(), sess.SessionID)
	assert.Error(t, err, "old session id must stop verifying after rotation")

	_, err = m.VerifySession(context.Background(), rotated.SessionID)
	assert.NoError(t, err)
}

func TestSession_RotateHMACSecretInvalidatesExistingSessions(t *testing.T) {
	m, st := newTestManager(t)
	user, err := st.CreateUser(context.Background(), store.User{Username: "carol"})
	require.NoError(t, err)

	sess, err := m.IssueSession(context.Background(), user.UserID, "", time.Hour)
	require.NoError(t, err)

	require.NoError(t, m.RotateHMACSecret())

	_, err = m.VerifySession(context.Background(), sess.SessionID)
	assert.Error(t, err)
}

func TestSession_ExpiredSessionRejected(t *testing.T) {
	m, st := newTestManager(t)
	user, err := st.CreateUser(context.Background(), store.User{Username: "dave"})
	require.NoError(t, err)

	sess, err := m.IssueSession(context.Background(), user.UserID, "", -time.Minute)
	require.NoError(t, err)

	_, err = m.VerifySession(context.Background(), sess.SessionID)
	assert.Error(t, err)
}

func TestBearerToken_IssueAndAuthenticateRoundTrips(t *testing.T) {
	m, _ := newTestManager(t)

	token, err := m.IssueBearerToken("user-1", "client-1", time.Hour)
	require.NoError(t, err)

	sess, err := m.AuthenticateBearerToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", sess.UserID)
	assert.Equal(t, "client-1", sess.ClientID)
	assert.Equal(t, "bearer", sess.AuthMethod)
}

func TestBearerToken_RejectsMissingToken(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.AuthenticateBearerToken(context.Background(), "")
	require.Error(t, err)
	apiErr, _ := apierr.As(err)
	assert.Equal(t, apierr.CodeMissingCredentials, apiErr.Code)
}

func TestBearerToken_RejectsTokenSignedUnderRotatedSecret(t *testing.T) {
	m, _ := newTestManager(t)
	token, err := m.IssueBearerToken("user-1", "client-1", time.Hour)
	require.NoError(t, err)

	require.NoError(t, m.RotateHMACSecret())

	_, err = m.AuthenticateBearerToken(context.Background(), token)
	assert.Error(t, err)
}

func TestBearerToken_RejectsExpiredToken(t *testing.T) {
	m, _ := newTestManager(t)
	token, err := m.IssueBearerToken("user-1", "client-1", -time.Minute)
	require.NoError(t, err)

	_, err = m.AuthenticateBearerToken(context.Background(), token)
	assert.Error(t, err)
}

func TestIsUUIDv4(t *testing.T) {
	assert.True(t, isUUIDv4("11111111-1111-4111-8111-111111111111"))
	assert.False(t, isUUIDv4("not-a-uuid"))
	assert.False(t, isUUIDv4("11111111-1111-5111-8111-111111111111"), "version nibble must be 4")
}
