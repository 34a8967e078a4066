package aaa

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ambassador/internal/apierr"
	"ambassador/internal/audit"
	"ambassador/internal/authz"
	"ambassador/internal/killswitch"
	"ambassador/internal/keys"
	"ambassador/internal/router"
	"ambassador/internal/sharedpool"
	"ambassador/internal/store"
	"ambassador/internal/userpool"
)

type fakeSink struct{ events []store.AuditEvent }

func (f *fakeSink) AppendAuditEvents(ctx context.Context, events []store.AuditEvent) error {
	f.events = append(f.events, events...)
	return nil
}

func newTestPipeline(t *testing.T) (*Pipeline, *store.Store, *fakeSink) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	keysMgr, err := keys.New(st)
	require.NoError(t, err)

	authzEngine := authz.New(st)
	ks := killswitch.New()
	shared := sharedpool.New()
	perUser := userpool.New(userpool.Config{})
	t.Cleanup(func() { perUser.Shutdown(context.Background()) })
	r := router.New(st, shared, perUser, ks)

	sink := &fakeSink{}
	buf, err := audit.New(audit.Config{Size: 64, FlushInterval: 0}, sink)
	require.NoError(t, err)

	return New(keysMgr, authzEngine, r, st, buf), st, sink
}

func setupClient(t *testing.T, st *store.Store, allowed []string) (plaintext, clientID string) {
	t.Helper()
	ctx := context.Background()

	profile, err := st.CreateToolProfile(ctx, store.ToolProfile{Name: "p", AllowedTools: allowed})
	require.NoError(t, err)

	user, err := st.CreateUser(ctx, store.User{Username: "alice"})
	require.NoError(t, err)

	plaintext, prefix, hash, err := keys.IssueClientKey()
	require.NoError(t, err)

	client, err := st.CreateClient(ctx, store.Client{
		ClientName: "c1", UserID: user.UserID, ProfileID: profile.ProfileID, KeyPrefix: prefix, KeyHash: hash,
	})
	require.NoError(t, err)
	return plaintext, client.ClientID
}

func TestInvoke_FailsClosedOnAuthenticationFailure(t *testing.T) {
	p, _, sink := newTestPipeline(t)

	_, err := p.Invoke(context.Background(), AuthInputs{APIKey: "bogus", ClientID: "11111111-1111-4111-8111-111111111111"}, "search", nil, nil)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeInvalidFormat, apiErr.Code)

	require.NoError(t, p.audit.Flush(context.Background()))
	require.NotEmpty(t, sink.events)
	assert.Equal(t, "auth_failure", sink.events[0].EventType)
}

func TestInvoke_DeniesWhenToolNotInProfileAllowList(t *testing.T) {
	p, st, sink := newTestPipeline(t)
	plaintext, clientID := setupClient(t, st, []string{"read_*"})

	_, err := p.Invoke(context.Background(), AuthInputs{APIKey: plaintext, ClientID: clientID}, "delete_everything", nil, nil)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeNotAuthorized, apiErr.Code)

	require.NoError(t, p.audit.Flush(context.Background()))
	var sawDeny bool
	for _, e := range sink.events {
		if e.EventType == "authz_deny" {
			sawDeny = true
		}
	}
	assert.True(t, sawDeny)
}

func TestInvoke_ToolNotFoundAfterAuthorizePermitsButNoSubscriptionExists(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	plaintext, clientID := setupClient(t, st, []string{"*"})

	// Profile permits "search" but the client has no subscription granting
	// it, so the router (C8) itself reports tool_not_found after authz (C13)
	// already permitted — the two components enforce independent scopes.
	_, err := p.Invoke(context.Background(), AuthInputs{APIKey: plaintext, ClientID: clientID}, "search", nil, nil)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeToolNotFound, apiErr.Code)
}

func TestInvoke_ValidationFailureBlocksRouterDispatch(t *testing.T) {
	p, st, sink := newTestPipeline(t)
	plaintext, clientID := setupClient(t, st, []string{"*"})

	schema := &Schema{InputSchema: map[string]interface{}{
		"type":     "object",
		"required": []string{"path"},
	}}

	_, err := p.Invoke(context.Background(), AuthInputs{APIKey: plaintext, ClientID: clientID}, "search", map[string]interface{}{}, schema)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeMissingRequiredArgument, apiErr.Code)

	require.NoError(t, p.audit.Flush(context.Background()))
	for _, e := range sink.events {
		assert.NotEqual(t, "tool_invocation", e.EventType, "invoke stage must not run after a validation failure")
	}
}

func TestInvoke_BearerTokenAuthenticatesSameAsAPIKey(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	_, clientID := setupClient(t, st, []string{"*"})

	client, err := st.GetClient(context.Background(), clientID)
	require.NoError(t, err)
	token, err := p.keysMgr.IssueBearerToken(client.UserID, clientID, time.Hour)
	require.NoError(t, err)

	_, err = p.Invoke(context.Background(), AuthInputs{BearerToken: token}, "search", nil, nil)
	// No subscription exists, so this still fails at the router stage, but
	// it must get past authenticate/authorize first.
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeToolNotFound, apiErr.Code)
}
