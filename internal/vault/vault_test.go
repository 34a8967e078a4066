package vault

import (
	"bytes"
	"context"
	"testing"

	"ambassador/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) (*Vault, string) {
	t.Helper()
	dir := t.TempDir()
	key := bytes.Repeat([]byte{0x42}, 32)
	v, err := New(dir, key)
	require.NoError(t, err)
	return v, dir
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	v, _ := newTestVault(t)
	salt := bytes.Repeat([]byte{0x01}, 32)
	plaintext := []byte(`{"api_key":"secret"}`)

	ct, iv, err := v.Encrypt(salt, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ct)

	got, err := v.Decrypt(salt, ct, iv)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDecrypt_WrongSaltFails(t *testing.T) {
	v, _ := newTestVault(t)
	salt1 := bytes.Repeat([]byte{0x01}, 32)
	salt2 := bytes.Repeat([]byte{0x02}, 32)

	ct, iv, err := v.Encrypt(salt1, []byte("data"))
	require.NoError(t, err)

	_, err = v.Decrypt(salt2, ct, iv)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestReEncrypt(t *testing.T) {
	v, _ := newTestVault(t)
	salt := bytes.Repeat([]byte{0x03}, 32)
	plaintext := []byte("rotate me")

	ct, iv, err := v.Encrypt(salt, plaintext)
	require.NoError(t, err)

	newKey := bytes.Repeat([]byte{0x99}, 32)
	newCT, newIV, err := v.ReEncrypt(salt, ct, iv, newKey)
	require.NoError(t, err)

	v.UpdateMasterKey(newKey)
	got, err := v.Decrypt(salt, newCT, newIV)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestRotateMasterKey(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	u, err := st.CreateUser(ctx, store.User{Username: "dave", PasswordHash: "h", VaultSalt: bytes.Repeat([]byte{0x07}, 32)})
	require.NoError(t, err)

	mcp, err := st.CreateMcpCatalogEntry(ctx, store.McpCatalogEntry{Name: "demo", TransportType: store.TransportStdio, Config: []byte(`{}`)})
	require.NoError(t, err)

	plaintext := []byte(`{"token":"abc"}`)
	ct, iv, err := v.Encrypt(u.VaultSalt, plaintext)
	require.NoError(t, err)

	_, err = st.UpsertUserMcpCredential(ctx, store.UserMcpCredential{UserID: u.UserID, McpID: mcp.McpID, EncryptedCredentials: ct, EncryptionIV: iv})
	require.NoError(t, err)

	newKey := bytes.Repeat([]byte{0xAB}, 32)
	newKeyCopy := append([]byte(nil), newKey...)
	require.NoError(t, v.RotateMasterKey(ctx, st, newKeyCopy))

	stored, err := st.GetUserMcpCredential(ctx, u.UserID, mcp.McpID)
	require.NoError(t, err)

	got, err := v.Decrypt(u.VaultSalt, stored.EncryptedCredentials, stored.EncryptionIV)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}
