// Package vault is the C3 Credential Vault: per-user envelope encryption of
// downstream MCP credentials with atomic master-key rotation.
//
// No teacher precedent exists for this component (muster has no credential
// storage); built directly from spec.md §4.2 using golang.org/x/crypto/hkdf
// for subkey derivation. AES-GCM itself is stdlib crypto/aes+crypto/cipher:
// no pack repo wraps AEAD in a third-party library, so this one component is
// justified as stdlib (DESIGN.md).
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/hkdf"

	"ambassador/internal/store"
)

const hkdfInfo = "vault/v1"

// ErrAuthFailed is returned when decryption's AEAD tag check fails
// (tampered ciphertext or wrong key).
var ErrAuthFailed = errors.New("vault: authentication failed")

// Vault holds the live master key in memory and performs envelope
// encryption keyed per-user by HKDF(master, user_salt, "vault/v1").
type Vault struct {
	mu        sync.RWMutex
	masterKey []byte // 32 bytes
	dataDir   string
}

// New constructs a Vault with the given 32-byte master key.
func New(dataDir string, masterKey []byte) (*Vault, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("vault: master key must be 32 bytes, got %d", len(masterKey))
	}
	k := make([]byte, 32)
	copy(k, masterKey)
	return &Vault{masterKey: k, dataDir: dataDir}, nil
}

func (v *Vault) subkey(userSalt []byte) ([]byte, error) {
	v.mu.RLock()
	master := v.masterKey
	v.mu.RUnlock()

	r := hkdf.New(sha256.New, master, userSalt, []byte(hkdfInfo))
	sub := make([]byte, 32)
	if _, err := io.ReadFull(r, sub); err != nil {
		return nil, fmt.Errorf("deriving subkey: %w", err)
	}
	return sub, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under the per-user subkey derived from userSalt,
// returning ciphertext and the fresh 12-byte IV used.
func (v *Vault) Encrypt(userSalt, plaintext []byte) (ciphertext, iv []byte, err error) {
	key, err := v.subkey(userSalt)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	iv = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("generating iv: %w", err)
	}
	ciphertext = gcm.Seal(nil, iv, plaintext, nil)
	return ciphertext, iv, nil
}

// Decrypt opens ciphertext using the per-user subkey derived from userSalt.
func (v *Vault) Decrypt(userSalt, ciphertext, iv []byte) ([]byte, error) {
	key, err := v.subkey(userSalt)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// ReEncrypt decrypts with the live master key and re-encrypts the same
// plaintext under newMasterKey's derived subkey, without the caller ever
// seeing the plaintext.
func (v *Vault) ReEncrypt(userSalt, oldCiphertext, oldIV, newMasterKey []byte) (ciphertext, iv []byte, err error) {
	plaintext, err := v.Decrypt(userSalt, oldCiphertext, oldIV)
	if err != nil {
		return nil, nil, err
	}
	defer zero(plaintext)

	r := hkdf.New(sha256.New, newMasterKey, userSalt, []byte(hkdfInfo))
	newKey := make([]byte, 32)
	if _, err := io.ReadFull(r, newKey); err != nil {
		return nil, nil, fmt.Errorf("deriving new subkey: %w", err)
	}
	defer zero(newKey)

	gcm, err := newGCM(newKey)
	if err != nil {
		return nil, nil, err
	}
	iv = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("generating iv: %w", err)
	}
	ciphertext = gcm.Seal(nil, iv, plaintext, nil)
	return ciphertext, iv, nil
}

// UpdateMasterKey swaps the live master key.
func (v *Vault) UpdateMasterKey(newMasterKey []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	zero(v.masterKey)
	v.masterKey = make([]byte, len(newMasterKey))
	copy(v.masterKey, newMasterKey)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// RotateMasterKey implements spec.md §4.2's atomic rotation protocol:
// write the new key to a 0600 tmp file, re-encrypt every credential row
// inside one DB transaction, rename the tmp file into place on commit, then
// swap the live key. Any failure before the rename leaves the old key and
// ciphertexts untouched.
func (v *Vault) RotateMasterKey(ctx context.Context, st *store.Store, newMasterKey []byte) error {
	if len(newMasterKey) != 32 {
		return fmt.Errorf("vault: new master key must be 32 bytes, got %d", len(newMasterKey))
	}
	tmpPath := filepath.Join(v.dataDir, "credential_master_key.tmp")
	finalPath := filepath.Join(v.dataDir, "credential_master_key")

	if err := os.WriteFile(tmpPath, []byte(hex.EncodeToString(newMasterKey)), 0600); err != nil {
		return fmt.Errorf("writing tmp master key: %w", err)
	}
	cleanupTmp := true
	defer func() {
		if cleanupTmp {
			_ = os.Remove(tmpPath)
		}
	}()

	userSalts := map[string][]byte{}

	err := st.ReencryptCredentialTx(ctx, func(tx *sql.Tx, creds []store.UserMcpCredential) error {
		for _, c := range creds {
			salt, ok := userSalts[c.UserID]
			if !ok {
				var vaultSalt []byte
				if err := tx.QueryRowContext(ctx, `SELECT vault_salt FROM users WHERE user_id = ?`, c.UserID).Scan(&vaultSalt); err != nil {
					return fmt.Errorf("loading vault salt for user %s: %w", c.UserID, err)
				}
				salt = vaultSalt
				userSalts[c.UserID] = salt
			}

			ct, iv, err := v.ReEncrypt(salt, c.EncryptedCredentials, c.EncryptionIV, newMasterKey)
			if err != nil {
				return fmt.Errorf("re-encrypting credential %s: %w", c.CredentialID, err)
			}
			if _, err := tx.ExecContext(ctx, `UPDATE user_mcp_credentials SET encrypted_credentials = ?, encryption_iv = ? WHERE credential_id = ?`,
				ct, iv, c.CredentialID); err != nil {
				return fmt.Errorf("persisting re-encrypted credential %s: %w", c.CredentialID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("renaming master key into place: %w", err)
	}
	cleanupTmp = false

	v.UpdateMasterKey(newMasterKey)
	zero(newMasterKey)
	return nil
}
