// Package vault holds decrypted upstream credentials in memory.
//
// Listing credentials are stored AES-256-GCM encrypted at rest. The vault
// decrypts lazily on first use and caches the plaintext for the process
// lifetime. Plaintext is never logged and never serialized.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/chainmeter/chainmeter/internal/listings"
	"github.com/chainmeter/chainmeter/internal/metrics"
)

var (
	// ErrCredentialUnavailable is returned when a listing has no stored
	// credential or its ciphertext cannot be decrypted.
	ErrCredentialUnavailable = errors.New("vault: credential unavailable")

	// ErrInvalidMasterKey is returned when the master key is not 32 bytes.
	ErrInvalidMasterKey = errors.New("vault: master key must be 32 bytes")
)

// Vault resolves listing IDs to decrypted upstream credentials.
type Vault struct {
	masterKey []byte
	store     listings.Store

	mu    sync.RWMutex
	cache map[string]string // listingID → plaintext credential
}

// New creates a vault with the given 32-byte master key.
func New(masterKey []byte, store listings.Store) (*Vault, error) {
	if len(masterKey) != 32 {
		return nil, ErrInvalidMasterKey
	}
	key := make([]byte, 32)
	copy(key, masterKey)
	return &Vault{
		masterKey: key,
		store:     store,
		cache:     make(map[string]string),
	}, nil
}

// Resolve returns the decrypted upstream credential for a listing.
// Concurrent calls for the same listing perform at most one decrypt.
func (v *Vault) Resolve(ctx context.Context, listingID string) (string, error) {
	v.mu.RLock()
	cred, ok := v.cache[listingID]
	v.mu.RUnlock()
	if ok {
		metrics.VaultDecryptsTotal.WithLabelValues("cache_hit").Inc()
		return cred, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	// Another goroutine may have decrypted while we waited for the lock.
	if cred, ok := v.cache[listingID]; ok {
		metrics.VaultDecryptsTotal.WithLabelValues("cache_hit").Inc()
		return cred, nil
	}

	listing, err := v.store.Get(ctx, listingID)
	if err != nil {
		metrics.VaultDecryptsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("vault: load listing: %w", err)
	}
	if len(listing.EncryptedCredential) == 0 {
		metrics.VaultDecryptsTotal.WithLabelValues("missing").Inc()
		return "", ErrCredentialUnavailable
	}

	plaintext, err := Decrypt(v.masterKey, listing.EncryptedCredential)
	if err != nil {
		metrics.VaultDecryptsTotal.WithLabelValues("error").Inc()
		return "", ErrCredentialUnavailable
	}

	v.cache[listingID] = plaintext
	metrics.VaultDecryptsTotal.WithLabelValues("decrypted").Inc()
	return plaintext, nil
}

// Forget drops a cached credential, forcing re-decryption on next Resolve.
// Used when a listing's credential is rotated.
func (v *Vault) Forget(listingID string) {
	v.mu.Lock()
	delete(v.cache, listingID)
	v.mu.Unlock()
}

// Encrypt seals a plaintext credential with AES-256-GCM. The nonce is
// prepended to the ciphertext.
func Encrypt(masterKey []byte, plaintext string) ([]byte, error) {
	if len(masterKey) != 32 {
		return nil, ErrInvalidMasterKey
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt opens an AES-256-GCM sealed credential produced by Encrypt.
func Decrypt(masterKey, ciphertext []byte) (string, error) {
	if len(masterKey) != 32 {
		return "", ErrInvalidMasterKey
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return "", ErrCredentialUnavailable
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
