package vault

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainmeter/chainmeter/internal/listings"
)

var testKey = make([]byte, 32)

func init() {
	for i := range testKey {
		testKey[i] = byte(i)
	}
}

func seedListing(t *testing.T, store listings.Store, id, credential string) {
	t.Helper()
	var cipher []byte
	if credential != "" {
		var err error
		cipher, err = Encrypt(testKey, credential)
		require.NoError(t, err)
	}
	now := time.Now().UTC()
	require.NoError(t, store.Create(context.Background(), &listings.Listing{
		ID:                  id,
		SellerAddr:          "0xseller",
		Name:                "test api",
		BaseURL:             "https://api.example.com",
		PricePerCall:        "0.010000",
		EncryptedCredential: cipher,
		Active:              true,
		CreatedAt:           now,
		UpdatedAt:           now,
	}))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	sealed, err := Encrypt(testKey, "sk-upstream-secret")
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "sk-upstream-secret")

	plain, err := Decrypt(testKey, sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-upstream-secret", plain)
}

func TestDecrypt_WrongKey(t *testing.T) {
	sealed, err := Encrypt(testKey, "secret")
	require.NoError(t, err)

	wrongKey := make([]byte, 32)
	copy(wrongKey, testKey)
	wrongKey[0] ^= 0xFF

	_, err = Decrypt(wrongKey, sealed)
	assert.Error(t, err)
}

func TestDecrypt_TruncatedCiphertext(t *testing.T) {
	_, err := Decrypt(testKey, []byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrCredentialUnavailable)
}

func TestNew_RejectsShortKey(t *testing.T) {
	_, err := New([]byte("short"), listings.NewMemoryStore())
	assert.ErrorIs(t, err, ErrInvalidMasterKey)
}

func TestVault_Resolve(t *testing.T) {
	store := listings.NewMemoryStore()
	seedListing(t, store, "lst_1", "upstream-key-123")

	v, err := New(testKey, store)
	require.NoError(t, err)

	cred, err := v.Resolve(context.Background(), "lst_1")
	require.NoError(t, err)
	assert.Equal(t, "upstream-key-123", cred)

	// Second resolve comes from cache.
	cred, err = v.Resolve(context.Background(), "lst_1")
	require.NoError(t, err)
	assert.Equal(t, "upstream-key-123", cred)
}

func TestVault_ResolveMissingCredential(t *testing.T) {
	store := listings.NewMemoryStore()
	seedListing(t, store, "lst_bare", "")

	v, err := New(testKey, store)
	require.NoError(t, err)

	_, err = v.Resolve(context.Background(), "lst_bare")
	assert.ErrorIs(t, err, ErrCredentialUnavailable)
}

func TestVault_ResolveUnknownListing(t *testing.T) {
	v, err := New(testKey, listings.NewMemoryStore())
	require.NoError(t, err)

	_, err = v.Resolve(context.Background(), "lst_ghost")
	assert.ErrorIs(t, err, listings.ErrListingNotFound)
}

// countingStore wraps a listings store and counts Get calls so the test can
// observe how many decrypt paths actually ran.
type countingStore struct {
	listings.Store
	gets atomic.Int64
}

func (c *countingStore) Get(ctx context.Context, id string) (*listings.Listing, error) {
	c.gets.Add(1)
	return c.Store.Get(ctx, id)
}

func TestVault_ConcurrentResolveSingleDecrypt(t *testing.T) {
	inner := listings.NewMemoryStore()
	seedListing(t, inner, "lst_1", "upstream-key-123")
	store := &countingStore{Store: inner}

	v, err := New(testKey, store)
	require.NoError(t, err)

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := v.Resolve(context.Background(), "lst_1")
			assert.NoError(t, err)
			assert.Equal(t, "upstream-key-123", cred)
		}()
	}
	wg.Wait()

	// Double-checked locking: exactly one loader ran.
	assert.Equal(t, int64(1), store.gets.Load())
}

func TestVault_ForgetForcesReload(t *testing.T) {
	inner := listings.NewMemoryStore()
	seedListing(t, inner, "lst_1", "old-key")
	store := &countingStore{Store: inner}

	v, err := New(testKey, store)
	require.NoError(t, err)

	_, err = v.Resolve(context.Background(), "lst_1")
	require.NoError(t, err)

	// Rotate the credential and drop the cache entry.
	rotated, err := Encrypt(testKey, "new-key")
	require.NoError(t, err)
	l, err := inner.Get(context.Background(), "lst_1")
	require.NoError(t, err)
	l.EncryptedCredential = rotated
	require.NoError(t, inner.Update(context.Background(), l))

	v.Forget("lst_1")

	cred, err := v.Resolve(context.Background(), "lst_1")
	require.NoError(t, err)
	assert.Equal(t, "new-key", cred)
}
