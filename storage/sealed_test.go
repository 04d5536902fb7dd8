package storage_test

import (
	"context"
	"testing"

	"scmauthd/core"
	"scmauthd/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCrypto(t *testing.T, secret string) *core.CryptoService {
	t.Helper()
	crypto, err := core.NewCryptoService(secret)
	require.NoError(t, err)
	return crypto
}

func TestSealedStore(t *testing.T) {
	backendCase{
		open: func(t *testing.T) storage.Backend {
			return storage.NewSealedStore(storage.NewMemoryStore(), newTestCrypto(t, "sealed-store-test-key"))
		},
	}.run(t)
}

func TestSealedStore_ValuesAreEncryptedAtRest(t *testing.T) {
	inner := storage.NewMemoryStore()
	sealed := storage.NewSealedStore(inner, newTestCrypto(t, "sealed-store-test-key"))
	ctx := context.Background()

	token := newToken(newUser(), core.ProviderGitHub, "ghp_plaintext")
	require.NoError(t, sealed.Put(ctx, token))
	assert.Equal(t, "ghp_plaintext", token.Value, "caller's token must not be modified")

	raw, err := inner.Get(ctx, token.UserID, core.ProviderGitHub)
	require.NoError(t, err)
	assert.NotEqual(t, "ghp_plaintext", raw.Value)

	require.NoError(t, sealed.PutGrant(ctx, &core.Grant{
		UserID:      token.UserID,
		Provider:    core.ProviderGitHub,
		AccessToken: "gho_access",
	}))
	rawGrant, err := inner.GetGrant(ctx, token.UserID, core.ProviderGitHub)
	require.NoError(t, err)
	assert.NotEqual(t, "gho_access", rawGrant.AccessToken)
	assert.Empty(t, rawGrant.RefreshToken)
}

func TestSealedStore_WrongKeyIsUnavailable(t *testing.T) {
	inner := storage.NewMemoryStore()
	ctx := context.Background()

	token := newToken(newUser(), core.ProviderGitHub, "ghp_plaintext")
	require.NoError(t, storage.NewSealedStore(inner, newTestCrypto(t, "sealed-store-test-key")).Put(ctx, token))

	other := storage.NewSealedStore(inner, newTestCrypto(t, "a-different-sealing-key"))
	_, err := other.Get(ctx, token.UserID, core.ProviderGitHub)
	assert.ErrorIs(t, err, core.ErrStoreUnavailable)
}
