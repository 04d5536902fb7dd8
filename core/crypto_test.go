package core_test

import (
	"testing"

	"scmauthd/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCryptoService_ShortKey(t *testing.T) {
	_, err := core.NewCryptoService("too-short")
	assert.ErrorIs(t, err, core.ErrInvalidEncryptionKey)
}

func TestCryptoService_EncryptDecrypt(t *testing.T) {
	crypto, err := core.NewCryptoService("0123456789abcdef-encryption-key")
	require.NoError(t, err)

	sealed, err := crypto.EncryptToken("ghp_secret")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "ghp_secret")

	again, err := crypto.EncryptToken("ghp_secret")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ per encryption")

	plain, err := crypto.DecryptToken(sealed)
	require.NoError(t, err)
	assert.Equal(t, "ghp_secret", plain)
}

func TestCryptoService_WrongKeyFails(t *testing.T) {
	a, err := core.NewCryptoService("0123456789abcdef-encryption-key")
	require.NoError(t, err)
	b, err := core.NewCryptoService("fedcba9876543210-encryption-key")
	require.NoError(t, err)

	sealed, err := a.EncryptToken("ghp_secret")
	require.NoError(t, err)

	_, err = b.DecryptToken(sealed)
	assert.Error(t, err)
}

func TestCryptoService_MalformedCiphertext(t *testing.T) {
	crypto, err := core.NewCryptoService("0123456789abcdef-encryption-key")
	require.NoError(t, err)

	_, err = crypto.DecryptToken("not base64!")
	assert.Error(t, err)

	_, err = crypto.DecryptToken("AAAA")
	assert.ErrorIs(t, err, core.ErrInvalidCiphertext)
}
