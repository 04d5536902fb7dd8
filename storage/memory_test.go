package storage_test

import (
	"context"
	"testing"

	"scmauthd/core"
	"scmauthd/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	backendCase{
		open: func(t *testing.T) storage.Backend {
			return storage.NewMemoryStore()
		},
	}.run(t)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	token := newToken(newUser(), core.ProviderGitHub, "ghp_copy")
	require.NoError(t, store.Put(ctx, token))
	token.Scopes[0] = "mutated"

	got, err := store.Get(ctx, token.UserID, core.ProviderGitHub)
	require.NoError(t, err)
	assert.Equal(t, "repo", got.Scopes[0])

	got.Value = "changed"
	again, err := store.Get(ctx, token.UserID, core.ProviderGitHub)
	require.NoError(t, err)
	assert.Equal(t, "ghp_copy", again.Value)
}

func TestMemoryStore_Unavailable(t *testing.T) {
	store := storage.NewMemoryStore()
	store.SetUnavailable(true)

	_, err := store.Get(context.Background(), newUser(), core.ProviderGitHub)
	assert.ErrorIs(t, err, core.ErrStoreUnavailable)

	err = store.Put(context.Background(), newToken(newUser(), core.ProviderGitHub, "ghp_x"))
	assert.ErrorIs(t, err, core.ErrStoreUnavailable)

	store.SetUnavailable(false)
	_, err = store.Get(context.Background(), newUser(), core.ProviderGitHub)
	assert.ErrorIs(t, err, core.ErrNotFound)
}
