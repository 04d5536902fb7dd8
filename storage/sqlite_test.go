package storage_test

import (
	"context"
	"path/filepath"
	"testing"

	"scmauthd/core"
	"scmauthd/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T) *storage.SQLStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "tokens.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore(t *testing.T) {
	backendCase{
		open: func(t *testing.T) storage.Backend {
			return openSQLite(t)
		},
	}.run(t)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.db")
	ctx := context.Background()

	store, err := storage.NewSQLiteStore(path)
	require.NoError(t, err)
	token := newToken(newUser(), core.ProviderGitHub, "ghp_persisted")
	require.NoError(t, store.Put(ctx, token))
	require.NoError(t, store.Close())

	reopened, err := storage.NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, token.UserID, core.ProviderGitHub)
	require.NoError(t, err)
	assert.Equal(t, "ghp_persisted", got.Value)
}

func TestSQLiteStore_ClosedIsUnavailable(t *testing.T) {
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "tokens.db"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = store.Get(context.Background(), newUser(), core.ProviderGitHub)
	assert.ErrorIs(t, err, core.ErrStoreUnavailable)
}
