package storage_test

import (
	"context"
	"os"
	"testing"

	"scmauthd/storage"

	"github.com/stretchr/testify/require"
)

// These run against real servers only when the matching variable is set.

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("TEST_POSTGRES_URL not set")
	}

	backendCase{
		open: func(t *testing.T) storage.Backend {
			store, err := storage.NewPostgresStore(context.Background(), url)
			require.NoError(t, err)
			t.Cleanup(func() { store.Close() })
			return store
		},
	}.run(t)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}

	backendCase{
		open: func(t *testing.T) storage.Backend {
			store, err := storage.NewRedisStore(context.Background(), storage.RedisConfig{Addr: addr})
			require.NoError(t, err)
			t.Cleanup(func() { store.Close() })
			return store
		},
		ttlEviction: true,
	}.run(t)
}

func TestYDBStore(t *testing.T) {
	dsn := os.Getenv("TEST_YDB_DSN")
	if dsn == "" {
		t.Skip("TEST_YDB_DSN not set")
	}

	backendCase{
		open: func(t *testing.T) storage.Backend {
			store, err := storage.NewYDBStore(context.Background(), storage.YDBConfig{DSN: dsn})
			require.NoError(t, err)
			t.Cleanup(func() { store.Close() })
			return store
		},
	}.run(t)
}
