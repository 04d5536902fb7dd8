package core_test

import (
	"context"
	"testing"
	"time"

	"scmauthd/core"
	"scmauthd/providers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunSweeper_DeletesExpiredTokens(t *testing.T) {
	f := newResolverFixture(fastRetries())
	token := f.seed(t, "pat_expired", true)
	expired := time.Now().Add(-time.Minute).UTC()
	token.ExpiresAt = &expired
	require.NoError(t, f.store.Put(context.Background(), token))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		core.RunSweeper(ctx, f.store, 5*time.Millisecond, zap.NewNop())
		close(done)
	}()

	assert.Eventually(t, func() bool {
		_, err := f.store.Get(context.Background(), testUser, providers.ProviderMock)
		return err == core.ErrNotFound
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
