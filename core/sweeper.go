package core

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunSweeper deletes expired tokens every interval until ctx is done.
func RunSweeper(ctx context.Context, store TokenStore, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := store.DeleteExpired(ctx, time.Now())
			if err != nil {
				logger.Warn("expired token sweep failed", zap.Error(err))
				continue
			}
			if count > 0 {
				logger.Info("swept expired tokens", zap.Int64("count", count))
			}
		}
	}
}
