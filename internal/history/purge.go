package history

import (
	"context"
	"log/slog"
	"time"
)

const purgeWorkerInterval = time.Hour

// StartPurgeWorker runs a background goroutine that periodically removes
// archived exchanges older than the retention window.
func StartPurgeWorker(ctx context.Context, repo Repository, retention time.Duration) {
	ticker := time.NewTicker(purgeWorkerInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("History purge worker started", "interval", purgeWorkerInterval, "retention", retention)

		for {
			select {
			case <-ticker.C:
				purgeOnce(ctx, repo, retention)
			case <-ctx.Done():
				slog.Info("History purge worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func purgeOnce(ctx context.Context, repo Repository, retention time.Duration) {
	deleted, err := repo.PurgeOlderThan(ctx, retention)
	if err != nil {
		slog.Error("History purge failed", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("History purge removed expired exchanges", "count", deleted)
	}
}
