package media

import (
	"context"
	"log/slog"
	"time"
)

// StartCleanupTicker runs a background goroutine that periodically removes
// fragment files older than maxAge that no live session references. These
// are left behind when the process stops between writing a new fragment
// and deleting the one it replaced. The goroutine stops when the provided
// context is cancelled.
func StartCleanupTicker(ctx context.Context, store *FragmentStore, interval, maxAge time.Duration, inUse func(id string) bool) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := store.Sweep(maxAge, inUse)
				if err != nil {
					slog.Error("fragment cleanup failed", "error", err)
					continue
				}
				if len(removed) == 0 {
					continue
				}
				slog.Info("fragment cleanup", "deleted", len(removed), "max_age", maxAge)
			}
		}
	}()
}
