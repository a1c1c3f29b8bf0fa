package session

import (
	"context"
	"time"
)

// Idle returns the callers whose sessions have run no work for at least
// maxIdle and are not streaming a story. A streaming session is owned by
// its completion timer.
func (st *Store) Idle(maxIdle time.Duration) []string {
	cutoff := st.now().Add(-maxIdle)

	st.mu.RLock()
	defer st.mu.RUnlock()

	var idle []string
	for id, s := range st.sessions {
		if playing, _ := s.snapshot(); playing {
			continue
		}
		if s.LastActivity().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	return idle
}

// Reap terminates every idle session, running cleanup on each, and
// returns how many were removed. It covers calls whose hangup event
// never arrived.
func (st *Store) Reap(maxIdle time.Duration, cleanup func(*Session)) int {
	n := 0
	for _, id := range st.Idle(maxIdle) {
		if err := st.Terminate(id, cleanup); err != nil {
			st.logger.Debug("idle session already gone", "caller_id", id, "error", err)
			continue
		}
		st.logger.Warn("reaped idle session", "caller_id", id, "max_idle", maxIdle)
		n++
	}
	return n
}

// StartReaper runs Reap every interval until ctx is cancelled.
func (st *Store) StartReaper(ctx context.Context, interval, maxIdle time.Duration, cleanup func(*Session)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st.Reap(maxIdle, cleanup)
			}
		}
	}()
}
