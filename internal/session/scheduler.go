package session

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// defaultFireTimeout bounds how long a fired timer waits for its session
// and how long its callback may run.
const defaultFireTimeout = 30 * time.Second

// Timer is a handle to one armed completion timer.
type Timer struct {
	t     *time.Timer
	gen   uint64
	done  atomic.Bool
	sched *Scheduler
}

// Cancel stops the timer. It is safe to call more than once and after the
// timer has fired.
func (t *Timer) Cancel() {
	if t == nil {
		return
	}
	if t.finish() && t.t != nil {
		t.t.Stop()
	}
}

// Live reports whether the timer is armed and has neither fired nor been
// cancelled.
func (t *Timer) Live() bool {
	return t != nil && !t.done.Load()
}

// finish marks the timer done. Only the first caller gets true.
func (t *Timer) finish() bool {
	if !t.done.CompareAndSwap(false, true) {
		return false
	}
	t.sched.live.Add(-1)
	return true
}

// Scheduler arms at most one completion timer per session. A fired timer
// runs its callback as a unit of work on the session, and a timer that was
// cancelled or superseded before it got there does nothing.
type Scheduler struct {
	store       *Store
	live        atomic.Int64
	fireTimeout time.Duration
	logger      *slog.Logger
}

// NewScheduler creates a Scheduler whose callbacks run through store.
func NewScheduler(store *Store, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:       store,
		fireTimeout: defaultFireTimeout,
		logger:      logger.With("subsystem", "timers"),
	}
}

// Arm cancels the session's current timer, if any, and schedules fn to run
// after delay. It must be called from inside a unit of work on sess.
func (sc *Scheduler) Arm(sess *Session, delay time.Duration, fn func(ctx context.Context, s *Session)) *Timer {
	sc.Cancel(sess)

	sess.timerGen++
	tm := &Timer{gen: sess.timerGen, sched: sc}
	sc.live.Add(1)
	sess.timer = tm
	tm.t = time.AfterFunc(delay, func() { sc.fire(sess, tm, fn) })

	sc.logger.Debug("timer armed", "caller_id", sess.CallerID, "delay", delay, "generation", tm.gen)
	return tm
}

// Cancel stops the session's current timer. It must be called from inside
// a unit of work on sess and is a no-op when no timer is armed.
func (sc *Scheduler) Cancel(sess *Session) {
	if sess.timer == nil {
		return
	}
	sess.timer.Cancel()
	sess.timer = nil
}

// Live returns the number of armed timers across all sessions.
func (sc *Scheduler) Live() int64 {
	return sc.live.Load()
}

func (sc *Scheduler) fire(sess *Session, tm *Timer, fn func(ctx context.Context, s *Session)) {
	ctx, cancel := context.WithTimeout(context.Background(), sc.fireTimeout)
	defer cancel()

	err := sc.store.Run(ctx, sess, func(s *Session) error {
		if s.timer != tm || s.timerGen != tm.gen || !tm.finish() {
			sc.logger.Debug("stale timer ignored", "caller_id", s.CallerID, "generation", tm.gen)
			return nil
		}
		s.timer = nil
		fn(ctx, s)
		return nil
	})
	if err != nil {
		tm.finish()
		if errors.Is(err, ErrSessionClosed) {
			sc.logger.Debug("timer fired after session closed", "caller_id", sess.CallerID)
			return
		}
		sc.logger.Warn("timer callback failed", "caller_id", sess.CallerID, "error", err)
	}
}
