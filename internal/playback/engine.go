// Package playback streams stories to a live call and keeps track of how
// much of each one the caller has heard, so a paused or interrupted story
// resumes from the right second.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/flowpbx/storyline/internal/media"
	"github.com/flowpbx/storyline/internal/ncco"
	"github.com/flowpbx/storyline/internal/session"
)

var (
	// ErrPlaybackStartFailed is returned when the provider rejects a
	// stream-start command.
	ErrPlaybackStartFailed = errors.New("playback start failed")
	// ErrPlaybackStopFailed is returned when the provider rejects a
	// stream-stop command.
	ErrPlaybackStopFailed = errors.New("playback stop failed")
	// ErrFragmentTrimFailed is returned when a continuation fragment
	// could not be produced.
	ErrFragmentTrimFailed = errors.New("fragment trim failed")
	// ErrNoActiveStory is returned by Start when the session has no story.
	ErrNoActiveStory = errors.New("no active story")
)

// Streamer sends mid-call commands to the provider.
type Streamer interface {
	StartStream(ctx context.Context, legID, url string) error
	StopStream(ctx context.Context, legID string) error
	Transfer(ctx context.Context, legID string, actions ncco.NCCO) error
	Hangup(ctx context.Context, legID string) error
}

// Config holds the timing constants of the engine.
type Config struct {
	// Guard is added to a fragment's duration before arming its
	// completion timer.
	Guard time.Duration
	// LatencyCorrection is subtracted from wall-clock play time to account
	// for the delay between issuing stream-start and audio reaching the
	// caller.
	LatencyCorrection time.Duration
}

// CompletionFunc renders what a caller hears when their story finishes.
type CompletionFunc func(s *session.Session) ncco.NCCO

// Engine starts, stops and completes story playback for sessions. Every
// method must be called from inside a unit of work on the session.
type Engine struct {
	cfg        Config
	streamer   Streamer
	fragments  *media.FragmentStore
	library    *media.Library
	sched      *session.Scheduler
	builder    *ncco.Builder
	completion CompletionFunc
	now        func() time.Time
	logger     *slog.Logger
}

// New creates a playback engine.
func New(cfg Config, streamer Streamer, fragments *media.FragmentStore, library *media.Library, sched *session.Scheduler, builder *ncco.Builder, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		streamer:  streamer,
		fragments: fragments,
		library:   library,
		sched:     sched,
		builder:   builder,
		now:       time.Now,
		logger:    logger.With("subsystem", "playback"),
	}
}

// OnComplete sets the announcement a leg is transferred to when its story
// finishes.
func (e *Engine) OnComplete(fn CompletionFunc) {
	e.completion = fn
}

// Start streams the session's story from its current offset. A fragment is
// cut from the canonical source if the session does not own one yet. On
// success a completion timer is armed for the fragment's duration plus the
// guard.
func (e *Engine) Start(ctx context.Context, s *session.Session) error {
	if s.ActiveStory == nil {
		return ErrNoActiveStory
	}
	if s.Playback.Playing {
		return nil
	}

	if s.Playback.Fragment == "" || !e.fragments.Exists(s.Playback.Fragment) {
		if err := e.cut(s, s.Playback.Offset); err != nil {
			return err
		}
	}

	s.Playback.Playing = true
	s.Playback.ArmedAt = e.now()

	url := e.builder.AudioURL(s.Playback.Fragment)
	if err := e.streamer.StartStream(ctx, s.LegID, url); err != nil {
		s.Playback.Playing = false
		e.logger.Warn("stream start rejected",
			"caller_id", s.CallerID,
			"leg_id", s.LegID,
			"fragment_id", s.Playback.Fragment,
			"error", err,
		)
		return fmt.Errorf("%w: %w", ErrPlaybackStartFailed, err)
	}

	e.armCompletion(s, s.Playback.Duration+e.cfg.Guard)

	e.logger.Info("playback started",
		"caller_id", s.CallerID,
		"story", s.ActiveStory.Name,
		"fragment_id", s.Playback.Fragment,
		"offset_s", s.Playback.Offset,
		"duration", s.Playback.Duration,
	)
	return nil
}

// Stop halts the stream and replaces the session's fragment with one that
// starts where the caller stopped listening. It reports completed when the
// stop arrived after the story had already finished, in which case the
// story is cleared and the caller is expected to render the completion
// announcement in its own reply. Nothing is transferred to the leg.
func (e *Engine) Stop(ctx context.Context, s *session.Session, reason string) (completed bool, err error) {
	if !s.Playback.Playing {
		return false, nil
	}

	e.sched.Cancel(s)
	if err := e.streamer.StopStream(ctx, s.LegID); err != nil {
		// The stream is still running as far as we know; keep the
		// completion deadline it had.
		remaining := s.Playback.Duration + e.cfg.Guard - e.now().Sub(s.Playback.ArmedAt)
		e.armCompletion(s, max(remaining, 0))
		e.logger.Warn("stream stop rejected",
			"caller_id", s.CallerID,
			"leg_id", s.LegID,
			"reason", reason,
			"error", err,
		)
		return false, fmt.Errorf("%w: %w", ErrPlaybackStopFailed, err)
	}
	s.Playback.Playing = false

	elapsed := e.elapsed(s.Playback)
	if time.Duration(elapsed)*time.Second >= s.Playback.Duration {
		e.logger.Info("stop arrived after story end", "caller_id", s.CallerID, "reason", reason)
		e.finish(s)
		return true, nil
	}

	previous := s.Playback.Fragment
	if err := e.cut(s, s.Playback.Offset+elapsed); err != nil {
		e.logger.Error("continuation trim failed",
			"caller_id", s.CallerID,
			"fragment_id", previous,
			"offset_s", s.Playback.Offset+elapsed,
			"error", err,
		)
		return false, err
	}
	e.removeFragment(previous)

	e.logger.Info("playback stopped",
		"caller_id", s.CallerID,
		"reason", reason,
		"elapsed_s", elapsed,
		"offset_s", s.Playback.Offset,
		"fragment_id", s.Playback.Fragment,
	)
	return false, nil
}

// Complete ends the session's story and transfers the leg to the
// completion announcement. It is the timer path; a webhook that finds the
// story over answers with the announcement itself.
func (e *Engine) Complete(ctx context.Context, s *session.Session) {
	e.finish(s)

	if e.completion == nil {
		return
	}
	if err := e.streamer.Transfer(ctx, s.LegID, e.completion(s)); err != nil {
		e.logger.Warn("completion transfer rejected",
			"caller_id", s.CallerID,
			"leg_id", s.LegID,
			"error", err,
		)
	}
}

// finish clears the active story, deletes the fragment and returns the
// session to the main menu.
func (e *Engine) finish(s *session.Session) {
	e.sched.Cancel(s)
	story := ""
	if s.ActiveStory != nil {
		story = s.ActiveStory.Name
	}
	e.clear(s)
	s.State = session.StateMainMenu

	e.logger.Info("story completed", "caller_id", s.CallerID, "story", story)
}

// HangupAfter ends the call once delay has passed, giving a final
// announcement time to play. The session's timer slot is used, so any armed
// completion timer is replaced.
func (e *Engine) HangupAfter(s *session.Session, delay time.Duration) {
	leg := s.LegID
	e.sched.Arm(s, delay, func(ctx context.Context, s *session.Session) {
		if s.LegID != leg {
			e.logger.Debug("hangup timer for replaced leg", "caller_id", s.CallerID, "leg_id", leg)
			return
		}
		if err := e.streamer.Hangup(ctx, leg); err != nil {
			e.logger.Debug("hangup rejected", "caller_id", s.CallerID, "leg_id", leg, "error", err)
			return
		}
		e.logger.Info("call hung up", "caller_id", s.CallerID, "leg_id", leg)
	})
}

// Release is the call-ended cleanup. It records how far the caller got and
// deletes the fragment without sending anything to the provider.
func (e *Engine) Release(s *session.Session) {
	e.sched.Cancel(s)

	if s.Playback.Playing {
		s.Playback.Playing = false
		elapsed := e.elapsed(s.Playback)
		if time.Duration(elapsed)*time.Second >= s.Playback.Duration {
			e.clear(s)
			e.logger.Info("story finished as call ended", "caller_id", s.CallerID)
			return
		}
		s.Playback.Offset += elapsed
	}

	e.removeFragment(s.Playback.Fragment)
	s.Playback.Fragment = ""
	s.Playback.Duration = 0

	e.logger.Debug("playback released", "caller_id", s.CallerID, "offset_s", s.Playback.Offset)
}

// Discard forgets the session's story and deletes its fragment, for when
// the caller picks a different story. Any running stream must already have
// been stopped.
func (e *Engine) Discard(s *session.Session) {
	e.sched.Cancel(s)
	e.clear(s)
}

// Elapsed converts wall-clock play time into whole seconds heard. The
// latency correction is subtracted, the result is rounded half away from
// zero and clamped to [0, ceil(duration)].
func Elapsed(played, correction, duration time.Duration) int {
	secs := int(math.Round((played - correction).Seconds()))
	limit := int(math.Ceil(duration.Seconds()))
	return min(max(secs, 0), limit)
}

func (e *Engine) elapsed(p session.Playback) int {
	return Elapsed(e.now().Sub(p.ArmedAt), e.cfg.LatencyCorrection, p.Duration)
}

// cut creates a fragment of the canonical source starting at offset and
// makes it the session's fragment. The previous fragment is left for the
// caller to delete.
func (e *Engine) cut(s *session.Session, offset int) error {
	src, err := e.library.Resolve(s.ActiveStory.AudioFile)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFragmentTrimFailed, err)
	}
	frag, err := e.fragments.Create(src, offset)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFragmentTrimFailed, err)
	}
	s.Playback.Fragment = frag.ID
	s.Playback.Offset = offset
	s.Playback.Duration = frag.Duration
	return nil
}

func (e *Engine) armCompletion(s *session.Session, delay time.Duration) {
	fragment := s.Playback.Fragment
	e.sched.Arm(s, delay, func(ctx context.Context, s *session.Session) {
		if !s.Playback.Playing || s.Playback.Fragment != fragment {
			e.logger.Debug("completion timer no longer current", "caller_id", s.CallerID, "fragment_id", fragment)
			return
		}
		e.Complete(ctx, s)
	})
}

func (e *Engine) clear(s *session.Session) {
	e.removeFragment(s.Playback.Fragment)
	s.ActiveStory = nil
	s.Playback = session.Playback{}
}

func (e *Engine) removeFragment(id string) {
	if id == "" {
		return
	}
	if err := e.fragments.Remove(id); err != nil {
		e.logger.Warn("failed to remove fragment", "fragment_id", id, "error", err)
	}
}
