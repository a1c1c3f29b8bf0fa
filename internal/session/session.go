// Package session tracks the state of every live call and serializes the
// work done on each one.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/flowpbx/storyline/internal/ncco"
)

// MenuState is the menu a caller is currently in.
type MenuState string

const (
	StateMainMenu            MenuState = "main_menu"
	StateStoryList           MenuState = "story_list"
	StateCategoryList        MenuState = "category_list"
	StateStoryReading        MenuState = "story_reading"
	StateRequestStory        MenuState = "request_story"
	StateConfirmRequestStory MenuState = "confirm_request_story"
)

// Valid reports whether s names a known menu.
func (s MenuState) Valid() bool {
	switch s {
	case StateMainMenu, StateStoryList, StateCategoryList,
		StateStoryReading, StateRequestStory, StateConfirmRequestStory:
		return true
	}
	return false
}

// StoryRef identifies a story and its canonical audio asset.
type StoryRef struct {
	Name      string
	AudioFile string
}

// Playback is the resumable-playback state of a session.
type Playback struct {
	// Fragment is the file name of the derived asset currently owned by
	// the session, or empty.
	Fragment string
	// Offset is the whole-second position in the canonical source at
	// which Fragment starts.
	Offset int
	// Duration is the playing time of Fragment.
	Duration time.Duration
	// ArmedAt is when the current stream was started.
	ArmedAt time.Time
	Playing bool
}

// Listing is one paginated menu: the options spoken most recently and the
// cursor of rows already shown.
type Listing struct {
	Cursor  int
	Options map[string]string
	HasMore bool
	Prompt  string
	// Filter restricts story listings to one category. Unused for
	// category listings.
	Filter string
}

// Session is the state of one call. Exported fields may only be read or
// written from inside Store.Run or Store.Terminate.
type Session struct {
	CallerID       string
	LegID          string
	ConversationID string

	State          MenuState
	ActiveStory    *StoryRef
	Playback       Playback
	Stories        Listing
	Categories     Listing
	SpeechRate     ncco.Rate
	RequestedStory string
	CreatedAt      time.Time

	timer    *Timer
	timerGen uint64

	// slot is a one-element semaphore: holding it is the right to run a
	// unit of work on this session.
	slot      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once

	// mu guards the snapshot below, which is read by metrics and the
	// fragment sweeper without taking the slot.
	mu           sync.Mutex
	snapPlaying  bool
	snapFragment string
	snapLeg      string
	lastActive   time.Time
}

func newSession(callerID string, now time.Time) *Session {
	return &Session{
		CallerID:   callerID,
		State:      StateMainMenu,
		SpeechRate: ncco.RateMedium,
		CreatedAt:  now,
		slot:       make(chan struct{}, 1),
		closing:    make(chan struct{}),
	}
}

// acquire waits for the session's slot. It fails once the session has
// started terminating, including for callers already waiting in line.
func (s *Session) acquire(ctx context.Context) error {
	select {
	case <-s.closing:
		return ErrSessionClosed
	default:
	}

	select {
	case s.slot <- struct{}{}:
	case <-s.closing:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	// Termination may have begun while this caller won the slot.
	select {
	case <-s.closing:
		<-s.slot
		return ErrSessionClosed
	default:
	}
	return nil
}

func (s *Session) release() {
	s.publish()
	<-s.slot
}

// markClosing flags the session as terminating. It returns false if it
// was already flagged.
func (s *Session) markClosing() bool {
	first := false
	s.closeOnce.Do(func() {
		close(s.closing)
		first = true
	})
	return first
}

// Closing reports whether the session has begun terminating.
func (s *Session) Closing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

func (s *Session) publish() {
	s.mu.Lock()
	s.snapPlaying = s.Playback.Playing
	s.snapFragment = s.Playback.Fragment
	s.snapLeg = s.LegID
	s.mu.Unlock()
}

func (s *Session) snapshot() (playing bool, fragment string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapPlaying, s.snapFragment
}

// CurrentLeg returns the leg id as of the last completed unit of work. It
// is safe to call without holding the session.
func (s *Session) CurrentLeg() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapLeg
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActive = now
	s.mu.Unlock()
}

// LastActivity returns when work last ran on the session, or CreatedAt if
// none has.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastActive.IsZero() {
		return s.CreatedAt
	}
	return s.lastActive
}

// HasTimer reports whether a timer is armed on the session.
func (s *Session) HasTimer() bool {
	return s.timer != nil && s.timer.Live()
}
