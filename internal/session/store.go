package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/flowpbx/storyline/internal/ncco"
)

// ErrSessionNotFound is returned when an event names a caller with no
// live session.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionClosed is returned to work queued on a session that has begun
// terminating.
var ErrSessionClosed = errors.New("session closed")

// ErrCorrupted is returned when a unit of work panicked. The session's
// state can no longer be trusted and it should be terminated.
var ErrCorrupted = errors.New("session state corrupted")

// Progress is what a caller keeps between calls: the story they were
// listening to, where they stopped and how fast prompts are spoken.
type Progress struct {
	Story      *StoryRef
	Offset     int
	SpeechRate ncco.Rate
}

// Store maps callers to sessions. Lookups take a short read lock on the
// maps only; work on a session is serialized by that session alone, so
// unrelated calls never wait on each other.
type Store struct {
	mu             sync.RWMutex
	sessions       map[string]*Session
	byConversation map[string]string
	progress       map[string]Progress

	now    func() time.Time
	logger *slog.Logger
}

// NewStore creates an empty session store.
func NewStore(logger *slog.Logger) *Store {
	return &Store{
		sessions:       make(map[string]*Session),
		byConversation: make(map[string]string),
		progress:       make(map[string]Progress),
		now:            time.Now,
		logger:         logger.With("subsystem", "sessions"),
	}
}

// GetOrCreate returns the caller's session, creating it with defaults and
// any remembered progress if absent.
func (st *Store) GetOrCreate(callerID string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if s, ok := st.sessions[callerID]; ok {
		return s, false
	}

	s := newSession(callerID, st.now())
	if p, ok := st.progress[callerID]; ok {
		if p.Story != nil {
			story := *p.Story
			s.ActiveStory = &story
			s.Playback.Offset = p.Offset
		}
		if p.SpeechRate.Valid() {
			s.SpeechRate = p.SpeechRate
		}
	}
	st.sessions[callerID] = s

	st.logger.Info("session created", "caller_id", callerID, "restored", s.ActiveStory != nil)
	return s, true
}

// Answer is getOrCreate for a call-answered event: it binds the session
// to the provider's leg and conversation, replacing those of an earlier
// leg when the caller reconnects.
func (st *Store) Answer(ctx context.Context, callerID, legID, conversationID string) (*Session, error) {
	s, _ := st.GetOrCreate(callerID)

	var previous string
	err := st.Run(ctx, s, func(s *Session) error {
		previous = s.ConversationID
		s.LegID = legID
		s.ConversationID = conversationID
		return nil
	})
	if err != nil {
		return nil, err
	}

	st.Index(conversationID, previous, callerID)
	return s, nil
}

// Index points a conversation at the caller, dropping the caller's
// previous conversation if it differs.
func (st *Store) Index(conversationID, previous, callerID string) {
	if conversationID == "" {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if previous != "" && previous != conversationID && st.byConversation[previous] == callerID {
		delete(st.byConversation, previous)
	}
	st.byConversation[conversationID] = callerID
}

// Get returns the caller's session.
func (st *Store) Get(callerID string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[callerID]
	return s, ok
}

// Resolve finds a session by provider conversation id, falling back to the
// caller id when the conversation is unknown or empty.
func (st *Store) Resolve(conversationID, callerID string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	if conversationID != "" {
		if id, ok := st.byConversation[conversationID]; ok {
			if s, ok := st.sessions[id]; ok {
				return s, true
			}
		}
	}
	if callerID == "" {
		return nil, false
	}
	s, ok := st.sessions[callerID]
	return s, ok
}

// Remove drops the caller's session without running any cleanup.
func (st *Store) Remove(callerID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.removeLocked(callerID)
}

func (st *Store) removeLocked(callerID string) {
	s, ok := st.sessions[callerID]
	if !ok {
		return
	}
	delete(st.sessions, callerID)
	if s.ConversationID != "" && st.byConversation[s.ConversationID] == callerID {
		delete(st.byConversation, s.ConversationID)
	}
}

// Run executes fn with exclusive access to the session. Calls for the same
// session run one at a time in arrival order. A panic in fn is recovered
// and reported as ErrCorrupted.
func (st *Store) Run(ctx context.Context, s *Session, fn func(*Session) error) (err error) {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	s.touch(st.now())
	defer func() {
		if rec := recover(); rec != nil {
			st.logger.Error("panic in session work",
				"caller_id", s.CallerID,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("%w: %v", ErrCorrupted, rec)
		}
	}()
	return fn(s)
}

// Terminate is the highest-priority unit of work for a session. It rejects
// every queued and future Run with ErrSessionClosed, waits for the unit in
// flight to finish, runs fn exactly once, remembers the caller's progress
// and removes the session. A second Terminate for the same session returns
// ErrSessionClosed without running fn.
func (st *Store) Terminate(callerID string, fn func(*Session)) error {
	s, ok := st.Get(callerID)
	if !ok {
		return ErrSessionNotFound
	}
	if !s.markClosing() {
		return ErrSessionClosed
	}

	// The in-flight unit is bounded by its own context; cleanup must run
	// regardless of the caller's deadline.
	s.slot <- struct{}{}
	defer s.release()

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				st.logger.Error("panic in session cleanup",
					"caller_id", s.CallerID,
					"panic", rec,
					"stack", string(debug.Stack()),
				)
			}
		}()
		if fn != nil {
			fn(s)
		}
	}()

	st.mu.Lock()
	st.rememberLocked(s)
	if cur, ok := st.sessions[callerID]; ok && cur == s {
		st.removeLocked(callerID)
	}
	st.mu.Unlock()

	st.logger.Info("session terminated", "caller_id", callerID)
	return nil
}

func (st *Store) rememberLocked(s *Session) {
	p := Progress{SpeechRate: s.SpeechRate}
	if s.ActiveStory != nil {
		story := *s.ActiveStory
		p.Story = &story
		p.Offset = s.Playback.Offset
	}
	st.progress[s.CallerID] = p
}

// Progress returns what is remembered for a caller between calls.
func (st *Store) Progress(callerID string) (Progress, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	p, ok := st.progress[callerID]
	return p, ok
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// PlayingCount returns the number of sessions currently streaming a story.
func (st *Store) PlayingCount() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	n := 0
	for _, s := range st.sessions {
		if playing, _ := s.snapshot(); playing {
			n++
		}
	}
	return n
}

// InUse reports whether any live session owns the fragment.
func (st *Store) InUse(fragmentID string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	for _, s := range st.sessions {
		if _, frag := s.snapshot(); frag == fragmentID {
			return true
		}
	}
	return false
}
