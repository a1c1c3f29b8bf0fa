// Package ivr implements the caller-facing menu state machine. Every webhook
// is translated into an Input, applied to the caller's session inside its
// serialized unit of work and answered with an NCCO.
package ivr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flowpbx/storyline/internal/database/models"
	"github.com/flowpbx/storyline/internal/ncco"
	"github.com/flowpbx/storyline/internal/playback"
	"github.com/flowpbx/storyline/internal/session"
)

var (
	// ErrInvalidInput is returned when the caller pressed a digit the
	// current menu does not accept.
	ErrInvalidInput = errors.New("invalid input")
	// ErrEmptyInput is returned when the caller entered nothing.
	ErrEmptyInput = errors.New("empty input")
	// ErrSpeechRecognition is returned when speech could not be transcribed.
	ErrSpeechRecognition = errors.New("speech recognition failed")
	// ErrContentNotFound is returned when a listing or lookup is empty.
	ErrContentNotFound = errors.New("content not found")
	// ErrInvariant is returned when a session is in a state its menu
	// cannot have produced. The session is reset.
	ErrInvariant = errors.New("session invariant violated")
)

// newStoryName identifies the story played when a caller presses 1 before
// choosing anything.
const newStoryName = "new"

// Catalog is the part of the story catalog the menus read and write.
type Catalog interface {
	ListStories(ctx context.Context, offset, limit int, category string) ([]models.Story, error)
	ListCategories(ctx context.Context, offset, limit int) ([]models.Category, error)
	FindStory(ctx context.Context, name string) (*models.Story, error)
	SaveRequest(ctx context.Context, req *models.StoryRequest) error
}

// Config holds the menu settings.
type Config struct {
	// DefaultStoryAudio is the asset played for the placeholder story.
	DefaultStoryAudio string
	// SilenceURL is looped behind the reading menu so digits can still be
	// collected while the story streams. Empty disables it.
	SilenceURL string
	// StopSettleDelay is how long to wait after stopping a story before
	// speaking the main menu over the leg.
	StopSettleDelay time.Duration
	// SpeechStartTimeout is how many seconds the recognizer waits for the
	// caller to start speaking.
	SpeechStartTimeout int
	// HangupDelay is how long a goodbye is given to play before the call
	// is ended.
	HangupDelay time.Duration
}

// Input is one digit or speech webhook.
type Input struct {
	CallerID       string
	ConversationID string
	LegID          string
	// Menu is the state the input was collected for.
	Menu   session.MenuState
	Digits string
	Speech *Speech
}

// Speech is the outcome of speech recognition.
type Speech struct {
	TimedOut    bool
	Error       string
	Transcripts []string
}

// Machine drives the menus of every live call.
type Machine struct {
	cfg     Config
	store   *session.Store
	engine  *playback.Engine
	catalog Catalog
	builder *ncco.Builder
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *slog.Logger
}

// NewMachine creates the menu state machine and registers the announcement
// played when a story finishes.
func NewMachine(cfg Config, store *session.Store, engine *playback.Engine, catalog Catalog, builder *ncco.Builder, logger *slog.Logger) *Machine {
	if cfg.SpeechStartTimeout <= 0 {
		cfg.SpeechStartTimeout = 4
	}
	if cfg.HangupDelay <= 0 {
		cfg.HangupDelay = 8 * time.Second
	}
	m := &Machine{
		cfg:     cfg,
		store:   store,
		engine:  engine,
		catalog: catalog,
		builder: builder,
		sleep:   sleepContext,
		logger:  logger.With("subsystem", "ivr"),
	}
	engine.OnComplete(m.finished)
	return m
}

// finished announces the end of a story and offers the main menu.
func (m *Machine) finished(s *session.Session) ncco.NCCO {
	return append(ncco.NCCO{m.builder.Speak(textStoryFinished, s.SpeechRate, false)}, m.mainMenu(s, "")...)
}

// Answer handles the answer webhook of a leg: the caller's session is
// created or rebound to the new leg and the main menu is returned.
func (m *Machine) Answer(ctx context.Context, callerID, legID, conversationID string) (ncco.NCCO, error) {
	return m.answer(ctx, callerID, legID, conversationID, "")
}

func (m *Machine) answer(ctx context.Context, callerID, legID, conversationID, notice string) (ncco.NCCO, error) {
	s, created := m.store.GetOrCreate(callerID)

	var (
		out      ncco.NCCO
		previous string
	)
	err := m.store.Run(ctx, s, func(s *session.Session) error {
		previous = m.bind(s, legID, conversationID)
		s.State = session.StateMainMenu
		out = m.mainMenu(s, notice)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("answering %s: %w", callerID, err)
	}
	m.store.Index(conversationID, previous, callerID)

	m.logger.Info("call answered",
		"caller_id", callerID,
		"leg_id", legID,
		"conversation_id", conversationID,
		"new_session", created,
	)
	return out, nil
}

// Bind attaches an answered leg to the caller's session without producing
// a menu. Outbound calls carry their first NCCO inline, so the answered
// event is the first time their leg id is known.
func (m *Machine) Bind(ctx context.Context, callerID, legID, conversationID string) error {
	s, ok := m.store.Get(callerID)
	if !ok {
		return session.ErrSessionNotFound
	}
	var previous string
	err := m.store.Run(ctx, s, func(s *session.Session) error {
		previous = m.bind(s, legID, conversationID)
		return nil
	})
	if err != nil {
		return err
	}
	m.store.Index(conversationID, previous, callerID)
	return nil
}

// bind moves the session to a leg. A story still streaming to an earlier
// leg is released since that leg is gone. It returns the previous
// conversation id.
func (m *Machine) bind(s *session.Session, legID, conversationID string) string {
	if s.LegID != "" && s.LegID != legID && s.Playback.Playing {
		m.logger.Info("leg replaced during playback", "caller_id", s.CallerID, "old_leg_id", s.LegID, "leg_id", legID)
		m.engine.Release(s)
	}
	previous := s.ConversationID
	s.LegID = legID
	if conversationID != "" {
		s.ConversationID = conversationID
	}
	return previous
}

// Greeting prepares the session of an outbound call and returns the NCCO
// the call is created with.
func (m *Machine) Greeting(ctx context.Context, callerID string) (ncco.NCCO, error) {
	s, _ := m.store.GetOrCreate(callerID)
	var out ncco.NCCO
	err := m.store.Run(ctx, s, func(s *session.Session) error {
		s.State = session.StateMainMenu
		out = m.mainMenu(s, "")
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("greeting %s: %w", callerID, err)
	}
	return out, nil
}

// Abandon drops the session of an outbound call the provider refused to
// place.
func (m *Machine) Abandon(callerID string) {
	if err := m.store.Terminate(callerID, m.engine.Release); err != nil {
		m.logger.Debug("abandon skipped", "caller_id", callerID, "error", err)
	}
}

// CallEnded runs the cleanup of a finished leg. Events for a leg the
// session has already moved away from are ignored.
func (m *Machine) CallEnded(conversationID, callerID, legID string) {
	s, ok := m.store.Resolve(conversationID, callerID)
	if !ok {
		m.logger.Debug("call ended without session",
			"caller_id", callerID,
			"conversation_id", conversationID,
			"error", session.ErrSessionNotFound,
		)
		return
	}
	if cur := s.CurrentLeg(); legID != "" && cur != "" && cur != legID {
		m.logger.Info("ignoring end of replaced leg", "caller_id", s.CallerID, "leg_id", legID, "current_leg_id", cur)
		return
	}

	if err := m.store.Terminate(s.CallerID, m.engine.Release); err != nil {
		m.logger.Debug("call end cleanup skipped", "caller_id", s.CallerID, "error", err)
		return
	}
	m.logger.Info("call ended", "caller_id", s.CallerID, "leg_id", legID)
}

// Handle applies a digit or speech input to the caller's session and
// returns what the caller hears next. It always returns an NCCO.
func (m *Machine) Handle(ctx context.Context, in Input) ncco.NCCO {
	s, ok := m.store.Resolve(in.ConversationID, in.CallerID)
	if !ok {
		m.logger.Warn("input without session",
			"caller_id", in.CallerID,
			"conversation_id", in.ConversationID,
			"menu", in.Menu,
			"error", session.ErrSessionNotFound,
		)
		if in.CallerID == "" {
			return ncco.NCCO{}
		}
		out, err := m.Answer(ctx, in.CallerID, in.LegID, in.ConversationID)
		if err != nil {
			return m.Fallback(in.Menu)
		}
		return out
	}

	var out ncco.NCCO
	err := m.store.Run(ctx, s, func(s *session.Session) error {
		var err error
		out, err = m.dispatch(ctx, s, in)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrInvariant) {
			return err
		}
		m.logger.Info("input not accepted", "caller_id", s.CallerID, "menu", s.State, "error", err)
		return nil
	})

	switch {
	case err == nil:
		return out
	case errors.Is(err, session.ErrSessionClosed):
		return ncco.NCCO{}
	case errors.Is(err, session.ErrCorrupted), errors.Is(err, ErrInvariant):
		m.logger.Error("resetting session", "caller_id", s.CallerID, "error", err)
		return m.reset(ctx, s.CallerID, in)
	default:
		m.logger.Warn("input not handled", "caller_id", s.CallerID, "menu", in.Menu, "error", err)
		return m.Fallback(in.Menu)
	}
}

// reset replaces a session whose state can no longer be trusted with a
// fresh one at the main menu.
func (m *Machine) reset(ctx context.Context, callerID string, in Input) ncco.NCCO {
	if err := m.store.Terminate(callerID, m.engine.Release); err != nil {
		m.logger.Warn("terminating corrupted session", "caller_id", callerID, "error", err)
	}
	out, err := m.answer(ctx, callerID, in.LegID, in.ConversationID, textSomethingWrong)
	if err != nil {
		return m.Fallback(session.StateMainMenu)
	}
	return out
}

// Fallback is answered when the session could not be reached in time. It
// collects input for the same menu again.
func (m *Machine) Fallback(menu session.MenuState) ncco.NCCO {
	if !menu.Valid() {
		menu = session.StateMainMenu
	}
	return ncco.NCCO{
		m.builder.Speak(textSomethingWrong, ncco.RateMedium, true),
		m.builder.CollectDigits(string(menu), 1),
	}
}

func (m *Machine) dispatch(ctx context.Context, s *session.Session, in Input) (ncco.NCCO, error) {
	if in.Menu != "" && in.Menu != s.State {
		m.logger.Info("stale input",
			"caller_id", s.CallerID,
			"input_menu", in.Menu,
			"menu", s.State,
		)
		return m.prompt(s, "")
	}

	switch s.State {
	case session.StateMainMenu:
		return m.mainMenuInput(ctx, s, in.Digits)
	case session.StateStoryList:
		return m.listingInput(ctx, s, m.storyListing(), in.Digits)
	case session.StateCategoryList:
		return m.listingInput(ctx, s, m.categoryListing(), in.Digits)
	case session.StateStoryReading:
		return m.readingInput(ctx, s, in.Digits)
	case session.StateRequestStory:
		return m.requestInput(ctx, s, in.Speech)
	case session.StateConfirmRequestStory:
		return m.confirmInput(ctx, s, in.Digits)
	default:
		return nil, fmt.Errorf("%w: unknown menu %q", ErrInvariant, s.State)
	}
}

// prompt repeats the current menu.
func (m *Machine) prompt(s *session.Session, notice string) (ncco.NCCO, error) {
	switch s.State {
	case session.StateMainMenu:
		return m.mainMenu(s, notice), nil
	case session.StateStoryList:
		return m.listingPrompt(s, m.storyListing(), notice), nil
	case session.StateCategoryList:
		return m.listingPrompt(s, m.categoryListing(), notice), nil
	case session.StateStoryReading:
		if s.ActiveStory == nil {
			return nil, fmt.Errorf("%w: reading without a story", ErrInvariant)
		}
		return m.readingPrompt(s, notice), nil
	case session.StateRequestStory:
		return m.requestPrompt(s, notice), nil
	case session.StateConfirmRequestStory:
		if s.RequestedStory == "" {
			return nil, fmt.Errorf("%w: confirming an empty request", ErrInvariant)
		}
		return m.confirmPrompt(s, notice), nil
	default:
		return nil, fmt.Errorf("%w: unknown menu %q", ErrInvariant, s.State)
	}
}

func (m *Machine) say(s *session.Session, text string) ncco.Action {
	return m.builder.Speak(text, s.SpeechRate, true)
}

// mainMenu offers to continue the active story, then the main options.
func (m *Machine) mainMenu(s *session.Session, notice string) ncco.NCCO {
	actions := make(ncco.NCCO, 0, 4)
	if notice != "" {
		actions = append(actions, m.say(s, notice))
	}
	if s.ActiveStory != nil && s.ActiveStory.Name != newStoryName {
		actions = append(actions, m.say(s, fmt.Sprintf(textContinueFmt, s.ActiveStory.Name)))
	} else {
		actions = append(actions, m.say(s, textStartNew))
	}
	return append(actions,
		m.say(s, textMainOptions),
		m.builder.CollectDigits(string(session.StateMainMenu), 1),
	)
}

func (m *Machine) mainMenuInput(ctx context.Context, s *session.Session, digits string) (ncco.NCCO, error) {
	backToMain := func(notice string) ncco.NCCO {
		s.State = session.StateMainMenu
		return m.mainMenu(s, notice)
	}

	switch digits {
	case "":
		return m.mainMenu(s, textNoDigit), ErrEmptyInput

	case "1":
		story := session.StoryRef{Name: newStoryName, AudioFile: m.cfg.DefaultStoryAudio}
		if s.ActiveStory != nil {
			story = *s.ActiveStory
		}
		return m.playStory(ctx, s, story, func() ncco.NCCO {
			return m.mainMenu(s, textPlayFailed)
		})

	case "2":
		return m.openListing(ctx, s, m.storyListing(), "", textNoStories, backToMain)

	case "3":
		return m.openListing(ctx, s, m.categoryListing(), "", textNoCategories, backToMain)

	case "4":
		s.State = session.StateRequestStory
		return m.requestPrompt(s, ""), nil

	case "8":
		return m.mainMenu(s, ""), nil

	case "9":
		m.logger.Info("caller exited", "caller_id", s.CallerID)
		return m.goodbye(s, textGoodbye), nil

	case "*":
		s.SpeechRate = s.SpeechRate.Faster()
		return m.mainMenu(s, ""), nil

	case "#":
		s.SpeechRate = s.SpeechRate.Slower()
		return m.mainMenu(s, ""), nil

	default:
		return m.mainMenu(s, textInvalidOption), ErrInvalidInput
	}
}

// playStory makes story the session's active story and streams it. The
// offset is kept when the story is already active so it resumes. onFail
// renders where the caller stays if the stream cannot be started.
func (m *Machine) playStory(ctx context.Context, s *session.Session, story session.StoryRef, onFail func() ncco.NCCO) (ncco.NCCO, error) {
	if s.ActiveStory == nil || s.ActiveStory.Name != story.Name {
		if _, err := m.engine.Stop(ctx, s, "story changed"); err != nil {
			m.logger.Warn("stopping previous story", "caller_id", s.CallerID, "error", err)
		}
		m.engine.Discard(s)
		s.ActiveStory = &story
	}

	if err := m.engine.Start(ctx, s); err != nil {
		m.logger.Error("story playback failed", "caller_id", s.CallerID, "story", story.Name, "error", err)
		return onFail(), err
	}

	s.State = session.StateStoryReading
	return append(ncco.NCCO{m.builder.Speak(textLoading, s.SpeechRate, false)}, m.readingPrompt(s, "")...), nil
}

// readingPrompt keeps the leg collecting digits while the story streams.
func (m *Machine) readingPrompt(s *session.Session, notice string) ncco.NCCO {
	actions := make(ncco.NCCO, 0, 3)
	if notice != "" {
		actions = append(actions, m.say(s, notice))
	}
	if m.cfg.SilenceURL != "" {
		actions = append(actions, m.builder.PlayStream(m.cfg.SilenceURL, 0, true))
	}
	return append(actions, m.builder.CollectDigits(string(session.StateStoryReading), 1))
}

func (m *Machine) readingInput(ctx context.Context, s *session.Session, digits string) (ncco.NCCO, error) {
	if s.ActiveStory == nil {
		return nil, fmt.Errorf("%w: reading without a story", ErrInvariant)
	}

	switch digits {
	case "":
		return m.readingPrompt(s, ""), ErrEmptyInput

	case "1":
		if !s.Playback.Playing {
			if err := m.engine.Start(ctx, s); err != nil {
				return m.readingPrompt(s, textPlayFailed), err
			}
			return m.readingPrompt(s, ""), nil
		}
		completed, err := m.engine.Stop(ctx, s, "paused")
		if err != nil {
			return m.readingPrompt(s, stopNotice(err)), err
		}
		if completed {
			return m.finished(s), nil
		}
		return m.readingPrompt(s, ""), nil

	case "2":
		wasPlaying := s.Playback.Playing
		completed, stopErr := m.engine.Stop(ctx, s, "main menu")
		if errors.Is(stopErr, playback.ErrPlaybackStopFailed) {
			return m.readingPrompt(s, textPauseFailed), stopErr
		}
		if completed {
			return m.finished(s), nil
		}
		if wasPlaying {
			if err := m.sleep(ctx, m.cfg.StopSettleDelay); err != nil {
				return nil, err
			}
		}
		s.State = session.StateMainMenu
		if stopErr != nil {
			return m.mainMenu(s, textSaveFailed), stopErr
		}
		return m.mainMenu(s, ""), nil

	default:
		return m.readingPrompt(s, textReadingHint), ErrInvalidInput
	}
}

func stopNotice(err error) string {
	if errors.Is(err, playback.ErrFragmentTrimFailed) {
		return textSaveFailed
	}
	return textPauseFailed
}

func (m *Machine) requestPrompt(s *session.Session, notice string) ncco.NCCO {
	actions := make(ncco.NCCO, 0, 3)
	if notice != "" {
		actions = append(actions, m.say(s, notice))
	}
	return append(actions,
		m.builder.Speak(textRequestPrompt, s.SpeechRate, false),
		m.builder.CollectSpeech(string(session.StateRequestStory), m.cfg.SpeechStartTimeout),
	)
}

func (m *Machine) requestInput(ctx context.Context, s *session.Session, sp *Speech) (ncco.NCCO, error) {
	switch {
	case sp == nil || sp.TimedOut && len(sp.Transcripts) == 0:
		return m.requestPrompt(s, textNothingSpoken), ErrEmptyInput
	case sp.Error != "" || len(sp.Transcripts) == 0:
		return m.requestPrompt(s, textNotUnderstood), fmt.Errorf("%w: %s", ErrSpeechRecognition, sp.Error)
	}

	name := cleanTranscript(sp.Transcripts[0])
	if name == "" {
		return m.requestPrompt(s, textNotUnderstood), ErrSpeechRecognition
	}

	story, err := m.catalog.FindStory(ctx, name)
	if err != nil {
		m.logger.Error("story lookup failed", "caller_id", s.CallerID, "story", name, "error", err)
		return m.requestPrompt(s, textCatalogDown), nil
	}
	if story != nil {
		m.logger.Info("requested story found", "caller_id", s.CallerID, "story", story.Name)
		return m.playStory(ctx, s, session.StoryRef{Name: story.Name, AudioFile: story.AudioFile}, func() ncco.NCCO {
			return m.requestPrompt(s, textPlayFailed)
		})
	}

	s.RequestedStory = name
	s.State = session.StateConfirmRequestStory
	return m.confirmPrompt(s, ""), ErrContentNotFound
}

func (m *Machine) confirmPrompt(s *session.Session, notice string) ncco.NCCO {
	actions := make(ncco.NCCO, 0, 3)
	if notice != "" {
		actions = append(actions, m.say(s, notice))
	} else {
		actions = append(actions, m.say(s, fmt.Sprintf(textNotAvailableFmt, s.RequestedStory)))
	}
	return append(actions,
		m.say(s, textConfirmOptions),
		m.builder.CollectDigits(string(session.StateConfirmRequestStory), 1),
	)
}

func (m *Machine) confirmInput(ctx context.Context, s *session.Session, digits string) (ncco.NCCO, error) {
	if s.RequestedStory == "" {
		return nil, fmt.Errorf("%w: confirming an empty request", ErrInvariant)
	}

	switch digits {
	case "1":
		req := &models.StoryRequest{CallerID: s.CallerID, StoryName: s.RequestedStory}
		text := textRequestSaved
		if err := m.catalog.SaveRequest(ctx, req); err != nil {
			m.logger.Error("saving story request failed", "caller_id", s.CallerID, "story", s.RequestedStory, "error", err)
			text = textRequestFailed
		} else {
			m.logger.Info("story request saved", "caller_id", s.CallerID, "story", s.RequestedStory, "request_id", req.ID)
		}
		s.RequestedStory = ""
		s.State = session.StateMainMenu
		return m.goodbye(s, text), nil

	case "2":
		m.logger.Info("story request dropped", "caller_id", s.CallerID, "story", s.RequestedStory)
		s.RequestedStory = ""
		s.State = session.StateMainMenu
		return m.goodbye(s, textRequestDropped), nil

	case "":
		return m.confirmPrompt(s, textNoOption), ErrEmptyInput

	default:
		return m.confirmPrompt(s, textInvalidOption), ErrInvalidInput
	}
}

// goodbye speaks a final message and ends the call once it has played.
func (m *Machine) goodbye(s *session.Session, text string) ncco.NCCO {
	m.engine.HangupAfter(s, m.cfg.HangupDelay)
	return ncco.NCCO{m.builder.Speak(text, s.SpeechRate, false)}
}

// cleanTranscript trims whitespace and the punctuation recognizers append
// to an utterance.
func cleanTranscript(text string) string {
	return strings.TrimSpace(strings.TrimRight(strings.TrimSpace(text), ".,!?;:"))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
