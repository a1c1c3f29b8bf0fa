package ivr

import (
	"context"
	"fmt"
	"strconv"

	"github.com/flowpbx/storyline/internal/ncco"
	"github.com/flowpbx/storyline/internal/session"
)

// pageSize is the number of selectable rows per listing page. One extra
// row is fetched to learn whether another page exists.
const pageSize = 4

// listingKind parameterizes the shared listing transitions for one of the
// paginated menus.
type listingKind struct {
	state session.MenuState
	noun  string
	// listing returns the session's cursor and options for this menu.
	listing func(s *session.Session) *session.Listing
	// fetch returns up to limit row names starting at offset.
	fetch func(ctx context.Context, offset, limit int, filter string) ([]string, error)
	// choose acts on a valid selection.
	choose func(ctx context.Context, s *session.Session, name string) (ncco.NCCO, error)
}

func (m *Machine) storyListing() listingKind {
	return listingKind{
		state:   session.StateStoryList,
		noun:    "stories",
		listing: func(s *session.Session) *session.Listing { return &s.Stories },
		fetch: func(ctx context.Context, offset, limit int, filter string) ([]string, error) {
			stories, err := m.catalog.ListStories(ctx, offset, limit, filter)
			if err != nil {
				return nil, err
			}
			names := make([]string, len(stories))
			for i, st := range stories {
				names[i] = st.Name
			}
			return names, nil
		},
		choose: m.chooseStory,
	}
}

func (m *Machine) categoryListing() listingKind {
	return listingKind{
		state:   session.StateCategoryList,
		noun:    "categories",
		listing: func(s *session.Session) *session.Listing { return &s.Categories },
		fetch: func(ctx context.Context, offset, limit int, _ string) ([]string, error) {
			cats, err := m.catalog.ListCategories(ctx, offset, limit)
			if err != nil {
				return nil, err
			}
			names := make([]string, len(cats))
			for i, c := range cats {
				names[i] = c.Name
			}
			return names, nil
		},
		choose: m.chooseCategory,
	}
}

// fetchPage loads the page at l's cursor, advances the cursor by one page
// and rebuilds the options and prompt. On error l is left untouched. It
// returns the number of rows on the new page.
func (m *Machine) fetchPage(ctx context.Context, l *session.Listing, kind listingKind) (int, error) {
	names, err := kind.fetch(ctx, l.Cursor, pageSize+1, l.Filter)
	if err != nil {
		return 0, fmt.Errorf("fetching %s at %d: %w", kind.noun, l.Cursor, err)
	}

	more := len(names) > pageSize
	if more {
		names = names[:pageSize]
	}

	l.Cursor += pageSize
	l.HasMore = more
	l.Options = make(map[string]string, len(names))
	for i, name := range names {
		l.Options[strconv.Itoa(i+1)] = name
	}
	l.Prompt = listingText(names, more, kind.noun)
	return len(names), nil
}

// listingPrompt repeats the listing last spoken and collects a choice.
func (m *Machine) listingPrompt(s *session.Session, kind listingKind, notice string) ncco.NCCO {
	actions := make(ncco.NCCO, 0, 3)
	if notice != "" {
		actions = append(actions, m.say(s, notice))
	}
	return append(actions,
		m.say(s, kind.listing(s).Prompt),
		m.builder.CollectDigits(string(kind.state), 1),
	)
}

// listingInput is the transition table shared by every paginated menu.
func (m *Machine) listingInput(ctx context.Context, s *session.Session, kind listingKind, digits string) (ncco.NCCO, error) {
	l := kind.listing(s)

	switch digits {
	case "":
		return m.listingPrompt(s, kind, textNoOption), ErrEmptyInput

	case "1", "2", "3", "4":
		name, ok := l.Options[digits]
		if !ok {
			return m.listingPrompt(s, kind, textInvalidOption), ErrInvalidInput
		}
		return kind.choose(ctx, s, name)

	case "5":
		if !l.HasMore {
			return m.listingPrompt(s, kind, textInvalidOption), ErrInvalidInput
		}
		if _, err := m.fetchPage(ctx, l, kind); err != nil {
			m.logger.Error("listing next page failed", "caller_id", s.CallerID, "menu", kind.state, "error", err)
			return m.listingPrompt(s, kind, textCatalogDown), nil
		}
		return m.listingPrompt(s, kind, ""), nil

	case "8":
		return m.listingPrompt(s, kind, ""), nil

	case "9":
		s.State = session.StateMainMenu
		return m.mainMenu(s, ""), nil

	default:
		return m.listingPrompt(s, kind, textInvalidOption), ErrInvalidInput
	}
}

// openListing starts a fresh listing at the first page. When the listing
// cannot be shown, fallback renders where the caller stays instead and the
// session keeps the listing it had.
func (m *Machine) openListing(ctx context.Context, s *session.Session, kind listingKind, filter, emptyText string, fallback func(notice string) ncco.NCCO) (ncco.NCCO, error) {
	fresh := session.Listing{Filter: filter}

	n, err := m.fetchPage(ctx, &fresh, kind)
	if err != nil {
		m.logger.Error("listing failed", "caller_id", s.CallerID, "menu", kind.state, "error", err)
		return fallback(textCatalogDown), nil
	}
	if n == 0 {
		return fallback(emptyText), ErrContentNotFound
	}

	*kind.listing(s) = fresh
	s.State = kind.state
	return m.listingPrompt(s, kind, ""), nil
}

func (m *Machine) chooseCategory(ctx context.Context, s *session.Session, name string) (ncco.NCCO, error) {
	m.logger.Info("category selected", "caller_id", s.CallerID, "category", name)
	return m.openListing(ctx, s, m.storyListing(), name, textEmptyFilter, func(notice string) ncco.NCCO {
		return m.listingPrompt(s, m.categoryListing(), notice)
	})
}

func (m *Machine) chooseStory(ctx context.Context, s *session.Session, name string) (ncco.NCCO, error) {
	story, err := m.catalog.FindStory(ctx, name)
	if err != nil {
		m.logger.Error("story lookup failed", "caller_id", s.CallerID, "story", name, "error", err)
		return m.listingPrompt(s, m.storyListing(), textCatalogDown), nil
	}
	if story == nil {
		return m.listingPrompt(s, m.storyListing(), textStoryGone), ErrContentNotFound
	}

	m.logger.Info("story selected", "caller_id", s.CallerID, "story", story.Name)
	return m.playStory(ctx, s, session.StoryRef{Name: story.Name, AudioFile: story.AudioFile}, func() ncco.NCCO {
		return m.listingPrompt(s, m.storyListing(), textPlayFailed)
	})
}
