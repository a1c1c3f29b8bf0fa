// Package media owns the audio files the service streams: canonical story
// assets (read only) and the per-session fragments cut from them.
package media

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// fragmentExt is the extension of every fragment file.
const fragmentExt = ".wav"

// ErrInvalidAssetName is returned when an asset name would escape its
// directory.
var ErrInvalidAssetName = errors.New("invalid asset name")

// Fragment is a derived audio file holding "the rest of the story" from
// some offset of a canonical source asset.
type Fragment struct {
	// ID is the fragment's file name within the fragment directory.
	ID string
	// Duration is the playing time of the fragment.
	Duration time.Duration
}

// Library resolves canonical story assets by name. Assets are never
// modified or deleted by the service.
type Library struct {
	dir string
}

// NewLibrary creates a Library rooted at dir.
func NewLibrary(dir string) *Library {
	return &Library{dir: dir}
}

// Resolve returns the absolute path of the named asset.
func (l *Library) Resolve(name string) (string, error) {
	if name == "" || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAssetName, name)
	}
	clean := filepath.Clean("/" + name)
	if clean == "/" {
		return "", fmt.Errorf("%w: %q", ErrInvalidAssetName, name)
	}
	return filepath.Join(l.dir, clean), nil
}

// FragmentStore creates and deletes fragment files in a single directory.
// It is the only writer and deleter of files in that directory.
type FragmentStore struct {
	dir    string
	logger *slog.Logger
}

// NewFragmentStore creates the fragment directory if needed.
func NewFragmentStore(dir string, logger *slog.Logger) (*FragmentStore, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating fragment directory: %w", err)
	}
	return &FragmentStore{
		dir:    dir,
		logger: logger.With("subsystem", "fragments"),
	}, nil
}

// Dir returns the fragment directory.
func (s *FragmentStore) Dir() string {
	return s.dir
}

// Create cuts source from offsetSeconds onward into a new uniquely named
// fragment. The file is fully written and synced under a temporary name
// and then renamed into place, so a returned fragment is always complete.
func (s *FragmentStore) Create(source string, offsetSeconds int) (Fragment, error) {
	src, err := os.Open(source)
	if err != nil {
		return Fragment{}, fmt.Errorf("opening source asset: %w", err)
	}
	defer src.Close()

	id := uuid.NewString() + fragmentExt
	tmp, err := os.CreateTemp(s.dir, ".partial-*")
	if err != nil {
		return Fragment{}, fmt.Errorf("creating temp fragment: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	dur, err := TrimWAV(src, tmp, offsetSeconds)
	if err != nil {
		return Fragment{}, fmt.Errorf("trimming %s at %ds: %w", filepath.Base(source), offsetSeconds, err)
	}
	if err := tmp.Sync(); err != nil {
		return Fragment{}, fmt.Errorf("syncing fragment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Fragment{}, fmt.Errorf("closing fragment: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, id)); err != nil {
		return Fragment{}, fmt.Errorf("committing fragment: %w", err)
	}
	committed = true

	s.logger.Debug("fragment created",
		"fragment_id", id,
		"source", filepath.Base(source),
		"offset_s", offsetSeconds,
		"duration", dur,
	)
	return Fragment{ID: id, Duration: dur}, nil
}

// Remove deletes a fragment. Removing a missing fragment is not an error.
func (s *FragmentStore) Remove(id string) error {
	if id == "" {
		return nil
	}
	if filepath.Base(id) != id {
		return fmt.Errorf("%w: %q", ErrInvalidAssetName, id)
	}
	if err := os.Remove(filepath.Join(s.dir, id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing fragment %s: %w", id, err)
	}
	s.logger.Debug("fragment removed", "fragment_id", id)
	return nil
}

// Path returns the file path of a fragment. Only names the store itself
// generates are accepted.
func (s *FragmentStore) Path(id string) (string, error) {
	base, ok := strings.CutSuffix(id, fragmentExt)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidAssetName, id)
	}
	if _, err := uuid.Parse(base); err != nil || len(base) != 36 {
		return "", fmt.Errorf("%w: %q", ErrInvalidAssetName, id)
	}
	return filepath.Join(s.dir, id), nil
}

// Exists reports whether the fragment file is present.
func (s *FragmentStore) Exists(id string) bool {
	if id == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(s.dir, id))
	return err == nil
}

// Count returns the number of fragment files on disk.
func (s *FragmentStore) Count() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("reading fragment directory: %w", err)
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), fragmentExt) {
			n++
		}
	}
	return n, nil
}

// Sweep deletes fragment files (and abandoned partial writes) older than
// maxAge that inUse does not claim. It returns the removed file names.
func (s *FragmentStore) Sweep(maxAge time.Duration, inUse func(id string) bool) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading fragment directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	var removed []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		partial := strings.HasPrefix(name, ".partial-")
		if !partial && !strings.HasSuffix(name, fragmentExt) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if !partial && inUse != nil && inUse(name) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove orphan fragment", "fragment_id", name, "error", err)
			continue
		}
		removed = append(removed, name)
	}
	return removed, nil
}
