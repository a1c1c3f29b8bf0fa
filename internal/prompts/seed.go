// Package prompts makes sure the recordings the menu plays outside the
// catalog exist before the first call arrives.
//
// Missing recordings are written as silent placeholders of the right
// format so a fresh install answers calls. Replace them with real voice
// recordings for production use.
package prompts

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/flowpbx/storyline/internal/media"
)

// placeholderSeconds is the length of a seeded placeholder.
const placeholderSeconds = 3

// Seed writes a placeholder for every named recording missing from dir.
// Files that already exist are left untouched, preserving real
// recordings. It returns the names that were created.
func Seed(dir string, names []string, logger *slog.Logger) ([]string, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating audio directory: %w", err)
	}

	var created []string
	for _, name := range names {
		if name == "" {
			continue
		}
		if filepath.Base(name) != name || !strings.HasSuffix(name, ".wav") {
			return created, fmt.Errorf("invalid recording name %q", name)
		}

		dest := filepath.Join(dir, name)
		if _, err := os.Stat(dest); err == nil {
			logger.Debug("recording already exists, skipping", "file", name)
			continue
		}

		if err := os.WriteFile(dest, media.Silence(placeholderSeconds), 0640); err != nil {
			return created, fmt.Errorf("writing placeholder %s: %w", name, err)
		}
		created = append(created, name)
		logger.Warn("seeded placeholder recording", "file", name, "path", dest)
	}
	return created, nil
}
