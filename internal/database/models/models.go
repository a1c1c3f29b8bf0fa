package models

import "time"

// Category groups stories for browsing.
type Category struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

// Story is a catalog entry with its canonical audio asset.
type Story struct {
	ID         int64
	Name       string
	CategoryID *int64
	AudioFile  string // file name within the audio directory
	CreatedAt  time.Time
}

// StoryRequest records a story a caller asked for that the catalog did not
// have.
type StoryRequest struct {
	ID        int64
	CallerID  string
	StoryName string
	CreatedAt time.Time
}
