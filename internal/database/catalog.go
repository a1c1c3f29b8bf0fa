package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/flowpbx/storyline/internal/database/models"
)

// catalogRepo implements CatalogRepository.
type catalogRepo struct {
	db *DB
}

// NewCatalogRepository creates a new CatalogRepository.
func NewCatalogRepository(db *DB) CatalogRepository {
	return &catalogRepo{db: db}
}

// ListStories returns up to limit stories after skipping offset, optionally
// restricted to the named category.
func (r *catalogRepo) ListStories(ctx context.Context, offset, limit int, category string) ([]models.Story, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if category == "" {
		rows, err = r.db.QueryContext(ctx, r.db.rebind(
			`SELECT id, name, category_id, audio_file, created_at
			 FROM stories ORDER BY id LIMIT ? OFFSET ?`), limit, offset)
	} else {
		rows, err = r.db.QueryContext(ctx, r.db.rebind(
			`SELECT s.id, s.name, s.category_id, s.audio_file, s.created_at
			 FROM stories s JOIN categories c ON c.id = s.category_id
			 WHERE c.name = ?
			 ORDER BY s.id LIMIT ? OFFSET ?`), category, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("querying stories: %w", err)
	}
	defer rows.Close()

	var stories []models.Story
	for rows.Next() {
		var s models.Story
		if err := rows.Scan(&s.ID, &s.Name, &s.CategoryID, &s.AudioFile, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning story row: %w", err)
		}
		stories = append(stories, s)
	}
	return stories, rows.Err()
}

// ListCategories returns up to limit categories after skipping offset.
func (r *catalogRepo) ListCategories(ctx context.Context, offset, limit int) ([]models.Category, error) {
	rows, err := r.db.QueryContext(ctx, r.db.rebind(
		`SELECT id, name, created_at FROM categories ORDER BY id LIMIT ? OFFSET ?`), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying categories: %w", err)
	}
	defer rows.Close()

	var categories []models.Category
	for rows.Next() {
		var c models.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning category row: %w", err)
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

// FindStory looks a story up by name, ignoring case and surrounding
// whitespace. Returns nil, nil if there is no such story.
func (r *catalogRepo) FindStory(ctx context.Context, name string) (*models.Story, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}

	var s models.Story
	err := r.db.QueryRowContext(ctx, r.db.rebind(
		`SELECT id, name, category_id, audio_file, created_at
		 FROM stories WHERE lower(name) = lower(?) ORDER BY id LIMIT 1`), name,
	).Scan(&s.ID, &s.Name, &s.CategoryID, &s.AudioFile, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying story: %w", err)
	}
	return &s, nil
}

// FindCategory looks a category up by name, ignoring case. Returns nil,
// nil if there is no such category.
func (r *catalogRepo) FindCategory(ctx context.Context, name string) (*models.Category, error) {
	var c models.Category
	err := r.db.QueryRowContext(ctx, r.db.rebind(
		`SELECT id, name, created_at FROM categories WHERE lower(name) = lower(?) LIMIT 1`),
		strings.TrimSpace(name),
	).Scan(&c.ID, &c.Name, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying category: %w", err)
	}
	return &c, nil
}

// CreateCategory inserts a new category.
func (r *catalogRepo) CreateCategory(ctx context.Context, c *models.Category) error {
	err := r.db.QueryRowContext(ctx, r.db.rebind(
		`INSERT INTO categories (name) VALUES (?) RETURNING id`), c.Name,
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("inserting category: %w", err)
	}
	c.CreatedAt = time.Now().UTC()
	return nil
}

// CreateStory inserts a new story.
func (r *catalogRepo) CreateStory(ctx context.Context, s *models.Story) error {
	err := r.db.QueryRowContext(ctx, r.db.rebind(
		`INSERT INTO stories (name, category_id, audio_file) VALUES (?, ?, ?)
		 RETURNING id`), s.Name, s.CategoryID, s.AudioFile,
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("inserting story: %w", err)
	}
	s.CreatedAt = time.Now().UTC()
	return nil
}

// SaveRequest records a caller's request for a story the catalog lacks.
func (r *catalogRepo) SaveRequest(ctx context.Context, req *models.StoryRequest) error {
	err := r.db.QueryRowContext(ctx, r.db.rebind(
		`INSERT INTO story_requests (caller_id, story_name) VALUES (?, ?)
		 RETURNING id`), req.CallerID, req.StoryName,
	).Scan(&req.ID)
	if err != nil {
		return fmt.Errorf("inserting story request: %w", err)
	}
	req.CreatedAt = time.Now().UTC()
	return nil
}

// ListRequests returns the most recent story requests, newest first.
func (r *catalogRepo) ListRequests(ctx context.Context, limit int) ([]models.StoryRequest, error) {
	rows, err := r.db.QueryContext(ctx, r.db.rebind(
		`SELECT id, caller_id, story_name, created_at
		 FROM story_requests ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("querying story requests: %w", err)
	}
	defer rows.Close()

	var reqs []models.StoryRequest
	for rows.Next() {
		var req models.StoryRequest
		if err := rows.Scan(&req.ID, &req.CallerID, &req.StoryName, &req.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning story request row: %w", err)
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// CountStories returns the number of stories in the catalog.
func (r *catalogRepo) CountStories(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting stories: %w", err)
	}
	return n, nil
}

// CountRequests returns the number of saved story requests.
func (r *catalogRepo) CountRequests(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM story_requests`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting story requests: %w", err)
	}
	return n, nil
}
