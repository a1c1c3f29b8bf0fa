package database

import (
	"context"

	"github.com/flowpbx/storyline/internal/database/models"
)

// CatalogRepository reads the story catalog and records story requests.
// Listings are ordered by id so offset pagination is stable.
type CatalogRepository interface {
	ListStories(ctx context.Context, offset, limit int, category string) ([]models.Story, error)
	ListCategories(ctx context.Context, offset, limit int) ([]models.Category, error)
	FindStory(ctx context.Context, name string) (*models.Story, error)
	FindCategory(ctx context.Context, name string) (*models.Category, error)
	CreateCategory(ctx context.Context, c *models.Category) error
	CreateStory(ctx context.Context, s *models.Story) error
	SaveRequest(ctx context.Context, req *models.StoryRequest) error
	ListRequests(ctx context.Context, limit int) ([]models.StoryRequest, error)
	CountStories(ctx context.Context) (int64, error)
	CountRequests(ctx context.Context) (int64, error)
}
