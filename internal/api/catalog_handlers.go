package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/flowpbx/storyline/internal/database/models"
	"github.com/flowpbx/storyline/internal/media"
)

// storyRequest is the JSON request body for adding a story.
type storyRequest struct {
	Name      string `json:"name"`
	Category  string `json:"category"`
	AudioFile string `json:"audio_file"`
}

// storyResponse is the JSON response for a single story.
type storyResponse struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	CategoryID *int64 `json:"category_id"`
	AudioFile  string `json:"audio_file"`
	DurationS  int    `json:"duration_s,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// categoryRequest is the JSON request body for adding a category.
type categoryRequest struct {
	Name string `json:"name"`
}

// categoryResponse is the JSON response for a single category.
type categoryResponse struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

// storyRequestResponse is the JSON response for a caller's story request.
type storyRequestResponse struct {
	ID        int64  `json:"id"`
	CallerID  string `json:"caller_id"`
	StoryName string `json:"story_name"`
	CreatedAt string `json:"created_at"`
}

// toStoryResponse converts a models.Story to the API response.
func toStoryResponse(st *models.Story) storyResponse {
	return storyResponse{
		ID:         st.ID,
		Name:       st.Name,
		CategoryID: st.CategoryID,
		AudioFile:  st.AudioFile,
		CreatedAt:  st.CreatedAt.Format(time.RFC3339),
	}
}

// handleListStories returns a page of stories, optionally filtered by
// category name. Total counts the whole catalog.
func (s *Server) handleListStories(w http.ResponseWriter, r *http.Request) {
	page, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	stories, err := s.catalog.ListStories(r.Context(), page.Offset, page.Limit, r.URL.Query().Get("category"))
	if err != nil {
		s.logger.Error("list stories: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]storyResponse, len(stories))
	for i := range stories {
		items[i] = toStoryResponse(&stories[i])
	}

	total, err := s.catalog.CountStories(r.Context())
	if err != nil {
		s.logger.Error("list stories: failed to count", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  page.Limit,
		Offset: page.Offset,
	})
}

// handleCreateStory adds a story whose recording is already present in the
// audio directory.
func (s *Server) handleCreateStory(w http.ResponseWriter, r *http.Request) {
	var req storyRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	req.Name = strings.TrimSpace(req.Name)

	if msg := validateStoryRequest(req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	ctx := r.Context()

	existing, err := s.catalog.FindStory(ctx, req.Name)
	if err != nil {
		s.logger.Error("create story: failed to check name", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "a story with that name already exists")
		return
	}

	path, err := s.library.Resolve(req.AudioFile)
	if err != nil {
		writeError(w, http.StatusBadRequest, "audio_file is not a valid file name")
		return
	}
	dur, err := media.ProbeWAV(path)
	if err != nil {
		s.logger.Warn("create story: unusable recording", "audio_file", req.AudioFile, "error", err)
		writeError(w, http.StatusBadRequest, "audio_file is not a readable wav recording")
		return
	}

	story := &models.Story{Name: req.Name, AudioFile: req.AudioFile}
	if req.Category != "" {
		cat, err := s.catalog.FindCategory(ctx, req.Category)
		if err != nil {
			s.logger.Error("create story: failed to find category", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if cat == nil {
			writeError(w, http.StatusBadRequest, "category not found")
			return
		}
		story.CategoryID = &cat.ID
	}

	if err := s.catalog.CreateStory(ctx, story); err != nil {
		s.logger.Error("create story: failed to insert", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("story created", "story_id", story.ID, "name", story.Name, "duration", dur)

	resp := toStoryResponse(story)
	resp.DurationS = int(dur.Round(time.Second) / time.Second)
	writeJSON(w, http.StatusCreated, resp)
}

// validateStoryRequest checks required fields for a story create.
func validateStoryRequest(req storyRequest) string {
	if msg := validateRequiredStringLen("name", req.Name, maxNameLen); msg != "" {
		return msg
	}
	if msg := validateNoControlChars("name", req.Name); msg != "" {
		return msg
	}
	if msg := validateStringLen("category", req.Category, maxNameLen); msg != "" {
		return msg
	}
	if msg := validateRequiredStringLen("audio_file", req.AudioFile, maxFileNameLen); msg != "" {
		return msg
	}
	if !strings.HasSuffix(strings.ToLower(req.AudioFile), ".wav") {
		return "audio_file must be a .wav file"
	}
	return ""
}

// handleListCategories returns a page of categories.
func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	page, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	cats, err := s.catalog.ListCategories(r.Context(), page.Offset, page.Limit)
	if err != nil {
		s.logger.Error("list categories: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]categoryResponse, len(cats))
	for i, c := range cats {
		items[i] = categoryResponse{ID: c.ID, Name: c.Name, CreatedAt: c.CreatedAt.Format(time.RFC3339)}
	}

	writeJSON(w, http.StatusOK, items)
}

// handleCreateCategory adds a category.
func (s *Server) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	var req categoryRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	req.Name = strings.TrimSpace(req.Name)

	if msg := validateRequiredStringLen("name", req.Name, maxNameLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateNoControlChars("name", req.Name); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	ctx := r.Context()
	existing, err := s.catalog.FindCategory(ctx, req.Name)
	if err != nil {
		s.logger.Error("create category: failed to check name", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "a category with that name already exists")
		return
	}

	c := &models.Category{Name: req.Name}
	if err := s.catalog.CreateCategory(ctx, c); err != nil {
		s.logger.Error("create category: failed to insert", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("category created", "category_id", c.ID, "name", c.Name)

	writeJSON(w, http.StatusCreated, categoryResponse{ID: c.ID, Name: c.Name, CreatedAt: c.CreatedAt.Format(time.RFC3339)})
}

// handleListRequests returns the most recent stories callers asked for.
func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	page, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	reqs, err := s.catalog.ListRequests(r.Context(), page.Limit)
	if err != nil {
		s.logger.Error("list story requests: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]storyRequestResponse, len(reqs))
	for i, req := range reqs {
		items[i] = storyRequestResponse{
			ID:        req.ID,
			CallerID:  req.CallerID,
			StoryName: req.StoryName,
			CreatedAt: req.CreatedAt.Format(time.RFC3339),
		}
	}

	total, err := s.catalog.CountRequests(r.Context())
	if err != nil {
		s.logger.Error("list story requests: failed to count", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items: items,
		Total: total,
		Limit: page.Limit,
	})
}
