package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/storyline/internal/api/middleware"
	"github.com/flowpbx/storyline/internal/database/models"
	"github.com/flowpbx/storyline/internal/ivr"
	"github.com/flowpbx/storyline/internal/media"
	"github.com/flowpbx/storyline/internal/ncco"
	"github.com/flowpbx/storyline/internal/session"
	"github.com/flowpbx/storyline/internal/vonage"
)

const virtualNumber = "447700900000"

// fakeCalls records what the webhooks asked of the menu state machine.
type fakeCalls struct {
	mu        sync.Mutex
	answered  []string
	bound     []string
	ended     []string
	greeted   []string
	abandoned []string
	inputs    []ivr.Input
	answerErr error
	bindErr   error
}

func (f *fakeCalls) Answer(_ context.Context, callerID, legID, conversationID string) (ncco.NCCO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.answerErr != nil {
		return nil, f.answerErr
	}
	f.answered = append(f.answered, callerID+"/"+legID+"/"+conversationID)
	return ncco.NCCO{{Action: "talk", Text: "menu"}}, nil
}

func (f *fakeCalls) Bind(_ context.Context, callerID, legID, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bound = append(f.bound, callerID+"/"+legID+"/"+conversationID)
	return f.bindErr
}

func (f *fakeCalls) Greeting(_ context.Context, callerID string) (ncco.NCCO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.greeted = append(f.greeted, callerID)
	return ncco.NCCO{{Action: "talk", Text: "hello"}}, nil
}

func (f *fakeCalls) Abandon(callerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandoned = append(f.abandoned, callerID)
}

func (f *fakeCalls) CallEnded(conversationID, callerID, legID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, callerID+"/"+legID+"/"+conversationID)
}

func (f *fakeCalls) Handle(_ context.Context, in ivr.Input) ncco.NCCO {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	return ncco.NCCO{{Action: "talk", Text: "next"}}
}

func (f *fakeCalls) Fallback(menu session.MenuState) ncco.NCCO {
	return ncco.NCCO{{Action: "talk", Text: "fallback " + string(menu)}}
}

// fakeCatalog is an in-memory CatalogRepository.
type fakeCatalog struct {
	stories    []models.Story
	categories []models.Category
	requests   []models.StoryRequest
	err        error
}

func (c *fakeCatalog) ListStories(_ context.Context, offset, limit int, category string) ([]models.Story, error) {
	if c.err != nil {
		return nil, c.err
	}
	var out []models.Story
	for _, s := range c.stories {
		if category != "" {
			cat, _ := c.FindCategory(context.Background(), category)
			if cat == nil || s.CategoryID == nil || *s.CategoryID != cat.ID {
				continue
			}
		}
		out = append(out, s)
	}
	return page(out, offset, limit), nil
}

func (c *fakeCatalog) ListCategories(_ context.Context, offset, limit int) ([]models.Category, error) {
	if c.err != nil {
		return nil, c.err
	}
	return page(c.categories, offset, limit), nil
}

func (c *fakeCatalog) FindStory(_ context.Context, name string) (*models.Story, error) {
	for i := range c.stories {
		if strings.EqualFold(c.stories[i].Name, name) {
			return &c.stories[i], nil
		}
	}
	return nil, c.err
}

func (c *fakeCatalog) FindCategory(_ context.Context, name string) (*models.Category, error) {
	for i := range c.categories {
		if strings.EqualFold(c.categories[i].Name, name) {
			return &c.categories[i], nil
		}
	}
	return nil, c.err
}

func (c *fakeCatalog) CreateCategory(_ context.Context, cat *models.Category) error {
	cat.ID = int64(len(c.categories) + 1)
	cat.CreatedAt = time.Now()
	c.categories = append(c.categories, *cat)
	return nil
}

func (c *fakeCatalog) CreateStory(_ context.Context, s *models.Story) error {
	s.ID = int64(len(c.stories) + 1)
	s.CreatedAt = time.Now()
	c.stories = append(c.stories, *s)
	return nil
}

func (c *fakeCatalog) SaveRequest(_ context.Context, req *models.StoryRequest) error {
	req.ID = int64(len(c.requests) + 1)
	c.requests = append(c.requests, *req)
	return nil
}

func (c *fakeCatalog) ListRequests(_ context.Context, limit int) ([]models.StoryRequest, error) {
	return page(c.requests, 0, limit), nil
}

func (c *fakeCatalog) CountStories(context.Context) (int64, error) {
	return int64(len(c.stories)), c.err
}

func (c *fakeCatalog) CountRequests(context.Context) (int64, error) {
	return int64(len(c.requests)), c.err
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	return items[offset:min(offset+limit, len(items))]
}

// fakeDialer stands in for the provider's call API.
type fakeDialer struct {
	err     error
	number  string
	actions ncco.NCCO
	event   string
}

func (d *fakeDialer) CreateCall(_ context.Context, number string, actions ncco.NCCO, eventURL string) (*vonage.CallResponse, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.number, d.actions, d.event = number, actions, eventURL
	return &vonage.CallResponse{UUID: "leg-out", ConversationUUID: "CON-out", Status: "started"}, nil
}

type testEnv struct {
	srv       *Server
	calls     *fakeCalls
	catalog   *fakeCatalog
	dialer    *fakeDialer
	fragments *media.FragmentStore
	audioDir  string
}

func newTestServer(t *testing.T, secret []byte) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	audioDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(audioDir, "fox.wav"), media.Silence(3), 0o644); err != nil {
		t.Fatal(err)
	}
	fragments, err := media.NewFragmentStore(t.TempDir(), logger)
	if err != nil {
		t.Fatal(err)
	}

	env := &testEnv{
		calls:     &fakeCalls{},
		catalog:   &fakeCatalog{},
		dialer:    &fakeDialer{},
		fragments: fragments,
		audioDir:  audioDir,
	}
	env.srv = NewServer(Config{
		Calls:         env.calls,
		Catalog:       env.catalog,
		Library:       media.NewLibrary(audioDir),
		Dialer:        env.dialer,
		Builder:       ncco.NewBuilder("https://ivr.example.com", "en-GB"),
		Fragments:     fragments,
		VirtualNumber: virtualNumber,
		AdminSecret:   secret,
	}, logger)
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(method, target, body string, header ...string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	e.srv.ServeHTTP(rr, req)
	return rr
}

func decodeNCCO(t *testing.T, rr *httptest.ResponseRecorder) ncco.NCCO {
	t.Helper()
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}
	var out ncco.NCCO
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not an ncco array: %v: %s", err, rr.Body.String())
	}
	return out
}

func decodeData(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	var env struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode envelope: %v", err)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		t.Fatalf("failed to decode data: %v: %s", err, env.Data)
	}
}

func TestHealth(t *testing.T) {
	env := newTestServer(t, nil)
	rr := env.do(http.MethodGet, "/api/v1/health", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var got healthResponse
	decodeData(t, rr, &got)
	if got.Status != "ok" {
		t.Errorf("status = %q", got.Status)
	}
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}
}

func TestNotFoundUsesEnvelope(t *testing.T) {
	env := newTestServer(t, nil)
	rr := env.do(http.MethodGet, "/nope", "")

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"error":"not found"`) {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestAnswerWebhook(t *testing.T) {
	env := newTestServer(t, nil)
	rr := env.do(http.MethodGet, "/webhooks/answer?from=447700900123&to="+virtualNumber+"&uuid=leg-1&conversation_uuid=CON-1", "")

	out := decodeNCCO(t, rr)
	if len(out) != 1 || out[0].Text != "menu" {
		t.Errorf("ncco = %+v", out)
	}
	if len(env.calls.answered) != 1 || env.calls.answered[0] != "447700900123/leg-1/CON-1" {
		t.Errorf("answered = %v", env.calls.answered)
	}
}

func TestAnswerWebhookMissingDetails(t *testing.T) {
	env := newTestServer(t, nil)
	rr := env.do(http.MethodGet, "/webhooks/answer?from=447700900123", "")

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if len(env.calls.answered) != 0 {
		t.Error("answer called without a leg")
	}
}

func TestAnswerWebhookFailureFallsBack(t *testing.T) {
	env := newTestServer(t, nil)
	env.calls.answerErr = context.DeadlineExceeded

	rr := env.do(http.MethodGet, "/webhooks/answer?from=447700900123&to="+virtualNumber+"&uuid=leg-1", "")

	out := decodeNCCO(t, rr)
	if len(out) != 1 || out[0].Text != "fallback main_menu" {
		t.Errorf("ncco = %+v", out)
	}
}

func TestEventWebhook(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantBound int
		wantEnded int
	}{
		{"answered", `{"from":"` + virtualNumber + `","to":"447700900123","uuid":"leg-1","conversation_uuid":"CON-1","status":"answered"}`, 1, 0},
		{"completed", `{"from":"447700900123","to":"` + virtualNumber + `","uuid":"leg-1","conversation_uuid":"CON-1","status":"completed","duration":"42"}`, 0, 1},
		{"ringing", `{"from":"447700900123","to":"` + virtualNumber + `","uuid":"leg-1","status":"ringing"}`, 0, 0},
		{"garbage", `not json`, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestServer(t, nil)
			rr := env.do(http.MethodPost, "/webhooks/event", tt.body)

			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rr.Code)
			}
			if len(env.calls.bound) != tt.wantBound {
				t.Errorf("bound = %v, want %d", env.calls.bound, tt.wantBound)
			}
			if len(env.calls.ended) != tt.wantEnded {
				t.Errorf("ended = %v, want %d", env.calls.ended, tt.wantEnded)
			}
			for _, got := range append(env.calls.bound, env.calls.ended...) {
				if got != "447700900123/leg-1/CON-1" {
					t.Errorf("call reference = %q", got)
				}
			}
		})
	}
}

func TestEventWebhookBindWithoutSession(t *testing.T) {
	env := newTestServer(t, nil)
	env.calls.bindErr = session.ErrSessionNotFound

	rr := env.do(http.MethodPost, "/webhooks/event", `{"from":"447700900123","to":"`+virtualNumber+`","uuid":"leg-1","status":"answered"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestInputWebhookDigits(t *testing.T) {
	env := newTestServer(t, nil)
	body := `{"from":"447700900123","to":"` + virtualNumber + `","uuid":"leg-1","conversation_uuid":"CON-1","dtmf":{"digits":"2 ","timed_out":false}}`

	out := decodeNCCO(t, env.do(http.MethodPost, "/webhooks/input/main_menu", body))
	if len(out) != 1 || out[0].Text != "next" {
		t.Errorf("ncco = %+v", out)
	}

	if len(env.calls.inputs) != 1 {
		t.Fatalf("inputs = %d, want 1", len(env.calls.inputs))
	}
	in := env.calls.inputs[0]
	want := ivr.Input{CallerID: "447700900123", ConversationID: "CON-1", LegID: "leg-1", Menu: session.StateMainMenu, Digits: "2"}
	if in.CallerID != want.CallerID || in.ConversationID != want.ConversationID ||
		in.LegID != want.LegID || in.Menu != want.Menu || in.Digits != want.Digits || in.Speech != nil {
		t.Errorf("input = %+v, want %+v", in, want)
	}
}

func TestInputWebhookSpeech(t *testing.T) {
	tests := []struct {
		name         string
		speech       string
		wantTimedOut bool
		wantError    string
		wantText     []string
	}{
		{"silence", `{"timeout_reason":"start_timeout"}`, true, "", nil},
		{"recognized", `{"timeout_reason":"end_on_silence_timeout","results":[{"text":"The Fox","confidence":"0.9"},{"text":"the fogs","confidence":"0.4"}]}`, false, "", []string{"The Fox", "the fogs"}},
		{"error", `{"error":"ERR1: Failed to analyze audio"}`, false, "ERR1: Failed to analyze audio", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestServer(t, nil)
			body := `{"from":"447700900123","to":"` + virtualNumber + `","uuid":"leg-1","speech":` + tt.speech + `}`

			decodeNCCO(t, env.do(http.MethodPost, "/webhooks/input/request_story", body))

			in := env.calls.inputs[0]
			if in.Menu != session.StateRequestStory {
				t.Errorf("menu = %q", in.Menu)
			}
			if in.Speech == nil {
				t.Fatal("speech missing")
			}
			if in.Speech.TimedOut != tt.wantTimedOut || in.Speech.Error != tt.wantError {
				t.Errorf("speech = %+v", in.Speech)
			}
			if strings.Join(in.Speech.Transcripts, "|") != strings.Join(tt.wantText, "|") {
				t.Errorf("transcripts = %v, want %v", in.Speech.Transcripts, tt.wantText)
			}
		})
	}
}

func TestInputWebhookUndecodable(t *testing.T) {
	env := newTestServer(t, nil)

	out := decodeNCCO(t, env.do(http.MethodPost, "/webhooks/input/story_list", `{"dtmf":`))
	if len(out) != 1 || out[0].Text != "fallback story_list" {
		t.Errorf("ncco = %+v", out)
	}
	if len(env.calls.inputs) != 0 {
		t.Error("undecodable input reached the state machine")
	}
}

func TestAudioServesFragments(t *testing.T) {
	env := newTestServer(t, nil)
	frag, err := env.fragments.Create(filepath.Join(env.audioDir, "fox.wav"), 1)
	if err != nil {
		t.Fatal(err)
	}

	rr := env.do(http.MethodGet, "/audio/"+frag.ID, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.HasPrefix(rr.Body.String(), "RIFF") {
		t.Error("body is not a wav file")
	}

	for _, target := range []string{
		"/audio/7c9e6679-7425-40de-944b-e07fc1f90ae7.wav",
		"/audio/fox.wav",
		"/audio/",
	} {
		if rr := env.do(http.MethodGet, target, ""); rr.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", target, rr.Code)
		}
	}
}

func TestSilenceAsset(t *testing.T) {
	env := newTestServer(t, nil)
	rr := env.do(http.MethodGet, "/static/silence.wav", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.HasPrefix(rr.Body.String(), "RIFF") {
		t.Error("body is not a wav file")
	}
}

func TestCreateCall(t *testing.T) {
	env := newTestServer(t, nil)
	rr := env.do(http.MethodPost, "/api/v1/calls", `{"to":"+447700900123"}`)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var got callResponse
	decodeData(t, rr, &got)
	if got.To != "447700900123" || got.LegID != "leg-out" {
		t.Errorf("response = %+v", got)
	}
	if env.dialer.number != "447700900123" || env.dialer.event != "https://ivr.example.com/webhooks/event" {
		t.Errorf("dialed %q with event url %q", env.dialer.number, env.dialer.event)
	}
	if len(env.dialer.actions) != 1 || env.dialer.actions[0].Text != "hello" {
		t.Errorf("call ncco = %+v", env.dialer.actions)
	}
	if len(env.calls.bound) != 1 || env.calls.bound[0] != "447700900123/leg-out/CON-out" {
		t.Errorf("bound = %v", env.calls.bound)
	}
}

func TestCreateCallRejected(t *testing.T) {
	env := newTestServer(t, nil)
	env.dialer.err = &vonage.APIError{StatusCode: http.StatusUnauthorized, Title: "Unauthorized"}

	rr := env.do(http.MethodPost, "/api/v1/calls", `{"to":"447700900123"}`)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	if len(env.calls.abandoned) != 1 || env.calls.abandoned[0] != "447700900123" {
		t.Errorf("abandoned = %v", env.calls.abandoned)
	}
	if len(env.calls.bound) != 0 {
		t.Error("rejected call was bound")
	}
}

func TestCreateCallValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing", `{}`},
		{"letters", `{"to":"call-me"}`},
		{"too short", `{"to":"123"}`},
		{"unknown field", `{"to":"447700900123","from":"1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestServer(t, nil)
			rr := env.do(http.MethodPost, "/api/v1/calls", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rr.Code)
			}
			if len(env.calls.greeted) != 0 {
				t.Error("session prepared for an invalid request")
			}
		})
	}
}

func TestCreateCallWithoutProvider(t *testing.T) {
	env := newTestServer(t, nil)
	env.srv.dialer = nil

	rr := env.do(http.MethodPost, "/api/v1/calls", `{"to":"447700900123"}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	secret := []byte(strings.Repeat("k", 32))
	env := newTestServer(t, secret)

	if rr := env.do(http.MethodGet, "/api/v1/stories", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("without token: expected 401, got %d", rr.Code)
	}
	if rr := env.do(http.MethodGet, "/api/v1/health", ""); rr.Code != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", rr.Code)
	}

	token, _, err := middleware.GenerateAdminToken(secret, "ops", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if rr := env.do(http.MethodGet, "/api/v1/stories", "", "Authorization", "Bearer "+token); rr.Code != http.StatusOK {
		t.Fatalf("with token: expected 200, got %d", rr.Code)
	}
}

func TestCreateStory(t *testing.T) {
	env := newTestServer(t, nil)
	env.catalog.categories = []models.Category{{ID: 1, Name: "Animals"}}

	rr := env.do(http.MethodPost, "/api/v1/stories", `{"name":" The Fox ","category":"animals","audio_file":"fox.wav"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var got storyResponse
	decodeData(t, rr, &got)
	if got.Name != "The Fox" || got.CategoryID == nil || *got.CategoryID != 1 || got.DurationS != 3 {
		t.Errorf("story = %+v", got)
	}

	if rr := env.do(http.MethodPost, "/api/v1/stories", `{"name":"the fox","audio_file":"fox.wav"}`); rr.Code != http.StatusConflict {
		t.Errorf("duplicate: expected 409, got %d", rr.Code)
	}
}

func TestCreateStoryValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing name", `{"audio_file":"fox.wav"}`},
		{"missing file", `{"name":"Fox"}`},
		{"not wav", `{"name":"Fox","audio_file":"fox.mp3"}`},
		{"absent file", `{"name":"Fox","audio_file":"wolf.wav"}`},
		{"unknown category", `{"name":"Fox","audio_file":"fox.wav","category":"Myths"}`},
		{"control chars", `{"name":"Fo\u0007x","audio_file":"fox.wav"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestServer(t, nil)
			rr := env.do(http.MethodPost, "/api/v1/stories", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
			if len(env.catalog.stories) != 0 {
				t.Error("invalid story was stored")
			}
		})
	}
}

func TestListStoriesPaginated(t *testing.T) {
	env := newTestServer(t, nil)
	for i := range 7 {
		env.catalog.stories = append(env.catalog.stories, models.Story{ID: int64(i + 1), Name: "Story " + string(rune('A'+i))})
	}

	rr := env.do(http.MethodGet, "/api/v1/stories?limit=5&offset=5", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var got struct {
		Items  []storyResponse `json:"items"`
		Total  int64           `json:"total"`
		Limit  int             `json:"limit"`
		Offset int             `json:"offset"`
	}
	decodeData(t, rr, &got)
	if len(got.Items) != 2 || got.Items[0].Name != "Story F" || got.Total != 7 || got.Offset != 5 {
		t.Errorf("page = %+v", got)
	}

	if rr := env.do(http.MethodGet, "/api/v1/stories?limit=zero", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("bad limit: expected 400, got %d", rr.Code)
	}
}

func TestListStoriesCatalogDown(t *testing.T) {
	env := newTestServer(t, nil)
	env.catalog.err = errors.New("connection refused")

	if rr := env.do(http.MethodGet, "/api/v1/stories", ""); rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestCategories(t *testing.T) {
	env := newTestServer(t, nil)

	if rr := env.do(http.MethodPost, "/api/v1/categories", `{"name":"Myths"}`); rr.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", rr.Code)
	}
	if rr := env.do(http.MethodPost, "/api/v1/categories", `{"name":"myths"}`); rr.Code != http.StatusConflict {
		t.Fatalf("duplicate: expected 409, got %d", rr.Code)
	}
	if rr := env.do(http.MethodPost, "/api/v1/categories", `{"name":"  "}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("blank: expected 400, got %d", rr.Code)
	}

	rr := env.do(http.MethodGet, "/api/v1/categories", "")
	var got []categoryResponse
	decodeData(t, rr, &got)
	if len(got) != 1 || got[0].Name != "Myths" {
		t.Errorf("categories = %+v", got)
	}
}

func TestListRequests(t *testing.T) {
	env := newTestServer(t, nil)
	env.catalog.requests = []models.StoryRequest{
		{ID: 1, CallerID: "447700900123", StoryName: "the snow queen"},
	}

	rr := env.do(http.MethodGet, "/api/v1/requests", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var got struct {
		Items []storyRequestResponse `json:"items"`
		Total int64                  `json:"total"`
	}
	decodeData(t, rr, &got)
	if got.Total != 1 || len(got.Items) != 1 || got.Items[0].StoryName != "the snow queen" {
		t.Errorf("requests = %+v", got)
	}
}
