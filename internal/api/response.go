package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/flowpbx/storyline/internal/ncco"
)

// envelope is the standard API response wrapper.
// All JSON responses use this format: { "data": ..., "error": ... }
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// writeJSON writes a JSON response with the given status code and data payload.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		slog.Error("failed to encode json error response", "error", err)
	}
}

// writeNCCO answers a provider webhook with a call control object. The
// provider expects a bare JSON array, not the API envelope.
func writeNCCO(w http.ResponseWriter, actions ncco.NCCO) {
	if actions == nil {
		actions = ncco.NCCO{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(actions); err != nil {
		slog.Error("failed to encode ncco response", "error", err)
	}
}

// maxRequestBodySize is the upper limit for JSON request bodies (1 MB).
const maxRequestBodySize = 1 << 20

// readJSON decodes a JSON request body into dst with size limiting.
// Returns a user-friendly error string on failure, or "" on success.
func readJSON(r *http.Request, dst any) string {
	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var (
			syntaxErr *json.SyntaxError
			typeErr   *json.UnmarshalTypeError
			maxErr    *http.MaxBytesError
		)
		switch {
		case errors.Is(err, io.EOF):
			return "request body must not be empty"
		case errors.As(err, &syntaxErr), errors.Is(err, io.ErrUnexpectedEOF):
			return "malformed json"
		case errors.As(err, &typeErr):
			return "invalid value for field " + typeErr.Field
		case errors.As(err, &maxErr):
			return "request body too large"
		case strings.HasPrefix(err.Error(), "json: unknown field "):
			return strings.TrimPrefix(err.Error(), "json: ")
		default:
			return "invalid request body"
		}
	}

	if dec.More() {
		return "request body must contain a single json object"
	}

	return ""
}

// Pagination limits for list endpoints.
const (
	defaultLimit = 20
	maxLimit     = 100
)

// pagination holds parsed limit/offset query parameters.
type pagination struct {
	Limit  int
	Offset int
}

// parsePagination reads limit and offset from the query string. Limits
// above maxLimit are clamped.
func parsePagination(r *http.Request) (pagination, string) {
	p := pagination{Limit: defaultLimit}
	q := r.URL.Query()

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, "limit must be a positive integer"
		}
		p.Limit = min(n, maxLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, "offset must be a non-negative integer"
		}
		p.Offset = n
	}
	return p, ""
}

// PaginatedResponse wraps a page of list results.
type PaginatedResponse struct {
	Items  any   `json:"items"`
	Total  int64 `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}
