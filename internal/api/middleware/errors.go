package middleware

import (
	"encoding/json"
	"net/http"
)

// errorBody matches the api package's envelope format for error responses.
type errorBody struct {
	Error string `json:"error,omitempty"`
}

// writeError writes a JSON error matching the API envelope format.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: msg}) //nolint:errcheck
}
