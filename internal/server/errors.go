package server

import (
	"encoding/json"
	"net/http"

	"github.com/chainlearn/dalcore/internal/errkind"
)

// APIError is the standard error response format.
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeJSONError writes a consistent JSON error response.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIError{Error: message, Code: code})
}

// writeError maps a core error onto the HTTP surface, preserving its
// machine-readable code.
func writeError(w http.ResponseWriter, err error) {
	writeJSONError(w, errkind.HTTPStatus(err), errkind.CodeOf(err), err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
