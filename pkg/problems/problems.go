package problems

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"
)

// Machine-readable error codes shared by the HTTP surfaces.
const (
	CodeInvalidRequest   = "invalid_request"
	CodeInvalidAssertion = "invalid_assertion"
	CodeAccountNotFound  = "account_not_found"
	CodeStateMismatch    = "state_mismatch"
	CodeSessionExpired   = "session_expired"
	CodeUnauthorized     = "unauthorized"
	CodeRateLimited      = "rate_limited"
	CodeNotFound         = "not_found"
	CodeForbidden        = "forbidden"
	CodeNotResumable     = "turn_not_resumable"
	CodeServerError      = "server_error"
)

// Base returns the base URL for problem type identifiers.
// Order of precedence:
// 1. PROBLEM_BASE_URL (exact base, e.g. https://mydomain.com/problems)
// 2. BASE_PUBLIC_URL + "/problems" (if set)
// 3. https://example.com/problems (fallback)
func Base() string {
	if b := os.Getenv("PROBLEM_BASE_URL"); b != "" {
		return strings.TrimRight(b, "/")
	}
	if b := os.Getenv("BASE_PUBLIC_URL"); b != "" {
		return strings.TrimRight(b, "/") + "/problems"
	}
	return "https://example.com/problems"
}

// Type builds a full problem type URL for the given slug.
func Type(slug string) string { return Base() + "/" + slug }

// Error is the JSON error envelope returned by every endpoint.
type Error struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Type             string `json:"type,omitempty"`
}

// WriteError writes {error, error_description} with the given status.
func WriteError(w http.ResponseWriter, status int, code, description string) {
	WriteJSON(w, status, Error{
		Error:            code,
		ErrorDescription: description,
		Type:             Type(strings.ReplaceAll(code, "_", "-")),
	})
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
