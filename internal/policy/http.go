package policy

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"vaultbot/pkg/middleware"
	"vaultbot/pkg/problems"
)

// ToolLookup reports the connection and scopes a named tool needs.
type ToolLookup func(name string) (connection string, scopes []string, ok bool)

// RegisterHTTP mounts a preflight endpoint so clients can tell ahead of
// time whether a tool call would be blocked.
// POST /api/tools/{name}/preflight  body: { args }
func RegisterHTTP(r chi.Router, e *Engine, lookup ToolLookup) {
	r.Post("/api/tools/{name}/preflight", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		conn, scopes, ok := lookup(name)
		if !ok {
			problems.WriteError(w, http.StatusNotFound, problems.CodeInvalidRequest, "unknown tool")
			return
		}
		var body struct {
			Args map[string]any `json:"args"`
		}
		_ = json.NewDecoder(req.Body).Decode(&body)
		dec := e.Evaluate(req.Context(), Input{
			Tool:       name,
			Connection: conn,
			Scopes:     scopes,
			UserID:     middleware.ActorSub(req.Context()),
			Args:       body.Args,
		})
		problems.WriteJSON(w, http.StatusOK, dec)
	})
}
