package openapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// Operation is one tool surfaced in the catalog document. Tools are exposed
// as POST operations so agents and humans read the same shape.
type Operation struct {
	Method      string         `json:"method"`
	Path        string         `json:"path"`
	Summary     string         `json:"summary,omitempty"`
	Description string         `json:"description,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Connection  string         `json:"x-connection,omitempty"`
	Scopes      []string       `json:"x-required-scopes,omitempty"`
	RequestBody any            `json:"requestBody,omitempty"`
	Responses   map[string]any `json:"responses"`
}

// Registry holds registered operations and the scope descriptions of the
// connections they use.
type Registry struct {
	mu     sync.RWMutex
	Ops    []Operation
	scopes map[string]string
}

func NewRegistry() *Registry { return &Registry{Ops: []Operation{}, scopes: map[string]string{}} }

func (r *Registry) Register(op Operation) {
	if op.Method == "" {
		op.Method = "post"
	}
	op.Method = strings.ToLower(op.Method)
	r.mu.Lock()
	r.Ops = append(r.Ops, op)
	r.mu.Unlock()
}

// DescribeScope records friendly text for a scope in the security scheme.
func (r *Registry) DescribeScope(scope, text string) {
	r.mu.Lock()
	r.scopes[scope] = text
	r.mu.Unlock()
}

// Build produces a minimal OpenAPI 3.1 document of the registered tools.
func (r *Registry) Build(serviceName, version string) map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ops := append([]Operation(nil), r.Ops...)
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Path < ops[j].Path })

	paths := map[string]any{}
	for _, op := range ops {
		if _, ok := paths[op.Path]; !ok {
			paths[op.Path] = map[string]any{}
		}
		m := map[string]any{
			"summary":     op.Summary,
			"description": op.Description,
			"tags":        op.Tags,
			"responses":   op.Responses,
		}
		if op.Connection != "" {
			m["x-connection"] = op.Connection
			m["security"] = []map[string]any{{"tokenVault": op.Scopes}}
		}
		if len(op.Scopes) > 0 {
			m["x-required-scopes"] = op.Scopes
		}
		if op.RequestBody != nil {
			m["requestBody"] = op.RequestBody
		}
		paths[op.Path].(map[string]any)[op.Method] = m
	}
	scopes := make(map[string]string, len(r.scopes))
	for k, v := range r.scopes {
		scopes[k] = v
	}
	return map[string]any{
		"openapi": "3.1.0",
		"info":    map[string]any{"title": serviceName, "version": version},
		"paths":   paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"tokenVault": map[string]any{
					"type":        "oauth2",
					"description": "Delegated provider access resolved server-side from the token vault",
					"flows": map[string]any{
						"authorizationCode": map[string]any{
							"authorizationUrl": "/auth/connect",
							"tokenUrl":         "/api/connect/complete",
							"scopes":           scopes,
						},
					},
				},
			},
		},
	}
}

// ServeHandler returns an HTTP handler that serves the built OpenAPI JSON.
func (r *Registry) ServeHandler(serviceName, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(r.Build(serviceName, version))
	}
}
