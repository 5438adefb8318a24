package connections

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Connection describes one third-party identity provider integration.
// Values are immutable once the registry is built.
type Connection struct {
	Name         string `json:"name" yaml:"name"`
	ConnectionID string `json:"connection_id" yaml:"connection_id"` // vault connection identifier
	DisplayName  string `json:"display_name" yaml:"display_name"`
	// Scopes maps a tool operation to the OAuth scopes it needs.
	Scopes            map[string][]string `json:"scopes" yaml:"scopes"`
	ScopeDescriptions map[string]string   `json:"scope_descriptions" yaml:"scope_descriptions"`
	// DerivedFrom names the root connection for credentials obtained by
	// exchange (xbox is derived from microsoft).
	DerivedFrom string `json:"derived_from,omitempty" yaml:"derived_from,omitempty"`
	TokenURL    string `json:"token_url,omitempty" yaml:"token_url,omitempty"`
}

// Derived reports whether credentials for c come from a secondary exchange.
func (c Connection) Derived() bool { return c.DerivedFrom != "" }

// Registry is the static catalog of connections.
type Registry struct {
	byName map[string]Connection
}

type fileSpec struct {
	Connections []Connection `yaml:"connections"`
}

// Defaults returns the built-in connection catalog.
func Defaults() []Connection {
	return []Connection{
		{
			Name: "google", ConnectionID: "google-oauth2", DisplayName: "Google",
			TokenURL: "https://oauth2.googleapis.com/token",
			Scopes: map[string][]string{
				"gmail.search":  {"openid", "https://www.googleapis.com/auth/gmail.readonly"},
				"calendar.list": {"openid", "https://www.googleapis.com/auth/calendar.events.readonly"},
			},
			ScopeDescriptions: map[string]string{
				"openid": "Confirm your identity",
				"https://www.googleapis.com/auth/gmail.readonly":          "Read your email messages",
				"https://www.googleapis.com/auth/calendar.events.readonly": "View events on your calendars",
			},
		},
		{
			Name: "microsoft", ConnectionID: "windowslive", DisplayName: "Microsoft",
			TokenURL: "https://login.microsoftonline.com/consumers/oauth2/v2.0/token",
			Scopes: map[string][]string{
				"graph.profile": {"openid", "offline_access", "User.Read"},
				"xbox.root":     {"XboxLive.signin", "XboxLive.offline_access"},
			},
			ScopeDescriptions: map[string]string{
				"openid":                  "Confirm your identity",
				"offline_access":          "Stay connected while you are away",
				"User.Read":               "Read your Microsoft profile",
				"XboxLive.signin":         "Sign in to Xbox Live",
				"XboxLive.offline_access": "Keep Xbox Live access while you are away",
			},
		},
		{
			Name: "salesforce", ConnectionID: "salesforce", DisplayName: "Salesforce",
			TokenURL: "https://login.salesforce.com/services/oauth2/token",
			Scopes: map[string][]string{
				"salesforce.query": {"api", "refresh_token"},
			},
			ScopeDescriptions: map[string]string{
				"api":           "Query your Salesforce records",
				"refresh_token": "Stay connected while you are away",
			},
		},
		{
			Name: "xbox", ConnectionID: "windowslive", DisplayName: "Xbox", DerivedFrom: "microsoft",
			Scopes: map[string][]string{
				"xbox.profile": {"XboxLive.signin", "XboxLive.offline_access"},
			},
			ScopeDescriptions: map[string]string{
				"XboxLive.signin":         "Sign in to Xbox Live",
				"XboxLive.offline_access": "Keep Xbox Live access while you are away",
			},
		},
		{
			Name: "box", ConnectionID: "box", DisplayName: "Box",
			TokenURL: "https://api.box.com/oauth2/token",
			Scopes: map[string][]string{
				"box.files": {"root_readonly"},
			},
			ScopeDescriptions: map[string]string{"root_readonly": "Read files and folders"},
		},
		{
			Name: "slack", ConnectionID: "sign-in-with-slack", DisplayName: "Slack",
			TokenURL: "https://slack.com/api/oauth.v2.access",
			Scopes: map[string][]string{
				"slack.channels": {"channels:read", "groups:read"},
			},
			ScopeDescriptions: map[string]string{
				"channels:read": "View basic information about public channels",
				"groups:read":   "View basic information about private channels",
			},
		},
	}
}

// New builds a registry from conns, keeping only names in enabled (all when
// enabled is empty). A derived connection stays only if its root does.
func New(conns []Connection, enabled []string) (*Registry, error) {
	allow := map[string]struct{}{}
	for _, e := range enabled {
		allow[strings.ToLower(strings.TrimSpace(e))] = struct{}{}
	}
	r := &Registry{byName: map[string]Connection{}}
	for _, c := range conns {
		c.Name = strings.ToLower(strings.TrimSpace(c.Name))
		if c.Name == "" || c.ConnectionID == "" {
			return nil, fmt.Errorf("connection %q: name and connection_id are required", c.Name)
		}
		if len(allow) > 0 {
			if _, ok := allow[c.Name]; !ok {
				continue
			}
		}
		r.byName[c.Name] = c
	}
	for name, c := range r.byName {
		if c.Derived() {
			if _, ok := r.byName[c.DerivedFrom]; !ok {
				delete(r.byName, name)
			}
		}
	}
	return r, nil
}

// Load merges the optional YAML file over the built-in catalog.
func Load(path string, enabled []string) (*Registry, error) {
	conns := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read connections file: %w", err)
		}
		var spec fileSpec
		if err := yaml.Unmarshal(b, &spec); err != nil {
			return nil, fmt.Errorf("parse connections file: %w", err)
		}
		idx := map[string]int{}
		for i, c := range conns {
			idx[c.Name] = i
		}
		for _, c := range spec.Connections {
			if i, ok := idx[strings.ToLower(c.Name)]; ok {
				conns[i] = c
				continue
			}
			conns = append(conns, c)
		}
	}
	return New(conns, enabled)
}

func (r *Registry) Get(name string) (Connection, bool) {
	c, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}

// ScopesFor returns the scopes an operation requires on a connection.
func (r *Registry) ScopesFor(name, operation string) ([]string, error) {
	c, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown connection %q", name)
	}
	s, ok := c.Scopes[operation]
	if !ok {
		return nil, fmt.Errorf("connection %q has no operation %q", name, operation)
	}
	return append([]string(nil), s...), nil
}

// Describe maps scopes to friendly text, falling back to the raw scope.
func (r *Registry) Describe(name string, scopes []string) []string {
	c, _ := r.Get(name)
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if d, ok := c.ScopeDescriptions[s]; ok && d != "" {
			out = append(out, d)
			continue
		}
		out = append(out, s)
	}
	return out
}

// All returns connections sorted by name.
func (r *Registry) All() []Connection {
	out := make([]Connection, 0, len(r.byName))
	for _, c := range r.byName {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
