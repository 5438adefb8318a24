package tools

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"go.uber.org/zap"

	"vaultbot/internal/policy"
	"vaultbot/pkg/connections"
	"vaultbot/pkg/openapi"
)

// Endpoints are the provider API bases the demo tools call.
type Endpoints struct {
	Gmail      string
	Calendar   string
	Graph      string
	Salesforce string
	Xbox       string
}

func DefaultEndpoints() Endpoints {
	return Endpoints{
		Gmail:      "https://gmail.googleapis.com",
		Calendar:   "https://www.googleapis.com",
		Graph:      "https://graph.microsoft.com",
		Salesforce: "https://login.salesforce.com",
		Xbox:       "https://profile.xboxlive.com",
	}
}

// Product is an item of the demo commerce catalog.
type Product struct {
	SKU   string  `json:"sku"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

// Catalog is the set of tools offered to the model.
type Catalog struct {
	tools    map[string]Tool
	registry *connections.Registry
}

type toolSpec struct {
	tool      Tool
	operation string
}

// NewCatalog builds the demo tools. Tools whose connection is not enabled
// in reg are left out.
func NewCatalog(reg *connections.Registry, pc ProviderClient, ep Endpoints, products []Product) *Catalog {
	c := &Catalog{tools: map[string]Tool{}, registry: reg}
	specs := []toolSpec{
		{operation: "gmail.search", tool: Tool{
			Name:        "gmail_search",
			Description: "Search the user's Gmail messages.",
			Parameters:  object(map[string]any{"query": str("Gmail search query")}, "query"),
			Connection:  "google",
			Execute: func(ctx context.Context, call Call) (any, error) {
				q := url.Values{"q": {argString(call.Args, "query")}, "maxResults": {"10"}}
				return pc.forConnection("google").GetJSON(ctx, call.Token,
					ep.Gmail+"/gmail/v1/users/me/messages?"+q.Encode(), "messages[].{id: id, thread: threadId}")
			},
		}},
		{operation: "calendar.list", tool: Tool{
			Name:        "calendar_list_events",
			Description: "List upcoming events on the user's primary Google calendar.",
			Parameters:  object(map[string]any{"time_min": str("RFC3339 lower bound, optional")}),
			Connection:  "google",
			Execute: func(ctx context.Context, call Call) (any, error) {
				q := url.Values{"maxResults": {"10"}, "singleEvents": {"true"}, "orderBy": {"startTime"}}
				if tm := argString(call.Args, "time_min"); tm != "" {
					q.Set("timeMin", tm)
				}
				return pc.forConnection("google").GetJSON(ctx, call.Token,
					ep.Calendar+"/calendar/v3/calendars/primary/events?"+q.Encode(),
					"items[].{summary: summary, start: start.dateTime || start.date}")
			},
		}},
		{operation: "graph.profile", tool: Tool{
			Name:        "microsoft_profile",
			Description: "Read the user's Microsoft account profile.",
			Parameters:  object(map[string]any{}),
			Connection:  "microsoft",
			Execute: func(ctx context.Context, call Call) (any, error) {
				return pc.forConnection("microsoft").GetJSON(ctx, call.Token, ep.Graph+"/v1.0/me",
					"{name: displayName, email: mail || userPrincipalName}")
			},
		}},
		{operation: "salesforce.query", tool: Tool{
			Name:        "salesforce_query",
			Description: "Run a read-only SOQL query against the user's Salesforce org.",
			Parameters:  object(map[string]any{"soql": str("SOQL SELECT statement")}, "soql"),
			Connection:  "salesforce",
			Execute: func(ctx context.Context, call Call) (any, error) {
				soql := argString(call.Args, "soql")
				if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(soql)), "SELECT") {
					return nil, fmt.Errorf("only SELECT queries are allowed")
				}
				q := url.Values{"q": {soql}}
				return pc.forConnection("salesforce").GetJSON(ctx, call.Token,
					ep.Salesforce+"/services/data/v60.0/query?"+q.Encode(), "records")
			},
		}},
		{operation: "xbox.profile", tool: Tool{
			Name:        "xbox_profile",
			Description: "Read the user's Xbox gamertag and avatar.",
			Parameters:  object(map[string]any{}),
			Connection:  "xbox",
			Execute: func(ctx context.Context, call Call) (any, error) {
				return pc.forConnection("xbox").Fetch(ctx, Fetch{
					URL:           ep.Xbox + "/users/me/profile/settings?settings=Gamertag,GameDisplayPicRaw",
					Authorization: fmt.Sprintf("XBL3.0 x=%s;%s", call.UserHash, call.Token),
					Headers:       map[string]string{"x-xbl-contract-version": "2"},
					Projection:    "profileUsers[0].settings[].{id: id, value: value}",
				})
			},
		}},
	}
	for _, s := range specs {
		scopes, err := reg.ScopesFor(s.tool.Connection, s.operation)
		if err != nil {
			continue
		}
		s.tool.Scopes = scopes
		c.Add(s.tool)
	}
	c.Add(Tool{
		Name:        "catalog_search",
		Description: "Search the store's product catalog.",
		Parameters:  object(map[string]any{"query": str("Product name or keyword")}, "query"),
		Execute: func(_ context.Context, call Call) (any, error) {
			q := strings.ToLower(argString(call.Args, "query"))
			out := []Product{}
			for _, p := range products {
				if q == "" || strings.Contains(strings.ToLower(p.Name), q) {
					out = append(out, p)
				}
			}
			return out, nil
		},
	})
	return c
}

// Add registers an extra tool, replacing one with the same name.
func (c *Catalog) Add(t Tool) { c.tools[t.Name] = t }

func (c *Catalog) Get(name string) (Tool, bool) {
	t, ok := c.tools[name]
	return t, ok
}

// List returns tools sorted by name.
func (c *Catalog) List() []Tool {
	out := make([]Tool, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Protect binds every tool to the resolver and policy.
func (c *Catalog) Protect(r TokenResolver, p *policy.Engine, log *zap.SugaredLogger) map[string]Protected {
	out := make(map[string]Protected, len(c.tools))
	for name, t := range c.tools {
		out[name] = Protect(t, r, p, log)
	}
	return out
}

// Lookup adapts the catalog to policy.ToolLookup.
func (c *Catalog) Lookup(name string) (string, []string, bool) {
	t, ok := c.Get(name)
	return t.Connection, t.Scopes, ok
}

// Document exports the catalog as an OpenAPI registry.
func (c *Catalog) Document() *openapi.Registry {
	doc := openapi.NewRegistry()
	for _, t := range c.List() {
		tags := []string{"tools"}
		if t.Connection != "" {
			tags = append(tags, t.Connection)
			for i, d := range c.registry.Describe(t.Connection, t.Scopes) {
				doc.DescribeScope(t.Scopes[i], d)
			}
		}
		doc.Register(openapi.Operation{
			Path:        "/tools/" + t.Name,
			Summary:     t.Description,
			Tags:        tags,
			Connection:  t.Connection,
			Scopes:      t.Scopes,
			RequestBody: map[string]any{"content": map[string]any{"application/json": map[string]any{"schema": t.Parameters}}},
			Responses:   map[string]any{"200": map[string]any{"description": "tool result"}},
		})
	}
	return doc
}

func object(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func str(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }

func argString(args map[string]any, k string) string {
	s, _ := args[k].(string)
	return s
}
