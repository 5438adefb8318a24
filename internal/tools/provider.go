package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	jmes "github.com/jmespath/go-jmespath"

	"vaultbot/internal/tokenstore"
)

// ProviderClient performs provider API calls with an injected token and
// normalizes auth failures to ErrProviderUnauthorized.
type ProviderClient struct {
	HTTP       *http.Client
	Connection string
}

func NewProviderClient(hc *http.Client) ProviderClient {
	if hc == nil {
		hc = &http.Client{Timeout: 20 * time.Second}
	}
	return ProviderClient{HTTP: hc}
}

type Fetch struct {
	URL           string
	Authorization string // full header value
	Headers       map[string]string
	// Projection is an optional JMESPath expression applied to the body.
	Projection string
}

func (p ProviderClient) GetJSON(ctx context.Context, token, url, projection string) (any, error) {
	return p.Fetch(ctx, Fetch{URL: url, Authorization: "Bearer " + token, Projection: projection})
}

func (p ProviderClient) Fetch(ctx context.Context, f Fetch) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if f.Authorization != "" {
		req.Header.Set("Authorization", f.Authorization)
	}
	for k, v := range f.Headers {
		req.Header.Set(k, v)
	}
	resp, err := p.HTTP.Do(req)
	if err != nil {
		return nil, &tokenstore.TransportError{Connection: p.Connection, Err: err}
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrProviderUnauthorized, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, &tokenstore.TransportError{Connection: p.Connection, Err: fmt.Errorf("upstream status %d", resp.StatusCode)}
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("provider status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &tokenstore.TransportError{Connection: p.Connection, Err: err}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode provider body: %w", err)
	}
	if f.Projection == "" {
		return doc, nil
	}
	out, err := jmes.Search(f.Projection, doc)
	if err != nil {
		return nil, fmt.Errorf("projection %q: %w", f.Projection, err)
	}
	return out, nil
}

func (p ProviderClient) forConnection(name string) ProviderClient {
	p.Connection = name
	return p
}
