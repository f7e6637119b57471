// ABOUTME: Public DEX-data lookup tools served directly by the gateway process.
// ABOUTME: Thin GET wrappers; descriptors are fixed literals, handlers are call-throughs.

package builtins

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/2389/nova-gateway/internal/tenant"
)

const defaultPublicDataBaseURL = "https://api.geckoterminal.com/api/v2"

// PublicDataClient fetches public DEX data for the built-in pack.
type PublicDataClient struct {
	baseURL string
	client  *http.Client
}

// NewPublicDataClient creates a client. An empty baseURL selects the public
// API; tests point it at a local server.
func NewPublicDataClient(baseURL string) *PublicDataClient {
	if baseURL == "" {
		baseURL = defaultPublicDataBaseURL
	}
	return &PublicDataClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// PublicDataPack returns the built-in lookup tools backed by the client.
func PublicDataPack(c *PublicDataClient) *Pack {
	return NewPack(
		&BuiltinTool{
			Descriptor: Descriptor{
				Name:        "nova_networks",
				Description: "List blockchain networks with available DEX data",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"page":{"type":"integer","minimum":1}},"additionalProperties":false}`),
			},
			Handler: c.networks,
		},
		&BuiltinTool{
			Descriptor: Descriptor{
				Name:        "nova_token_price",
				Description: "Fetch the current USD price of a token by network and address",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"network":{"type":"string"},"address":{"type":"string"}},"required":["network","address"],"additionalProperties":false}`),
			},
			Handler: c.tokenPrice,
		},
		&BuiltinTool{
			Descriptor: Descriptor{
				Name:        "nova_search_pools",
				Description: "Search DEX liquidity pools by token name, symbol or address",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"},"network":{"type":"string"}},"required":["query"],"additionalProperties":false}`),
			},
			Handler: c.searchPools,
		},
	)
}

func (c *PublicDataClient) networks(ctx context.Context, _ tenant.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Page int `json:"page"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("decoding arguments: %w", err)
		}
	}
	q := url.Values{}
	if in.Page > 0 {
		q.Set("page", fmt.Sprint(in.Page))
	}
	return c.get(ctx, "/networks", q)
}

func (c *PublicDataClient) tokenPrice(ctx context.Context, _ tenant.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Network string `json:"network"`
		Address string `json:"address"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decoding arguments: %w", err)
	}
	path := fmt.Sprintf("/simple/networks/%s/token_price/%s",
		url.PathEscape(in.Network), url.PathEscape(in.Address))
	return c.get(ctx, path, nil)
}

func (c *PublicDataClient) searchPools(ctx context.Context, _ tenant.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Query   string `json:"query"`
		Network string `json:"network"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decoding arguments: %w", err)
	}
	q := url.Values{"query": []string{in.Query}}
	if in.Network != "" {
		q.Set("network", in.Network)
	}
	return c.get(ctx, "/search/pools", q)
}

func (c *PublicDataClient) get(ctx context.Context, path string, q url.Values) (json.RawMessage, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("upstream returned invalid JSON")
	}
	return json.RawMessage(body), nil
}
