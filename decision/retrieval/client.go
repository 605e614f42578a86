package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"quotegenius/pkg/api"
	"quotegenius/pkg/platform"
)

// HTTPClient queries an external similarity service.
type HTTPClient struct {
	endpoint string
	version  string
	k        int
	client   *platform.HTTPClient
}

type similarRequest struct {
	Request api.Request `json:"request"`
	K       int         `json:"k"`
}

type similarResponse struct {
	Version string                `json:"version"`
	Matches []api.HistoricalMatch `json:"matches"`
}

// NewHTTPClient creates a client for endpoint. Deadlines come from the caller's context.
func NewHTTPClient(endpoint, version string, k int, client *platform.HTTPClient) *HTTPClient {
	if k <= 0 {
		k = DefaultTopK
	}
	return &HTTPClient{endpoint: endpoint, version: version, k: k, client: client}
}

func (c *HTTPClient) Version() string { return c.version }

func (c *HTTPClient) Similar(ctx context.Context, req api.Request) ([]api.HistoricalMatch, error) {
	body, err := json.Marshal(similarRequest{Request: req, K: c.k})
	if err != nil {
		return nil, err
	}

	resp, err := c.client.PostJSON(ctx, c.endpoint, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("similarity service returned %d: %s", resp.StatusCode, msg)
	}

	var out similarResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode similarity response: %w", err)
	}

	matches := out.Matches[:0]
	for _, m := range out.Matches {
		if m.SimilarityScore < 0 || m.SimilarityScore > 1 {
			continue
		}
		matches = append(matches, m)
	}
	return Rank(matches, c.k), nil
}
