package platform

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// HTTPClient posts JSON with retries and exponential backoff.
type HTTPClient struct {
	Client  *http.Client
	Retries int
	Backoff time.Duration
	APIKey  string
	Logger  zerolog.Logger
}

func NewHTTPClient(retries int, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		Client:  &http.Client{Timeout: timeout},
		Retries: retries,
		Backoff: 200 * time.Millisecond,
		Logger:  log.Logger,
	}
}

// PostJSON retries on transport errors and 5xx responses. 4xx responses are
// returned to the caller unchanged. The caller closes the body.
func (c *HTTPClient) PostJSON(ctx context.Context, url string, body []byte) (*http.Response, error) {
	var lastErr error

	for i := 0; i <= c.Retries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.APIKey != "" {
			req.Header.Set(APIKeyHeader, c.APIKey)
		}

		resp, err := c.Client.Do(req)
		if err == nil && resp.StatusCode < 500 {
			return resp, nil
		}
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("server returned %d", resp.StatusCode)
		} else {
			lastErr = err
		}

		if i < c.Retries {
			c.Logger.Warn().Err(lastErr).Str("url", url).Int("attempt", i+1).Msg("HTTP request failed, retrying")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(1<<i) * c.Backoff):
			}
		}
	}

	return nil, fmt.Errorf("request failed after %d retries: %w", c.Retries, lastErr)
}
