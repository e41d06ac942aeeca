package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultMaxBytes caps a single fetched image at 32 MiB.
const DefaultMaxBytes = 32 << 20

// Client retrieves raw bytes from source image URLs.
type Client struct {
	HTTP     *http.Client
	MaxBytes int64
}

func New(timeout time.Duration) *Client {
	return &Client{
		HTTP:     &http.Client{Timeout: timeout},
		MaxBytes: DefaultMaxBytes,
	}
}

// Fetch downloads one URL and returns the body. Any non-2xx response is an
// error.
func (c *Client) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", url, err)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}

	max := c.MaxBytes
	if max <= 0 {
		max = DefaultMaxBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, max+1))
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", url, err)
	}
	if int64(len(body)) > max {
		return nil, fmt.Errorf("fetch %s: body exceeds %d bytes", url, max)
	}
	return body, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}
