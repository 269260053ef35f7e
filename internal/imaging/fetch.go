package imaging

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MaxDownloadSize caps a single downloaded image
const MaxDownloadSize = 20 << 20

// Fetcher downloads images by URL
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher downloads images over HTTP
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates a fetcher with a request timeout
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}}
}

// Fetch downloads url and returns the body
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download image: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxDownloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if len(data) > MaxDownloadSize {
		return nil, fmt.Errorf("image is larger than %d bytes", MaxDownloadSize)
	}
	return data, nil
}
