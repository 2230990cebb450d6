package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// ArtifactFetcher downloads a stored media artifact so the vision stage can
// hand its bytes to the gateway.
type ArtifactFetcher interface {
	Fetch(ctx context.Context, url string) (data []byte, mimeType string, err error)
}

const maxArtifactBytes = 16 << 20

type httpFetcher struct {
	client *http.Client
}

func NewHTTPFetcher() ArtifactFetcher {
	return &httpFetcher{client: &http.Client{}}
}

func (f *httpFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch artifact: http %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactBytes))
	if err != nil {
		return nil, "", err
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "image/png"
	}
	return data, mimeType, nil
}
