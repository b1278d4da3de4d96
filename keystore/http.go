package keystore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cryptmountd/cryptmountd/interfaces"
)

// HTTPBackend reads configuration documents from a plain HTTPS server. Each
// document kind is fetched with a GET of <base>/<kind>.json.
type HTTPBackend struct {
	baseURL     string
	client      *http.Client
	log         *slog.Logger
	locationURI string
}

// NewHTTPBackend creates an HTTPS backend for the given base URL.
func NewHTTPBackend(baseURL string, log *slog.Logger) *HTTPBackend {
	baseURL = strings.TrimSuffix(baseURL, "/")
	return &HTTPBackend{
		baseURL:     baseURL,
		client:      &http.Client{Timeout: 30 * time.Second},
		log:         log,
		locationURI: baseURL,
	}
}

// Fetch retrieves the document for the given kind.
func (b *HTTPBackend) Fetch(ctx context.Context, kind interfaces.ContentKind) ([]byte, error) {
	url := fmt.Sprintf("%s/%s.json", b.baseURL, kind.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("could not build request for %s: %w", url, err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrContentNotFound, url)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s returned status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read response body: %w", err)
	}

	b.log.Debug("Fetched document", "backend", b.locationURI, "kind", kind.String())
	return data, nil
}

// LocationURI returns the backend's URI.
func (b *HTTPBackend) LocationURI() string {
	return b.locationURI
}
