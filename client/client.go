// Package client is the Go client for the cryptmountd control API. Every
// request is signed with the caller's Ed25519 key; the server decides whether
// the key is trusted.
package client

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cryptmountd/cryptmountd/audit"
	"github.com/cryptmountd/cryptmountd/auth"
	"github.com/cryptmountd/cryptmountd/interfaces"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Body)
}

// Unwrap maps well-known statuses onto the shared error sentinels so callers
// can use errors.Is instead of matching status codes.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return interfaces.ErrUnauthorized
	case http.StatusTooManyRequests:
		return interfaces.ErrRateLimited
	case http.StatusServiceUnavailable:
		return interfaces.ErrNotConfigured
	default:
		return nil
	}
}

// Client talks to one cryptmountd server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	key        ed25519.PrivateKey
	now        func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for the server at baseURL signing with the given key.
func New(baseURL string, key ed25519.PrivateKey, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		key:        key,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health checks the unauthenticated health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not reach server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	return nil
}

// List returns the mounted/unmounted state of every configured volume.
func (c *Client) List(ctx context.Context) (map[string]string, error) {
	var states map[string]string
	if err := c.do(ctx, http.MethodGet, "/list", nil, &states); err != nil {
		return nil, err
	}
	return states, nil
}

// mountRequest mirrors the server's mount body.
type mountRequest struct {
	Password string `json:"password"`
}

// Mount requests an unlock and mount of the volume. A nil error means the
// server accepted the secret for delivery; whether it unlocked the volume is
// observable through List.
func (c *Client) Mount(ctx context.Context, volume, password string) error {
	body, err := json.Marshal(mountRequest{Password: password})
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/mount/"+volume, body, nil)
}

// Unmount requests an unmount of the volume.
func (c *Client) Unmount(ctx context.Context, volume string) error {
	return c.do(ctx, http.MethodPost, "/unmount/"+volume, nil, nil)
}

// Audit returns the server's most recent audit events. Fails with a 404
// APIError when auditing is disabled server-side.
func (c *Client) Audit(ctx context.Context) ([]audit.Event, error) {
	var events []audit.Event
	if err := c.do(ctx, http.MethodGet, "/audit", nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// do sends one signed request and decodes the JSON response into out when out
// is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	auth.SignRequest(req, c.key, body, c.now())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("could not parse response: %w", err)
	}
	return nil
}

func responseError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
}
