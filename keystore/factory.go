package keystore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/cryptmountd/cryptmountd/interfaces"
)

// Factory creates keystore backends from location URIs.
type Factory struct {
	log *slog.Logger
}

// NewFactory creates a backend factory.
func NewFactory(log *slog.Logger) *Factory {
	return &Factory{log: log}
}

// BackendFor creates a keystore backend from a location URI.
// The URI format is [scheme]://[auth@]host[:port][/path][?params].
//
// Supported schemes:
//   - file:// - local directory
//   - vault:// - HashiCorp Vault KV v2
//   - s3:// - Amazon S3 or compatible object storage
//   - https:// - read-only HTTPS server
func (f *Factory) BackendFor(location interfaces.KeystoreLocation) (interfaces.KeystoreBackend, error) {
	u, err := url.Parse(string(location))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return NewFileBackend(u.Path, f.log)
	case "vault":
		return f.createVaultBackend(u)
	case "s3":
		return f.createS3Backend(u)
	case "https":
		return NewHTTPBackend(u.String(), f.log), nil
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

// CreateMultiBackend creates a multi-backend from a list of location URIs.
// Invalid locations are skipped with a warning; at least one backend must be
// usable.
func (f *Factory) CreateMultiBackend(locations []interfaces.KeystoreLocation) (interfaces.KeystoreBackend, error) {
	backends := make([]interfaces.KeystoreBackend, 0, len(locations))
	for _, loc := range locations {
		backend, err := f.BackendFor(loc)
		if err != nil {
			f.log.Warn("Failed to create keystore backend", "err", err, slog.String("locationURI", string(loc)))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid keystore backends created")
	}
	return NewMultiBackend(backends, f.log), nil
}

// createVaultBackend builds a Vault backend from a URI of the form
// vault://host:port/mount/data/path. TLS is assumed; authentication comes
// from the standard Vault environment.
func (f *Factory) createVaultBackend(u *url.URL) (interfaces.KeystoreBackend, error) {
	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if len(parts) != 2 || u.Host == "" {
		return nil, fmt.Errorf("%w: vault URI must be vault://host:port/mount/path", interfaces.ErrInvalidLocationURI)
	}
	return NewVaultBackend("https://"+u.Host, parts[0], parts[1], f.log)
}

// createS3Backend builds an S3 backend from a URI of the form
// s3://[key:secret@]bucket/prefix/?region=...&endpoint=...
func (f *Factory) createS3Backend(u *url.URL) (interfaces.KeystoreBackend, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing bucket name", interfaces.ErrInvalidLocationURI)
	}

	region := u.Query().Get("region")
	if region == "" {
		region = "us-east-1"
	}
	endpoint := u.Query().Get("endpoint")

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}

	return NewS3Backend(u.Host, strings.Trim(u.Path, "/"), region, endpoint, accessKey, secretKey, f.log)
}

// trustedKeysDocument is the JSON shape of the trusted-key allow-list.
type trustedKeysDocument struct {
	Keys []string `json:"keys"`
}

// LoadTrustedKeys fetches and parses the trusted-key allow-list from a
// backend. An empty list is valid and makes the verifier fail closed.
func LoadTrustedKeys(ctx context.Context, backend interfaces.KeystoreBackend) ([]interfaces.TrustedKey, error) {
	data, err := backend.Fetch(ctx, interfaces.TrustedKeysContent)
	if err != nil {
		return nil, err
	}

	var doc trustedKeysDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("could not parse trusted keys document: %w", err)
	}

	keys := make([]interfaces.TrustedKey, 0, len(doc.Keys))
	for _, hexKey := range doc.Keys {
		key, err := interfaces.NewTrustedKeyFromHex(hexKey)
		if err != nil {
			return nil, fmt.Errorf("trusted key %q: %w", hexKey, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}
