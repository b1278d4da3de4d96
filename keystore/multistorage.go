package keystore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cryptmountd/cryptmountd/interfaces"
)

// MultiBackend aggregates several keystore backends. A fetch returns the
// first backend's result that succeeds, giving redundancy across
// configuration sources.
type MultiBackend struct {
	backends []interfaces.KeystoreBackend
	log      *slog.Logger
}

// NewMultiBackend creates a multi-backend over the given backends.
func NewMultiBackend(backends []interfaces.KeystoreBackend, log *slog.Logger) *MultiBackend {
	return &MultiBackend{backends: backends, log: log}
}

// Fetch tries each backend in order and returns the first success. When all
// backends fail the errors are joined.
func (m *MultiBackend) Fetch(ctx context.Context, kind interfaces.ContentKind) ([]byte, error) {
	var errs []error
	for _, backend := range m.backends {
		data, err := backend.Fetch(ctx, kind)
		if err == nil {
			m.log.Debug("Fetched document", "backend", backend.LocationURI(), "kind", kind.String())
			return data, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", backend.LocationURI(), err))
		m.log.Warn("Keystore backend fetch failed", "backend", backend.LocationURI(), "err", err)
	}
	return nil, fmt.Errorf("all keystore backends failed: %w", errors.Join(errs...))
}

// LocationURI returns a synthetic URI naming all member backends.
func (m *MultiBackend) LocationURI() string {
	uri := "multi://"
	for i, b := range m.backends {
		if i > 0 {
			uri += ","
		}
		uri += b.LocationURI()
	}
	return uri
}
