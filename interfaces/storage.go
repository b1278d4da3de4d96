package interfaces

import "context"

// ContentKind selects which configuration document a keystore backend fetch
// refers to.
type ContentKind int

const (
	// TrustedKeysContent is the JSON allow-list of client public keys.
	TrustedKeysContent ContentKind = iota

	// VolumeConfigContent is the JSON list of volume configurations.
	VolumeConfigContent
)

// String returns the backend path segment for the content kind.
func (k ContentKind) String() string {
	switch k {
	case TrustedKeysContent:
		return "trusted_keys"
	case VolumeConfigContent:
		return "volumes"
	default:
		return "unknown"
	}
}

// KeystoreLocation is a backend location URI, e.g. file:///etc/cryptmountd/
// or vault://vault.example.com:8200/secret/data/cryptmountd.
type KeystoreLocation string

// KeystoreBackend fetches configuration documents from one location. All
// documents are read once at startup; backends need not support writes.
type KeystoreBackend interface {
	// Fetch retrieves the document of the given kind.
	Fetch(ctx context.Context, kind ContentKind) ([]byte, error)

	// LocationURI returns the URI this backend was created from.
	LocationURI() string
}

// KeystoreFactory creates keystore backends from location URIs.
type KeystoreFactory interface {
	// BackendFor creates a backend for a single location URI.
	BackendFor(location KeystoreLocation) (KeystoreBackend, error)

	// CreateMultiBackend aggregates several locations; fetches return the
	// first backend's result that succeeds.
	CreateMultiBackend(locations []KeystoreLocation) (KeystoreBackend, error)
}
