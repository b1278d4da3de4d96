package keystore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hashicorp/vault/api"

	"github.com/cryptmountd/cryptmountd/interfaces"
)

// VaultBackend reads configuration documents from a HashiCorp Vault KV v2
// mount. Each document kind is a secret at <dataPath>/<kind> with the JSON
// document in the "document" field. Authentication uses the standard Vault
// environment (VAULT_TOKEN et al).
type VaultBackend struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultBackend creates a Vault backend for the given server address,
// mount path and data path.
func NewVaultBackend(address, mountPath, dataPath string, log *slog.Logger) (*VaultBackend, error) {
	config := api.DefaultConfig()
	config.Address = address

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultBackend{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", strings.TrimPrefix(address, "https://"), mountPath, dataPath),
	}, nil
}

// Fetch reads the document for the given kind through the KV v2 API.
func (b *VaultBackend) Fetch(ctx context.Context, kind interfaces.ContentKind) ([]byte, error) {
	path := fmt.Sprintf("%s/data/%s/%s", b.mountPath, b.dataPath, kind.String())

	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("vault read %s failed: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrContentNotFound, path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected KV v2 response shape at %s", path)
	}
	document, ok := data["document"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: no document field at %s", interfaces.ErrContentNotFound, path)
	}

	b.log.Debug("Fetched document", "backend", b.locationURI, "kind", kind.String())
	return []byte(document), nil
}

// LocationURI returns the backend's URI.
func (b *VaultBackend) LocationURI() string {
	return b.locationURI
}
