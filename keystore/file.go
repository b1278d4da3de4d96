package keystore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cryptmountd/cryptmountd/interfaces"
)

// FileBackend reads configuration documents from a local directory. The
// directory holds one JSON file per document kind: trusted_keys.json and
// volumes.json.
type FileBackend struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates a file backend rooted at baseDir.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	info, err := os.Stat(baseDir)
	if err != nil {
		return nil, fmt.Errorf("could not access %s: %w", baseDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", baseDir)
	}

	return &FileBackend{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Fetch reads the document for the given kind. Returns ErrContentNotFound
// when the file does not exist.
func (b *FileBackend) Fetch(ctx context.Context, kind interfaces.ContentKind) ([]byte, error) {
	path := filepath.Join(b.baseDir, kind.String()+".json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrContentNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("could not read %s: %w", path, err)
	}

	b.log.Debug("Fetched document", "backend", b.locationURI, "kind", kind.String())
	return data, nil
}

// LocationURI returns the backend's URI.
func (b *FileBackend) LocationURI() string {
	return b.locationURI
}
