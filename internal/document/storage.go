package document

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrObjectNotFound indicates a stored artifact does not exist.
var ErrObjectNotFound = errors.New("document: object not found")

// publicPathPrefix is the URL path artifacts are served from.
const publicPathPrefix = "/static/prescriptions/"

// Storage persists rendered artifacts and returns retrievable URLs for them.
type Storage interface {
	Put(ctx context.Context, name string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, name string) ([]byte, error)
}

// FSStorage keeps artifacts on the local filesystem, served under the
// public base URL by the API's static file route.
type FSStorage struct {
	dir     string
	baseURL string
}

var _ Storage = (*FSStorage)(nil)

// NewFSStorage ensures dir exists and returns a store serving URLs rooted at
// baseURL.
func NewFSStorage(dir, baseURL string) (*FSStorage, error) {
	if dir == "" {
		return nil, errors.New("document: artifact dir cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("document: create artifact dir: %w", err)
	}
	return &FSStorage{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
	}, nil
}

func (s *FSStorage) Put(_ context.Context, name string, data []byte, _ string) (string, error) {
	path := filepath.Join(s.dir, filepath.Base(name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("document: write %s: %w", name, err)
	}
	return s.baseURL + publicPathPrefix + filepath.Base(name), nil
}

func (s *FSStorage) Get(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, filepath.Base(name)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, name)
		}
		return nil, fmt.Errorf("document: read %s: %w", name, err)
	}
	return data, nil
}
