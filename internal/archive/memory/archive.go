// Package memory keeps archived job output in process for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/review-scrape-orchestrator/internal/scrape"
)

// Archive stores objects by path and returns memory:// URIs.
type Archive struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ scrape.Archive = (*Archive)(nil)

// New creates an empty archive.
func New() *Archive {
	return &Archive{data: make(map[string][]byte)}
}

// PutObject copies data under path.
func (a *Archive) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data[path] = append([]byte(nil), data...)
	return fmt.Sprintf("memory://%s", path), nil
}

// Get returns a stored object.
func (a *Archive) Get(path string) ([]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.data[path]
	return b, ok
}
