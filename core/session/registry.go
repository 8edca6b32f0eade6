package session

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/JohannesLichtenberger/treetank/core/dberror"
)

// registry allows one open session per storage path in this process.
var registry = struct {
	sync.Mutex
	open map[string]struct{}
}{open: make(map[string]struct{})}

func register(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", dberror.ErrInvalidConfig, path, err)
	}
	registry.Lock()
	defer registry.Unlock()
	if _, ok := registry.open[abs]; ok {
		return "", fmt.Errorf("%w: %s", dberror.ErrSessionAlreadyOpen, abs)
	}
	registry.open[abs] = struct{}{}
	return abs, nil
}

func unregister(abs string) {
	registry.Lock()
	defer registry.Unlock()
	delete(registry.open, abs)
}
