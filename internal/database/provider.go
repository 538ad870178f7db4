package database

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kozaktomas/ppe-monitor/internal/config"
)

// Opener creates a Store from configuration.
type Opener func(ctx context.Context, cfg *config.DatabaseConfig, embeddingDim int) (Store, error)

var (
	backends   = make(map[string]Opener)
	backendsMu sync.RWMutex
)

// RegisterBackend registers a backend constructor under a driver name.
// This is called by the backend packages to avoid import cycles.
func RegisterBackend(driver string, open Opener) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[driver] = open
}

// Drivers returns the registered driver names.
func Drivers() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open opens the store for the configured driver.
func Open(ctx context.Context, cfg *config.DatabaseConfig, embeddingDim int) (Store, error) {
	backendsMu.RLock()
	open, ok := backends[cfg.Driver]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("database driver %q not registered (available: %v)", cfg.Driver, Drivers())
	}
	store, err := open(ctx, cfg, embeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Driver, err)
	}
	return store, nil
}
