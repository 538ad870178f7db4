package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Manager keeps the streams of one process. Streams share nothing except the
// collaborators passed in through their Deps.
type Manager struct {
	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{streams: make(map[string]*Stream)}
}

// Add registers a stream. IDs must be unique.
func (m *Manager) Add(s *Stream) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[s.ID()]; ok {
		return fmt.Errorf("stream %q already exists", s.ID())
	}
	m.streams[s.ID()] = s
	return nil
}

// Get returns a stream by ID.
func (m *Manager) Get(id string) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[id]
	return s, ok
}

// List returns all streams sorted by ID.
func (m *Manager) List() []*Stream {
	m.mu.RLock()
	list := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		list = append(list, s)
	}
	m.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].ID() < list[j].ID() })
	return list
}

// Gatherers merges the metrics registries of all streams.
func (m *Manager) Gatherers() prometheus.Gatherers {
	streams := m.List()
	g := make(prometheus.Gatherers, 0, len(streams))
	for _, s := range streams {
		g = append(g, s.Registry())
	}
	return g
}

// Run starts every stream whose source is in sources and waits for all of
// them to stop. Stream errors are joined.
func (m *Manager) Run(ctx context.Context, sources map[string]Source) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range m.List() {
		src, ok := sources[s.ID()]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(s *Stream, src Source) {
			defer wg.Done()
			if err := s.Run(ctx, src); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(s, src)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// StopAll stops every running stream.
func (m *Manager) StopAll() {
	var wg sync.WaitGroup
	for _, s := range m.List() {
		wg.Add(1)
		go func(s *Stream) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()
}
