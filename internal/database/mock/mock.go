// Package mock provides mock implementations of database interfaces for testing.
package mock

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kozaktomas/ppe-monitor/internal/database"
	"github.com/kozaktomas/ppe-monitor/internal/ppe"
)

// MockStore is an in-memory implementation of database.Store
type MockStore struct {
	mu         sync.RWMutex
	dim        int
	violations map[uuid.UUID]ppe.Event
	sessions   map[uuid.UUID]ppe.SessionStats
	workers    map[string]*database.Worker
	closed     bool

	// Write log in call order, including rewrites of the same violation
	writes []ppe.Event

	// Error injection
	AppendViolationError      error
	AppendSessionSummaryError error
	QueryViolationsError      error
	MarkReviewedError         error
	PurgeBeforeError          error
	ListSessionsError         error
	SaveWorkerError           error
	AppendEmbeddingsError     error
	ListWorkersError          error
	DeleteWorkerError         error
}

var _ database.Store = (*MockStore)(nil)

// NewMockStore creates an empty store. dim is the required embedding length; 0 accepts any.
func NewMockStore(dim int) *MockStore {
	return &MockStore{
		dim:        dim,
		violations: make(map[uuid.UUID]ppe.Event),
		sessions:   make(map[uuid.UUID]ppe.SessionStats),
		workers:    make(map[string]*database.Worker),
	}
}

// AppendViolation stores the event, replacing an earlier version with the same ID.
// Review state is kept.
func (m *MockStore) AppendViolation(ctx context.Context, e ppe.Event) error {
	if m.AppendViolationError != nil {
		return m.AppendViolationError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.violations[e.ID]; ok {
		e.Reviewed = prev.Reviewed
		e.Notes = prev.Notes
	}
	m.violations[e.ID] = copyEvent(e)
	m.writes = append(m.writes, copyEvent(e))
	return nil
}

// Writes returns every AppendViolation call in order
func (m *MockStore) Writes() []ppe.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.writes)
}

// AppendSessionSummary stores a session summary
func (m *MockStore) AppendSessionSummary(ctx context.Context, s ppe.SessionStats) error {
	if m.AppendSessionSummaryError != nil {
		return m.AppendSessionSummaryError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.SessionID] = s
	return nil
}

// QueryViolations returns matching events ordered by open time
func (m *MockStore) QueryViolations(ctx context.Context, f database.ViolationFilter) ([]ppe.Event, error) {
	if m.QueryViolationsError != nil {
		return nil, m.QueryViolationsError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var events []ppe.Event
	for _, e := range m.violations {
		if f.Matches(e) {
			events = append(events, copyEvent(e))
		}
	}
	sortEvents(events)
	if f.Limit > 0 && len(events) > f.Limit {
		events = events[:f.Limit]
	}
	return events, nil
}

// GetViolation returns a single event by ID
func (m *MockStore) GetViolation(ctx context.Context, id uuid.UUID) (*ppe.Event, error) {
	if m.QueryViolationsError != nil {
		return nil, m.QueryViolationsError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.violations[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	e = copyEvent(e)
	return &e, nil
}

// MarkReviewed flags a violation as reviewed
func (m *MockStore) MarkReviewed(ctx context.Context, id uuid.UUID, notes string) error {
	if m.MarkReviewedError != nil {
		return m.MarkReviewedError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.violations[id]
	if !ok {
		return database.ErrNotFound
	}
	e.Reviewed = true
	e.Notes = notes
	m.violations[id] = e
	return nil
}

// PurgeBefore deletes closed violations opened before cutoff
func (m *MockStore) PurgeBefore(ctx context.Context, cutoff time.Time) ([]ppe.Event, error) {
	if m.PurgeBeforeError != nil {
		return nil, m.PurgeBeforeError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged []ppe.Event
	for id, e := range m.violations {
		if e.OpenedAt.Before(cutoff) && !e.IsOpen() {
			purged = append(purged, e)
			delete(m.violations, id)
		}
	}
	sortEvents(purged)
	return purged, nil
}

// ListSessions returns the most recent summaries first
func (m *MockStore) ListSessions(ctx context.Context, limit int) ([]ppe.SessionStats, error) {
	if m.ListSessionsError != nil {
		return nil, m.ListSessionsError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessions := make([]ppe.SessionStats, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].SessionStart.After(sessions[j].SessionStart)
	})
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// SaveWorker creates or renames a worker
func (m *MockStore) SaveWorker(ctx context.Context, w database.Worker) error {
	if m.SaveWorkerError != nil {
		return m.SaveWorkerError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.workers[w.ID]; ok {
		if w.Name != "" {
			existing.Name = w.Name
		}
		return nil
	}
	m.workers[w.ID] = &database.Worker{ID: w.ID, Name: w.Name, CreatedAt: time.Now()}
	return nil
}

// AppendEmbeddings adds embeddings to an existing worker
func (m *MockStore) AppendEmbeddings(ctx context.Context, workerID string, embeddings [][]float32) error {
	if m.AppendEmbeddingsError != nil {
		return m.AppendEmbeddingsError
	}
	for i, emb := range embeddings {
		if m.dim > 0 && len(emb) != m.dim {
			return fmt.Errorf("embedding %d has dimension %d, expected %d", i, len(emb), m.dim)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	if !ok {
		return database.ErrNotFound
	}
	for _, emb := range embeddings {
		w.Embeddings = append(w.Embeddings, slices.Clone(emb))
	}
	return nil
}

// AddWorker stores a worker with embeddings directly
func (m *MockStore) AddWorker(w database.Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := copyWorker(&w)
	m.workers[w.ID] = &c
}

// ListWorkers returns all workers ordered by ID
func (m *MockStore) ListWorkers(ctx context.Context) ([]database.Worker, error) {
	if m.ListWorkersError != nil {
		return nil, m.ListWorkersError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	workers := make([]database.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, copyWorker(w))
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })
	return workers, nil
}

// DeleteWorker removes a worker
func (m *MockStore) DeleteWorker(ctx context.Context, id string) error {
	if m.DeleteWorkerError != nil {
		return m.DeleteWorkerError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workers[id]; !ok {
		return database.ErrNotFound
	}
	delete(m.workers, id)
	return nil
}

// Close marks the store closed
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called
func (m *MockStore) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func copyEvent(e ppe.Event) ppe.Event {
	if e.ClosedAt != nil {
		t := *e.ClosedAt
		e.ClosedAt = &t
	}
	return e
}

func copyWorker(w *database.Worker) database.Worker {
	c := *w
	c.Embeddings = make([][]float32, len(w.Embeddings))
	for i, emb := range w.Embeddings {
		c.Embeddings[i] = slices.Clone(emb)
	}
	if len(c.Embeddings) == 0 {
		c.Embeddings = nil
	}
	return c
}

func sortEvents(events []ppe.Event) {
	sort.Slice(events, func(i, j int) bool {
		if !events[i].OpenedAt.Equal(events[j].OpenedAt) {
			return events[i].OpenedAt.Before(events[j].OpenedAt)
		}
		return events[i].ID.String() < events[j].ID.String()
	})
}
