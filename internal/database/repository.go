package database

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kozaktomas/ppe-monitor/internal/ppe"
)

var (
	// ErrPersistenceWrite is returned when an event could not be written after all retries.
	ErrPersistenceWrite = errors.New("persistence write failed")
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
)

// ViolationWriter appends violation events.
// An event is written on open and again on close; the second write replaces
// the first by violation ID.
type ViolationWriter interface {
	AppendViolation(ctx context.Context, e ppe.Event) error
}

// SessionWriter appends session summaries.
type SessionWriter interface {
	AppendSessionSummary(ctx context.Context, s ppe.SessionStats) error
}

// ViolationReader answers historical violation queries.
type ViolationReader interface {
	// QueryViolations returns matching events ordered by OpenedAt
	QueryViolations(ctx context.Context, f ViolationFilter) ([]ppe.Event, error)
	// GetViolation returns ErrNotFound if the ID is unknown
	GetViolation(ctx context.Context, id uuid.UUID) (*ppe.Event, error)
}

// ViolationReviewer supports manual review and retention.
type ViolationReviewer interface {
	// MarkReviewed flags the violation as reviewed with operator notes
	MarkReviewed(ctx context.Context, id uuid.UUID, notes string) error
	// PurgeBefore deletes closed violations opened before cutoff and returns them
	PurgeBefore(ctx context.Context, cutoff time.Time) ([]ppe.Event, error)
}

// SessionReader lists persisted session summaries.
type SessionReader interface {
	// ListSessions returns the most recent summaries first
	ListSessions(ctx context.Context, limit int) ([]ppe.SessionStats, error)
}

// WorkerStore persists the worker gallery.
type WorkerStore interface {
	// SaveWorker creates or renames a worker. Embeddings are ignored.
	SaveWorker(ctx context.Context, w Worker) error
	// AppendEmbeddings adds gallery embeddings to an existing worker
	AppendEmbeddings(ctx context.Context, workerID string, embeddings [][]float32) error
	// ListWorkers returns all workers with their embeddings, ordered by ID
	ListWorkers(ctx context.Context) ([]Worker, error)
	// DeleteWorker removes a worker and its embeddings. Returns ErrNotFound if absent.
	DeleteWorker(ctx context.Context, id string) error
}

// Store is the full persistence backend.
type Store interface {
	ViolationWriter
	SessionWriter
	ViolationReader
	ViolationReviewer
	SessionReader
	WorkerStore
	Close() error
}
