package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/kozaktomas/ppe-monitor/internal/ppe"
)

// Worker is a registered worker with its face embedding gallery.
type Worker struct {
	ID         string
	Name       string
	Embeddings [][]float32
	CreatedAt  time.Time
}

// ViolationFilter selects violations for QueryViolations.
// Zero values mean "no constraint".
type ViolationFilter struct {
	WorkerID    string
	UnknownOnly bool // only events without an attributed worker
	StreamID    string
	From        time.Time // inclusive, on OpenedAt
	To          time.Time // exclusive, on OpenedAt
	Limit       int
}

// Matches reports whether an event satisfies the filter.
func (f ViolationFilter) Matches(e ppe.Event) bool {
	if f.WorkerID != "" && e.WorkerID != f.WorkerID {
		return false
	}
	if f.UnknownOnly && e.WorkerID != "" {
		return false
	}
	if f.StreamID != "" && e.StreamID != f.StreamID {
		return false
	}
	if !f.From.IsZero() && e.OpenedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.OpenedAt.Before(f.To) {
		return false
	}
	return true
}

// Placeholder renders the n-th (1-based) bind parameter of a SQL dialect.
type Placeholder func(n int) string

// Dollar renders PostgreSQL style placeholders ($1, $2, ...).
func Dollar(n int) string {
	return fmt.Sprintf("$%d", n)
}

// Question renders SQLite style placeholders.
func Question(int) string {
	return "?"
}

// Where renders the filter as a SQL WHERE clause over the violations table
// columns (worker_id, stream_id, opened_at). timeArg converts time bounds to the
// column's storage type. Returns an empty clause for an empty filter.
func (f ViolationFilter) Where(ph Placeholder, timeArg func(time.Time) any) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, strings.Replace(cond, "?", ph(len(args)), 1))
	}

	if f.WorkerID != "" {
		add("worker_id = ?", f.WorkerID)
	}
	if f.UnknownOnly {
		conds = append(conds, "worker_id IS NULL")
	}
	if f.StreamID != "" {
		add("stream_id = ?", f.StreamID)
	}
	if !f.From.IsZero() {
		add("opened_at >= ?", timeArg(f.From))
	}
	if !f.To.IsZero() {
		add("opened_at < ?", timeArg(f.To))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
