package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kozaktomas/ppe-monitor/internal/database"
	"github.com/kozaktomas/ppe-monitor/internal/ppe"
)

const violationColumns = `id, stream_id, worker_id, handle, missing_items, opened_at, closed_at,
	reason, evidence_path, score, needs_review, reviewed, notes`

// ViolationRepository provides PostgreSQL-backed violation storage
type ViolationRepository struct {
	pool *Pool
}

// NewViolationRepository creates a new PostgreSQL violation repository
func NewViolationRepository(pool *Pool) *ViolationRepository {
	return &ViolationRepository{pool: pool}
}

// AppendViolation inserts the event or replaces the stored version with the same ID.
// Review state set by an operator is kept.
func (r *ViolationRepository) AppendViolation(ctx context.Context, e ppe.Event) error {
	query := `
		INSERT INTO violations (id, stream_id, worker_id, handle, missing_items, opened_at, closed_at,
			reason, evidence_path, score, needs_review)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			missing_items = EXCLUDED.missing_items,
			closed_at = EXCLUDED.closed_at,
			reason = EXCLUDED.reason,
			evidence_path = EXCLUDED.evidence_path,
			score = EXCLUDED.score,
			updated_at = NOW()
	`

	_, err := r.pool.Exec(ctx, query,
		e.ID,
		e.StreamID,
		nullString(e.WorkerID),
		int64(e.Handle),
		e.Missing.String(),
		e.OpenedAt,
		e.ClosedAt,
		string(e.Reason),
		e.EvidencePath,
		e.Score,
		e.NeedsReview,
	)
	if err != nil {
		return fmt.Errorf("upsert violation %s: %w", e.ID, err)
	}
	return nil
}

// QueryViolations returns matching events ordered by open time
func (r *ViolationRepository) QueryViolations(ctx context.Context, f database.ViolationFilter) ([]ppe.Event, error) {
	where, args := f.Where(database.Dollar, func(t time.Time) any { return t })
	query := "SELECT " + violationColumns + " FROM violations" + where + " ORDER BY opened_at, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetViolation returns a single event by ID
func (r *ViolationRepository) GetViolation(ctx context.Context, id uuid.UUID) (*ppe.Event, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+violationColumns+" FROM violations WHERE id = $1", id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get violation %s: %w", id, err)
	}
	return &e, nil
}

// MarkReviewed flags a violation as reviewed and stores operator notes
func (r *ViolationRepository) MarkReviewed(ctx context.Context, id uuid.UUID, notes string) error {
	res, err := r.pool.Exec(ctx,
		"UPDATE violations SET reviewed = TRUE, notes = $2, updated_at = NOW() WHERE id = $1", id, notes)
	if err != nil {
		return fmt.Errorf("mark violation %s reviewed: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark violation %s reviewed: %w", id, err)
	}
	if n == 0 {
		return database.ErrNotFound
	}
	return nil
}

// PurgeBefore deletes closed violations opened before cutoff and returns them
func (r *ViolationRepository) PurgeBefore(ctx context.Context, cutoff time.Time) ([]ppe.Event, error) {
	rows, err := r.pool.Query(ctx,
		"DELETE FROM violations WHERE opened_at < $1 AND closed_at IS NOT NULL RETURNING "+violationColumns, cutoff)
	if err != nil {
		return nil, fmt.Errorf("purge violations: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (ppe.Event, error) {
	var e ppe.Event
	var worker sql.NullString
	var handle int64
	var missing, reason string
	var closed sql.NullTime

	err := row.Scan(
		&e.ID,
		&e.StreamID,
		&worker,
		&handle,
		&missing,
		&e.OpenedAt,
		&closed,
		&reason,
		&e.EvidencePath,
		&e.Score,
		&e.NeedsReview,
		&e.Reviewed,
		&e.Notes,
	)
	if err != nil {
		return ppe.Event{}, err
	}

	e.Missing, err = ppe.ParseItemSet(missing)
	if err != nil {
		return ppe.Event{}, fmt.Errorf("violation %s: %w", e.ID, err)
	}
	e.WorkerID = worker.String
	e.Handle = uint64(handle)
	e.Reason = ppe.CloseReason(reason)
	e.OpenedAt = e.OpenedAt.UTC()
	if closed.Valid {
		t := closed.Time.UTC()
		e.ClosedAt = &t
	}
	return e, nil
}

func scanEvents(rows *sql.Rows) ([]ppe.Event, error) {
	var events []ppe.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate violations: %w", err)
	}
	return events, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
