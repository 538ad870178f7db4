package mariadb

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

// AppendViolation inserts the event or replaces the stored version with the same ID.
// Review state is kept.
func (s *Store) AppendViolation(ctx context.Context, e ppe.Event) error {
	var closed any
	if e.ClosedAt != nil {
		closed = e.ClosedAt.UTC()
	}
	var worker any
	if e.WorkerID != "" {
		worker = e.WorkerID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO violations (id, stream_id, worker_id, handle, missing_items, opened_at, closed_at,
			reason, evidence_path, score, needs_review, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '')
		ON DUPLICATE KEY UPDATE
			missing_items = VALUES(missing_items),
			closed_at = VALUES(closed_at),
			reason = VALUES(reason),
			evidence_path = VALUES(evidence_path),
			score = VALUES(score)
	`,
		e.ID.String(),
		e.StreamID,
		worker,
		e.Handle,
		e.Missing.String(),
		e.OpenedAt.UTC(),
		closed,
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

// QueryViolations returns matching events ordered by open time.
func (s *Store) QueryViolations(ctx context.Context, f database.ViolationFilter) ([]ppe.Event, error) {
	where, args := f.Where(database.Question, utc)
	query := "SELECT " + violationColumns + " FROM violations" + where + " ORDER BY opened_at, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return queryEvents(ctx, s.db, query, args...)
}

// GetViolation returns a single event by ID.
func (s *Store) GetViolation(ctx context.Context, id uuid.UUID) (*ppe.Event, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+violationColumns+" FROM violations WHERE id = ?", id.String())
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get violation %s: %w", id, err)
	}
	return &e, nil
}

// MarkReviewed flags a violation as reviewed and stores operator notes.
func (s *Store) MarkReviewed(ctx context.Context, id uuid.UUID, notes string) error {
	// RowsAffected is 0 when the row is unchanged, so check existence first
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM violations WHERE id = ?", id.String()).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return database.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("mark violation %s reviewed: %w", id, err)
	}

	if _, err := s.db.ExecContext(ctx, "UPDATE violations SET reviewed = 1, notes = ? WHERE id = ?", notes, id.String()); err != nil {
		return fmt.Errorf("mark violation %s reviewed: %w", id, err)
	}
	return nil
}

// PurgeBefore deletes closed violations opened before cutoff and returns them.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) ([]ppe.Event, error) {
	const where = " FROM violations WHERE opened_at < ? AND closed_at IS NOT NULL"

	var purged []ppe.Event
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		purged, err = queryEvents(ctx, tx, "SELECT "+violationColumns+where+" ORDER BY opened_at, id FOR UPDATE", cutoff.UTC())
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE"+where, cutoff.UTC()); err != nil {
			return fmt.Errorf("purge violations: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return purged, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryEvents(ctx context.Context, q querier, query string, args ...any) ([]ppe.Event, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}
	defer rows.Close()

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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (ppe.Event, error) {
	var e ppe.Event
	var id, missing, reason string
	var worker sql.NullString
	var closed sql.NullTime

	err := row.Scan(
		&id,
		&e.StreamID,
		&worker,
		&e.Handle,
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

	if e.ID, err = uuid.Parse(id); err != nil {
		return ppe.Event{}, fmt.Errorf("violation id %q: %w", id, err)
	}
	if e.Missing, err = ppe.ParseItemSet(missing); err != nil {
		return ppe.Event{}, fmt.Errorf("violation %s: %w", id, err)
	}
	e.WorkerID = worker.String
	e.Reason = ppe.CloseReason(reason)
	e.OpenedAt = e.OpenedAt.UTC()
	if closed.Valid {
		t := closed.Time.UTC()
		e.ClosedAt = &t
	}
	return e, nil
}
