package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kozaktomas/ppe-monitor/internal/ppe"
)

// SessionRepository stores session summaries as JSON documents
type SessionRepository struct {
	pool *Pool
}

// NewSessionRepository creates a new PostgreSQL session repository
func NewSessionRepository(pool *Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// AppendSessionSummary stores the snapshot, replacing an earlier one of the same session.
func (r *SessionRepository) AppendSessionSummary(ctx context.Context, s ppe.SessionStats) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session summary: %w", err)
	}

	query := `
		INSERT INTO sessions (session_id, stream_id, session_start, session_end, stats)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE SET
			session_end = EXCLUDED.session_end,
			stats = EXCLUDED.stats,
			updated_at = NOW()
	`
	if _, err := r.pool.Exec(ctx, query, s.SessionID, s.StreamID, s.SessionStart, s.SessionEnd, doc); err != nil {
		return fmt.Errorf("upsert session %s: %w", s.SessionID, err)
	}
	return nil
}

// ListSessions returns the most recent summaries first. limit <= 0 returns all.
func (r *SessionRepository) ListSessions(ctx context.Context, limit int) ([]ppe.SessionStats, error) {
	query := "SELECT stats FROM sessions ORDER BY session_start DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []ppe.SessionStats
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		var s ppe.SessionStats
		if err := json.Unmarshal(doc, &s); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}
