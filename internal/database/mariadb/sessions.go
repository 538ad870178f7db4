package mariadb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kozaktomas/ppe-monitor/internal/ppe"
)

// AppendSessionSummary stores the snapshot, replacing an earlier one of the same session.
func (s *Store) AppendSessionSummary(ctx context.Context, st ppe.SessionStats) error {
	doc, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode session summary: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, stream_id, session_start, stats)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE stats = VALUES(stats)
	`, st.SessionID.String(), st.StreamID, st.SessionStart.UTC(), string(doc))
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", st.SessionID, err)
	}
	return nil
}

// ListSessions returns the most recent summaries first. limit <= 0 returns all.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]ppe.SessionStats, error) {
	query := "SELECT stats FROM sessions ORDER BY session_start DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query)
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
		var st ppe.SessionStats
		if err := json.Unmarshal(doc, &st); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		sessions = append(sessions, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}
