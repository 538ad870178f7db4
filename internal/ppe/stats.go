package ppe

import (
	"time"

	"github.com/google/uuid"
)

// RecentViolation is a short entry for the live display ring.
type RecentViolation struct {
	ViolationID uuid.UUID `json:"violation_id"`
	WorkerID    string    `json:"worker_id,omitempty"`
	Missing     ItemSet   `json:"missing_items"`
	At          time.Time `json:"at"`
}

// SessionStats is a point-in-time copy of a monitoring session's counters.
type SessionStats struct {
	SessionID         uuid.UUID         `json:"session_id"`
	StreamID          string            `json:"stream_id"`
	SessionStart      time.Time         `json:"session_start"`
	SessionEnd        *time.Time        `json:"session_end,omitempty"`
	FrameCount        int64             `json:"frame_count"`
	DroppedFrames     int64             `json:"dropped_frames"`
	FailedFrames      int64             `json:"failed_frames"`
	DetectionCount    int64             `json:"detection_count"`
	ObservationCount  int64             `json:"observation_count"`
	ViolationsOpened  int64             `json:"violations_opened"`
	ViolationsClosed  int64             `json:"violations_closed"`
	ViolationsByType  map[string]int64  `json:"violation_counts_by_type"`
	ActiveWorkerIDs   []string          `json:"active_worker_ids"`
	OpenViolations    int               `json:"open_violations"`
	FPS               float64           `json:"fps"`
	ViolationsPerHour float64           `json:"violations_per_hour"`
	Recent            []RecentViolation `json:"recent_violations"`
}

// Duration returns the session length up to now (or up to SessionEnd).
func (s SessionStats) Duration(now time.Time) time.Duration {
	if s.SessionEnd != nil {
		return s.SessionEnd.Sub(s.SessionStart)
	}
	return now.Sub(s.SessionStart)
}
