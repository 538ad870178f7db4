// Package ppe holds the domain types shared by the monitoring pipeline.
package ppe

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Class is a detector output class.
type Class string

const (
	ClassHelmet   Class = "helmet"
	ClassVest     Class = "vest"
	ClassPerson   Class = "person"
	ClassNoHelmet Class = "no_helmet" // explicit absence, from detectors trained on violations
	ClassNoVest   Class = "no_vest"
)

// ParseClass normalizes a detector label ("Helmet", "safety_vest", "PERSON") to a Class.
// Returns false for labels the pipeline does not use.
func ParseClass(label string) (Class, bool) {
	l := strings.ToLower(strings.TrimSpace(label))
	l = strings.ReplaceAll(l, "-", "_")
	switch l {
	case "helmet", "hardhat", "hard_hat":
		return ClassHelmet, true
	case "vest", "safety_vest", "hi_vis_vest":
		return ClassVest, true
	case "person", "worker":
		return ClassPerson, true
	case "no_helmet", "no_hardhat", "no_hard_hat":
		return ClassNoHelmet, true
	case "no_vest", "no_safety_vest":
		return ClassNoVest, true
	}
	return "", false
}

// BBox is an axis-aligned rectangle in pixel coordinates.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Width returns the box width (0 for degenerate boxes).
func (b BBox) Width() float64 {
	return max(0, b.X2-b.X1)
}

// Height returns the box height (0 for degenerate boxes).
func (b BBox) Height() float64 {
	return max(0, b.Y2-b.Y1)
}

// Area returns the box area.
func (b BBox) Area() float64 {
	return b.Width() * b.Height()
}

// Slice returns the box as [x1, y1, x2, y2].
func (b BBox) Slice() []float64 {
	return []float64{b.X1, b.Y1, b.X2, b.Y2}
}

// BBoxFromSlice builds a box from [x1, y1, x2, y2]. Returns false if the slice has the wrong length.
func BBoxFromSlice(s []float64) (BBox, bool) {
	if len(s) != 4 {
		return BBox{}, false
	}
	return BBox{X1: s[0], Y1: s[1], X2: s[2], Y2: s[3]}, true
}

// Detection is a normalized detector output for one object in one frame.
type Detection struct {
	Class      Class   `json:"class"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}

// Observation is the per-person compliance record produced by fusion for one frame.
// WorkerID is empty when the face did not match anyone; Handle is then the
// transient tracking handle for the person region.
type Observation struct {
	PersonBox BBox
	WorkerID  string
	Handle    uint64
	Score     float64
	HasHelmet bool
	HasVest   bool
	Timestamp time.Time
	FrameID   int64
}

// Known reports whether the observation is attributed to a registered worker.
func (o Observation) Known() bool {
	return o.WorkerID != ""
}

// Missing returns the set of PPE items absent in this observation.
func (o Observation) Missing() ItemSet {
	return MissingItems(o.HasHelmet, o.HasVest)
}

// Key returns the tracking key: the worker ID, or a handle key for unknown faces.
func (o Observation) Key() string {
	if o.Known() {
		return o.WorkerID
	}
	return fmt.Sprintf("handle:%d", o.Handle)
}

// CloseReason records why a violation was closed.
type CloseReason string

const (
	ReasonNone         CloseReason = ""
	ReasonResolved     CloseReason = "resolved"
	ReasonWorkerLost   CloseReason = "worker_lost"
	ReasonSessionEnded CloseReason = "session_ended"
)

// Event is one violation interval for one worker (or one unknown handle).
type Event struct {
	ID           uuid.UUID   `json:"violation_id"`
	StreamID     string      `json:"stream_id"`
	WorkerID     string      `json:"worker_id,omitempty"`
	Handle       uint64      `json:"handle,omitempty"`
	Missing      ItemSet     `json:"missing_items"`
	OpenedAt     time.Time   `json:"opened_at"`
	ClosedAt     *time.Time  `json:"closed_at,omitempty"`
	Reason       CloseReason `json:"reason,omitempty"`
	EvidencePath string      `json:"evidence_frame,omitempty"`
	Score        float64     `json:"score"`
	NeedsReview  bool        `json:"needs_review"`
	Reviewed     bool        `json:"reviewed"`
	Notes        string      `json:"notes,omitempty"`
}

// IsOpen reports whether the event has not been closed yet.
func (e Event) IsOpen() bool {
	return e.ClosedAt == nil
}

// Duration returns how long the violation lasted, or zero while open.
func (e Event) Duration() time.Duration {
	if e.ClosedAt == nil {
		return 0
	}
	return e.ClosedAt.Sub(e.OpenedAt)
}
