package tracking

import (
	"testing"

	"github.com/kozaktomas/ppe-monitor/internal/ppe"
)

func box(x1, y1, x2, y2 float64) ppe.BBox {
	return ppe.BBox{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

func TestAssign_ContinuityAcrossFrames(t *testing.T) {
	tr := NewTracker(Options{MinIoU: 0.3, MaxAge: 3})

	h1 := tr.Assign([]ppe.BBox{box(0, 0, 100, 200), box(300, 0, 400, 200)})
	if h1[0] == h1[1] {
		t.Fatalf("expected distinct handles, got %v", h1)
	}

	// Both people move slightly; order of detections is swapped.
	h2 := tr.Assign([]ppe.BBox{box(305, 5, 405, 205), box(5, 0, 105, 200)})
	if h2[0] != h1[1] || h2[1] != h1[0] {
		t.Errorf("expected handles to follow the boxes: frame1=%v frame2=%v", h1, h2)
	}
}

func TestAssign_NewHandleForDisjointBox(t *testing.T) {
	tr := NewTracker(Options{MinIoU: 0.3, MaxAge: 3})

	h1 := tr.Assign([]ppe.BBox{box(0, 0, 100, 100)})
	h2 := tr.Assign([]ppe.BBox{box(500, 500, 600, 600)})

	if h1[0] == h2[0] {
		t.Error("disjoint box should not inherit a handle")
	}
	if tr.Live() != 2 {
		t.Errorf("expected 2 live handles, got %d", tr.Live())
	}
}

func TestAssign_GreedyPrefersHigherIoU(t *testing.T) {
	tr := NewTracker(Options{MinIoU: 0.1, MaxAge: 3})
	h1 := tr.Assign([]ppe.BBox{box(0, 0, 100, 100)})

	// Both boxes overlap the old one; the closer one keeps the handle.
	h2 := tr.Assign([]ppe.BBox{box(40, 0, 140, 100), box(5, 0, 105, 100)})

	if h2[1] != h1[0] {
		t.Errorf("expected the higher-IoU box to keep handle %d, got %v", h1[0], h2)
	}
	if h2[0] == h1[0] {
		t.Error("handle assigned twice in one frame")
	}
}

func TestAssign_ExpiryAndNoReuse(t *testing.T) {
	tr := NewTracker(Options{MinIoU: 0.3, MaxAge: 2})
	b := box(0, 0, 100, 100)

	first := tr.Assign([]ppe.BBox{b})[0]
	tr.Assign(nil) // missed 1
	tr.Assign(nil) // missed 2
	if tr.Live() != 1 {
		t.Fatalf("handle expired too early")
	}
	tr.Assign(nil) // missed 3 > MaxAge
	if tr.Live() != 0 {
		t.Fatalf("expected handle to expire, live=%d", tr.Live())
	}

	again := tr.Assign([]ppe.BBox{b})[0]
	if again == first {
		t.Errorf("handle %d reused after expiry", first)
	}
	if len(tr.slots) != 1 {
		t.Errorf("expected the freed slot to be reused, arena size %d", len(tr.slots))
	}
}

func TestAssign_SurvivesShortGap(t *testing.T) {
	tr := NewTracker(Options{MinIoU: 0.3, MaxAge: 5})
	b := box(10, 10, 110, 210)

	first := tr.Assign([]ppe.BBox{b})[0]
	tr.Assign(nil)
	tr.Assign(nil)
	if got := tr.Assign([]ppe.BBox{b})[0]; got != first {
		t.Errorf("expected handle %d after short gap, got %d", first, got)
	}
}

func TestReset(t *testing.T) {
	tr := NewTracker(Options{})
	first := tr.Assign([]ppe.BBox{box(0, 0, 50, 50)})[0]

	tr.Reset()
	if tr.Live() != 0 {
		t.Error("expected no live handles after reset")
	}
	if got := tr.Assign([]ppe.BBox{box(0, 0, 50, 50)})[0]; got == first {
		t.Error("handle reused after reset")
	}
}
