// Package tracking assigns transient handles to person regions by spatial
// continuity across frames. Handles stand in for identity when a face is unknown.
package tracking

import (
	"sort"

	"github.com/kozaktomas/ppe-monitor/internal/facematch"
	"github.com/kozaktomas/ppe-monitor/internal/ppe"
)

// Options configures the tracker.
type Options struct {
	MinIoU float64 // min IoU to continue a handle (default 0.3)
	MaxAge int     // frames a handle survives without a match (default 15)
}

// slot is one arena entry. A free slot has live == false.
type slot struct {
	handle uint64
	box    ppe.BBox
	missed int // frames since last match
	hits   int
	live   bool
}

// Tracker is an arena of tracked regions indexed by handle.
// It is owned by a single stream pipeline and is not safe for concurrent use.
type Tracker struct {
	opts  Options
	slots []slot
	free  []int
	next  uint64
}

// NewTracker creates a tracker.
func NewTracker(opts Options) *Tracker {
	if opts.MinIoU <= 0 {
		opts.MinIoU = 0.3
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 15
	}
	return &Tracker{opts: opts}
}

type pair struct {
	box, slot int
	iou       float64
}

// Assign returns one handle per box for the current frame. Boxes are matched
// greedily to live handles by descending IoU; unmatched boxes get a new handle.
// Handles not matched for more than MaxAge frames are released. Handles are
// never reused.
func (t *Tracker) Assign(boxes []ppe.BBox) []uint64 {
	for i := range t.slots {
		if t.slots[i].live {
			t.slots[i].missed++
		}
	}

	var pairs []pair
	for bi, b := range boxes {
		for si := range t.slots {
			if !t.slots[si].live {
				continue
			}
			if iou := facematch.ComputeIoU(b, t.slots[si].box); iou >= t.opts.MinIoU {
				pairs = append(pairs, pair{box: bi, slot: si, iou: iou})
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].iou != pairs[j].iou {
			return pairs[i].iou > pairs[j].iou
		}
		if pairs[i].slot != pairs[j].slot {
			return t.slots[pairs[i].slot].handle < t.slots[pairs[j].slot].handle
		}
		return pairs[i].box < pairs[j].box
	})

	handles := make([]uint64, len(boxes))
	boxDone := make([]bool, len(boxes))
	slotDone := make(map[int]bool, len(pairs))
	for _, p := range pairs {
		if boxDone[p.box] || slotDone[p.slot] {
			continue
		}
		s := &t.slots[p.slot]
		s.box = boxes[p.box]
		s.missed = 0
		s.hits++
		handles[p.box] = s.handle
		boxDone[p.box] = true
		slotDone[p.slot] = true
	}

	for bi, b := range boxes {
		if !boxDone[bi] {
			handles[bi] = t.alloc(b)
		}
	}

	for i := range t.slots {
		if t.slots[i].live && t.slots[i].missed > t.opts.MaxAge {
			t.slots[i] = slot{}
			t.free = append(t.free, i)
		}
	}
	return handles
}

func (t *Tracker) alloc(b ppe.BBox) uint64 {
	t.next++
	s := slot{handle: t.next, box: b, hits: 1, live: true}
	if n := len(t.free); n > 0 {
		idx := t.free[n-1]
		t.free = t.free[:n-1]
		t.slots[idx] = s
	} else {
		t.slots = append(t.slots, s)
	}
	return s.handle
}

// Live returns the number of live handles.
func (t *Tracker) Live() int {
	n := 0
	for _, s := range t.slots {
		if s.live {
			n++
		}
	}
	return n
}

// Alive reports whether a handle is still tracked.
func (t *Tracker) Alive(handle uint64) bool {
	for _, s := range t.slots {
		if s.live && s.handle == handle {
			return true
		}
	}
	return false
}

// Reset releases every handle. The handle counter keeps increasing.
func (t *Tracker) Reset() {
	t.slots = nil
	t.free = nil
}
