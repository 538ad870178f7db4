package facematch

import "github.com/kozaktomas/ppe-monitor/internal/ppe"

// ComputeIoU calculates Intersection over Union between two bounding boxes.
func ComputeIoU(a, b ppe.BBox) float64 {
	inter := intersection(a, b)
	if inter == 0 {
		return 0
	}

	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}

	return inter / union
}

// Containment returns the fraction of inner's area that lies inside outer.
// 1 means inner is fully contained; 0 means no overlap or a degenerate inner box.
func Containment(inner, outer ppe.BBox) float64 {
	area := inner.Area()
	if area <= 0 {
		return 0
	}
	return intersection(inner, outer) / area
}

// Overlaps reports whether the two boxes share any area.
func Overlaps(a, b ppe.BBox) bool {
	return intersection(a, b) > 0
}

func intersection(a, b ppe.BBox) float64 {
	x1 := max(a.X1, b.X1)
	y1 := max(a.Y1, b.Y1)
	x2 := min(a.X2, b.X2)
	y2 := min(a.Y2, b.Y2)

	if x2 <= x1 || y2 <= y1 {
		return 0 // No intersection
	}
	return (x2 - x1) * (y2 - y1)
}

// ExpandBBox scales a box around its center by factor and clamps it to the frame.
// A non-positive frame size leaves the far edges unclamped.
func ExpandBBox(b ppe.BBox, factor float64, frameWidth, frameHeight int) ppe.BBox {
	if factor <= 0 {
		factor = 1
	}
	cx := (b.X1 + b.X2) / 2
	cy := (b.Y1 + b.Y2) / 2
	hw := b.Width() * factor / 2
	hh := b.Height() * factor / 2

	out := ppe.BBox{X1: cx - hw, Y1: cy - hh, X2: cx + hw, Y2: cy + hh}
	return ClampBBox(out, frameWidth, frameHeight)
}

// ClampBBox limits a box to [0, width] x [0, height].
func ClampBBox(b ppe.BBox, width, height int) ppe.BBox {
	b.X1 = max(0, b.X1)
	b.Y1 = max(0, b.Y1)
	if width > 0 {
		b.X2 = min(float64(width), b.X2)
	}
	if height > 0 {
		b.Y2 = min(float64(height), b.Y2)
	}
	return b
}

// FaceRegion returns the upper part of a person box where the face is expected.
// fraction is the share of the person height to keep (e.g. 0.35).
func FaceRegion(person ppe.BBox, fraction float64) ppe.BBox {
	if fraction <= 0 || fraction > 1 {
		fraction = 1
	}
	return ppe.BBox{
		X1: person.X1,
		Y1: person.Y1,
		X2: person.X2,
		Y2: person.Y1 + person.Height()*fraction,
	}
}

// VerticalBand returns the horizontal slice of b between the from and to
// fractions of its height, measured from the top.
func VerticalBand(b ppe.BBox, from, to float64) ppe.BBox {
	from = min(max(from, 0), 1)
	to = min(max(to, from), 1)
	h := b.Height()
	return ppe.BBox{X1: b.X1, Y1: b.Y1 + h*from, X2: b.X2, Y2: b.Y1 + h*to}
}
