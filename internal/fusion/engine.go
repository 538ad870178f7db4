// Package fusion turns one frame's detections and identity matches into
// per-person compliance observations.
package fusion

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"

	"github.com/kozaktomas/ppe-monitor/internal/facematch"
	"github.com/kozaktomas/ppe-monitor/internal/identity"
	"github.com/kozaktomas/ppe-monitor/internal/ppe"
	"github.com/kozaktomas/ppe-monitor/internal/tracking"
)

// AssociationMode selects how item boxes are attributed to persons.
type AssociationMode string

const (
	// Containment attributes an item when enough of its area lies inside the expanded person box.
	Containment AssociationMode = "containment"
	// IoU attributes an item when its IoU with the person's body region (head for
	// helmets, torso for vests) reaches the threshold.
	IoU AssociationMode = "iou"
)

// Torso band of a person box, as fractions of its height from the top.
const (
	torsoFrom = 0.2
	torsoTo   = 0.7
)

// Options configures the engine.
type Options struct {
	Mode                 AssociationMode
	ContainmentThreshold float64
	IoUThreshold         float64
	PersonExpand         float64
	FaceRegion           float64
	FaceCropSize         int
	SinglePersonFallback bool
}

// Matcher resolves a face crop to a worker.
type Matcher interface {
	Match(ctx context.Context, crop []byte) (identity.Match, error)
}

// Engine fuses detections with identity for one stream.
// It owns the stream's handle tracker and is not safe for concurrent use.
type Engine struct {
	opts    Options
	matcher Matcher
	tracker *tracking.Tracker
	bound   map[uint64]string // live handle -> worker it last matched
}

// NewEngine creates an engine.
func NewEngine(matcher Matcher, tracker *tracking.Tracker, opts Options) *Engine {
	if opts.Mode == "" {
		opts.Mode = Containment
	}
	if opts.PersonExpand <= 0 {
		opts.PersonExpand = 1
	}
	return &Engine{opts: opts, matcher: matcher, tracker: tracker, bound: make(map[uint64]string)}
}

// Reset drops the handle tracker state and the handle bindings.
func (e *Engine) Reset() {
	e.tracker.Reset()
	clear(e.bound)
}

// Fuse emits one observation per person region in the frame.
// Frames without person regions yield no observations. An identity error drops
// the whole frame.
func (e *Engine) Fuse(ctx context.Context, frame *ppe.Frame, dets []ppe.Detection) ([]ppe.Observation, error) {
	var persons, helmets, vests, noHelmets, noVests []ppe.BBox
	for _, d := range dets {
		switch d.Class {
		case ppe.ClassPerson:
			persons = append(persons, d.BBox)
		case ppe.ClassHelmet:
			helmets = append(helmets, d.BBox)
		case ppe.ClassVest:
			vests = append(vests, d.BBox)
		case ppe.ClassNoHelmet:
			noHelmets = append(noHelmets, d.BBox)
		case ppe.ClassNoVest:
			noVests = append(noVests, d.BBox)
		}
	}

	fallback := len(persons) == 0 && e.opts.SinglePersonFallback && len(dets) > 0
	if len(persons) == 0 && !fallback {
		e.tracker.Assign(nil) // age handles
		e.pruneBindings()
		return nil, nil
	}

	img, err := frame.Image()
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	if fallback {
		persons = []ppe.BBox{{X1: 0, Y1: 0, X2: float64(w), Y2: float64(h)}}
	}
	handles := e.tracker.Assign(persons)

	obs := make([]ppe.Observation, 0, len(persons))
	for i, person := range persons {
		region := facematch.ExpandBBox(person, e.opts.PersonExpand, w, h)

		hasHelmet := e.anyAssociated(helmets, region, ppe.ClassHelmet) && !e.anyAssociated(noHelmets, region, ppe.ClassHelmet)
		hasVest := e.anyAssociated(vests, region, ppe.ClassVest) && !e.anyAssociated(noVests, region, ppe.ClassVest)

		match, err := e.identify(ctx, img, person, w, h)
		if err != nil {
			return nil, fmt.Errorf("identifying person %d in frame %d: %w", i, frame.ID, err)
		}

		obs = append(obs, ppe.Observation{
			PersonBox: person,
			WorkerID:  match.WorkerID,
			Handle:    handles[i],
			Score:     match.Score,
			HasHelmet: hasHelmet,
			HasVest:   hasVest,
			Timestamp: frame.Timestamp,
			FrameID:   frame.ID,
		})
	}
	matched := e.inheritBindings(obs)
	dedupeWorkers(obs)
	e.bind(obs, matched)
	e.pruneBindings()
	return obs, nil
}

// inheritBindings gives an unmatched person the worker its handle last matched,
// so a face that briefly scores below the threshold keeps its identity.
// It returns which observations carry a fresh match.
func (e *Engine) inheritBindings(obs []ppe.Observation) []bool {
	matched := make([]bool, len(obs))
	for i := range obs {
		if obs[i].Known() {
			matched[i] = true
			continue
		}
		if w, ok := e.bound[obs[i].Handle]; ok {
			obs[i].WorkerID = w
		}
	}
	return matched
}

// bind records fresh matches that survived deduplication. A worker is bound to
// one handle at a time.
func (e *Engine) bind(obs []ppe.Observation, matched []bool) {
	for i, o := range obs {
		if !matched[i] || !o.Known() {
			continue
		}
		for h, w := range e.bound {
			if w == o.WorkerID && h != o.Handle {
				delete(e.bound, h)
			}
		}
		e.bound[o.Handle] = o.WorkerID
	}
}

func (e *Engine) pruneBindings() {
	for h := range e.bound {
		if !e.tracker.Alive(h) {
			delete(e.bound, h)
		}
	}
}

// dedupeWorkers keeps one person per worker ID in a frame: the best scoring one.
// The others fall back to their unknown handle.
func dedupeWorkers(obs []ppe.Observation) {
	best := make(map[string]int, len(obs))
	for i, o := range obs {
		if !o.Known() {
			continue
		}
		j, seen := best[o.WorkerID]
		if !seen || o.Score > obs[j].Score {
			best[o.WorkerID] = i
		}
	}
	for i := range obs {
		if obs[i].Known() && best[obs[i].WorkerID] != i {
			obs[i].WorkerID = ""
		}
	}
}

func (e *Engine) anyAssociated(items []ppe.BBox, person ppe.BBox, kind ppe.Class) bool {
	for _, item := range items {
		if e.Associated(item, person, kind) {
			return true
		}
	}
	return false
}

// Associated reports whether an item box belongs to an (expanded) person box.
// kind is ppe.ClassHelmet or ppe.ClassVest and selects the body region in IoU mode.
func (e *Engine) Associated(item, person ppe.BBox, kind ppe.Class) bool {
	switch e.opts.Mode {
	case IoU:
		region := facematch.FaceRegion(person, e.opts.FaceRegion)
		if kind == ppe.ClassVest {
			region = facematch.VerticalBand(person, torsoFrom, torsoTo)
		}
		return facematch.ComputeIoU(item, region) >= e.opts.IoUThreshold
	default:
		return facematch.Containment(item, person) >= e.opts.ContainmentThreshold
	}
}

func (e *Engine) identify(ctx context.Context, img image.Image, person ppe.BBox, w, h int) (identity.Match, error) {
	face := facematch.ClampBBox(facematch.FaceRegion(person, e.opts.FaceRegion), w, h)
	crop, err := CropJPEG(img, face, e.opts.FaceCropSize)
	if err != nil {
		return identity.Match{}, err
	}
	if crop == nil {
		return identity.Match{}, nil
	}
	return e.matcher.Match(ctx, crop)
}

// CropJPEG cuts box out of img, scales it to fit a size x size square (0 keeps
// the native size) and encodes it as JPEG. Returns nil for an empty region.
func CropJPEG(img image.Image, box ppe.BBox, size int) ([]byte, error) {
	b := img.Bounds()
	r := image.Rect(
		b.Min.X+int(box.X1), b.Min.Y+int(box.Y1),
		b.Min.X+int(box.X2), b.Min.Y+int(box.Y2),
	).Intersect(b)
	if r.Empty() {
		return nil, nil
	}

	dw, dh := r.Dx(), r.Dy()
	if size > 0 {
		scale := float64(size) / float64(max(dw, dh))
		dw = max(1, int(float64(dw)*scale))
		dh = max(1, int(float64(dh)*scale))
	}

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, r, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encoding face crop: %w", err)
	}
	return buf.Bytes(), nil
}
