// Package session accumulates per-stream monitoring statistics.
package session

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kozaktomas/ppe-monitor/internal/ppe"
	"github.com/kozaktomas/ppe-monitor/internal/violation"
)

const (
	defaultRecentSize     = 10
	defaultAlertThreshold = 3
	defaultAlertWindow    = time.Minute
)

// Options configures an aggregator.
type Options struct {
	StreamID  string
	SessionID uuid.UUID // generated when zero

	RecentSize     int           // length of the recent-violations ring
	AlertThreshold int           // violations opened within AlertWindow that raise an alert
	AlertWindow    time.Duration

	Now func() time.Time
}

// Aggregator collects counters for one monitoring session.
// Every method is safe for concurrent use; critical sections only touch counters.
type Aggregator struct {
	opts Options

	mu         sync.Mutex
	start      time.Time
	end        *time.Time
	frames     int64
	dropped    int64
	failed     int64
	detections int64
	observed   int64
	opened     int64
	closed     int64
	byType     map[ppe.Item]int64
	open       map[uuid.UUID]string // open violation -> worker ID ("" for unknown)
	seen       map[string]struct{}  // every worker recognized this session
	recent     []ppe.RecentViolation
	openTimes  []time.Time

	registry *prometheus.Registry
}

// New creates an aggregator whose session starts now.
func New(opts Options) *Aggregator {
	if opts.SessionID == uuid.Nil {
		opts.SessionID = uuid.New()
	}
	if opts.RecentSize <= 0 {
		opts.RecentSize = defaultRecentSize
	}
	if opts.AlertThreshold <= 0 {
		opts.AlertThreshold = defaultAlertThreshold
	}
	if opts.AlertWindow <= 0 {
		opts.AlertWindow = defaultAlertWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	a := &Aggregator{
		opts:     opts,
		start:    opts.Now(),
		byType:   make(map[ppe.Item]int64),
		open:     make(map[uuid.UUID]string),
		seen:     make(map[string]struct{}),
		registry: prometheus.NewRegistry(),
	}
	a.registerMetrics()
	return a
}

// SessionID returns the session identifier.
func (a *Aggregator) SessionID() uuid.UUID {
	return a.opts.SessionID
}

// StreamID returns the stream the session belongs to.
func (a *Aggregator) StreamID() string {
	return a.opts.StreamID
}

// OnFrame records one processed frame and the workers recognized in it.
func (a *Aggregator) OnFrame(detections int, obs []ppe.Observation) {
	a.mu.Lock()
	a.frames++
	a.detections += int64(detections)
	a.observed += int64(len(obs))
	for _, o := range obs {
		if o.Known() {
			a.seen[o.WorkerID] = struct{}{}
		}
	}
	a.mu.Unlock()
}

// OnDropped records frames discarded by the admission queue.
func (a *Aggregator) OnDropped(n int64) {
	a.mu.Lock()
	a.dropped += n
	a.mu.Unlock()
}

// OnFailed records a frame dropped because a collaborator failed.
func (a *Aggregator) OnFailed() {
	a.mu.Lock()
	a.failed++
	a.mu.Unlock()
}

// OnTransition applies a violation state transition.
// Per-type counts are taken when an event opens.
func (a *Aggregator) OnTransition(tr violation.Transition) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ev := tr.Event
	switch tr.Kind {
	case violation.Opened:
		a.opened++
		for _, it := range ev.Missing.Items() {
			a.byType[it]++
		}
		a.open[ev.ID] = ev.WorkerID
		if ev.WorkerID != "" {
			a.seen[ev.WorkerID] = struct{}{}
		}
		a.openTimes = append(a.openTimes, ev.OpenedAt)

		a.recent = append([]ppe.RecentViolation{{
			ViolationID: ev.ID,
			WorkerID:    ev.WorkerID,
			Missing:     ev.Missing,
			At:          ev.OpenedAt,
		}}, a.recent...)
		if len(a.recent) > a.opts.RecentSize {
			a.recent = a.recent[:a.opts.RecentSize]
		}
	case violation.Updated:
		for i := range a.recent {
			if a.recent[i].ViolationID == ev.ID {
				a.recent[i].Missing = ev.Missing
			}
		}
	case violation.Closed:
		if _, ok := a.open[ev.ID]; ok {
			delete(a.open, ev.ID)
			a.closed++
		}
	}
}

// Alert reports whether at least AlertThreshold violations opened within the
// alert window before now, and how many did.
func (a *Aggregator) Alert(now time.Time) (bool, int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := now.Add(-a.opts.AlertWindow)
	keep := a.openTimes[:0]
	for _, t := range a.openTimes {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	a.openTimes = keep
	return len(keep) >= a.opts.AlertThreshold, len(keep)
}

// End marks the session as finished. Later calls keep the first end time.
func (a *Aggregator) End(at time.Time) {
	a.mu.Lock()
	if a.end == nil {
		a.end = &at
	}
	a.mu.Unlock()
}

// Snapshot returns a deep copy of the current statistics.
func (a *Aggregator) Snapshot() ppe.SessionStats {
	now := a.opts.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	s := ppe.SessionStats{
		SessionID:        a.opts.SessionID,
		StreamID:         a.opts.StreamID,
		SessionStart:     a.start,
		FrameCount:       a.frames,
		DroppedFrames:    a.dropped,
		FailedFrames:     a.failed,
		DetectionCount:   a.detections,
		ObservationCount: a.observed,
		ViolationsOpened: a.opened,
		ViolationsClosed: a.closed,
		ViolationsByType: make(map[string]int64, len(ppe.AllItems)),
		ActiveWorkerIDs:  a.activeWorkers(),
		OpenViolations:   len(a.open),
		Recent:           slices.Clone(a.recent),
	}
	if a.end != nil {
		end := *a.end
		s.SessionEnd = &end
	}
	for _, it := range ppe.AllItems {
		s.ViolationsByType[it.String()] = a.byType[it]
	}
	if s.Recent == nil {
		s.Recent = []ppe.RecentViolation{}
	}

	if secs := s.Duration(now).Seconds(); secs > 0 {
		s.FPS = float64(a.frames) / secs
		s.ViolationsPerHour = float64(a.opened) / (secs / 3600)
	}
	return s
}

// Registry returns the session's Prometheus registry.
func (a *Aggregator) Registry() *prometheus.Registry {
	return a.registry
}

// activeWorkers lists every worker recognized during the session, including
// those whose violations have closed.
func (a *Aggregator) activeWorkers() []string {
	ids := make([]string, 0, len(a.seen))
	for w := range a.seen {
		ids = append(ids, w)
	}
	slices.Sort(ids)
	return ids
}

func (a *Aggregator) read(f func() float64) func() float64 {
	return func() float64 {
		a.mu.Lock()
		defer a.mu.Unlock()
		return f()
	}
}
