package session

import (
	"math"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kozaktomas/ppe-monitor/internal/ppe"
	"github.com/kozaktomas/ppe-monitor/internal/violation"
)

var start = time.Date(2026, 6, 3, 8, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newAggregator(c *clock) *Aggregator {
	return New(Options{StreamID: "gate-a", Now: c.Now})
}

func opened(worker string, missing ppe.ItemSet, at time.Time) violation.Transition {
	return violation.Transition{Kind: violation.Opened, Event: ppe.Event{
		ID: uuid.New(), WorkerID: worker, Missing: missing, OpenedAt: at,
	}, Added: missing}
}

func closed(tr violation.Transition, at time.Time) violation.Transition {
	ev := tr.Event
	ev.ClosedAt = &at
	ev.Reason = ppe.ReasonResolved
	return violation.Transition{Kind: violation.Closed, Event: ev}
}

func TestCountsByTypeAtOpen(t *testing.T) {
	c := &clock{now: start}
	a := newAggregator(c)

	helmet := opened("W001", ppe.NewItemSet(ppe.ItemHelmet), start)
	both := opened("W002", ppe.NewItemSet(ppe.ItemHelmet, ppe.ItemVest), start)
	a.OnTransition(helmet)
	a.OnTransition(both)
	// Updates change the event but not the per-type counts
	a.OnTransition(violation.Transition{Kind: violation.Updated, Event: ppe.Event{ID: helmet.Event.ID, WorkerID: "W001", Missing: ppe.NewItemSet(ppe.ItemHelmet, ppe.ItemVest)}})
	a.OnTransition(closed(helmet, start.Add(time.Second)))

	s := a.Snapshot()
	if s.ViolationsByType["helmet"] != 2 || s.ViolationsByType["vest"] != 1 {
		t.Errorf("unexpected counts %v", s.ViolationsByType)
	}
	if s.ViolationsOpened != 2 || s.ViolationsClosed != 1 || s.OpenViolations != 1 {
		t.Errorf("opened=%d closed=%d open=%d", s.ViolationsOpened, s.ViolationsClosed, s.OpenViolations)
	}
	// W001's violation closed but the worker was still seen this session.
	if !slices.Equal(s.ActiveWorkerIDs, []string{"W001", "W002"}) {
		t.Errorf("active workers = %v", s.ActiveWorkerIDs)
	}
}

// TestCountsMatchTrackerOpens feeds real tracker output through the aggregator.
func TestCountsMatchTrackerOpens(t *testing.T) {
	c := &clock{now: start}
	a := newAggregator(c)
	tr := violation.NewTracker(violation.Options{StreamID: "gate-a", GraceTimeout: time.Second})

	want := map[string]int64{}
	frames := []struct {
		worker       string
		helmet, vest bool
	}{
		{"A", false, true}, {"A", false, false}, {"A", true, true},
		{"B", true, false}, {"A", false, true}, {"B", true, true},
	}
	for i, f := range frames {
		obs := ppe.Observation{WorkerID: f.worker, HasHelmet: f.helmet, HasVest: f.vest, Timestamp: start.Add(time.Duration(i) * 100 * time.Millisecond)}
		for _, tn := range tr.Observe(obs) {
			if tn.Kind == violation.Opened {
				for _, it := range tn.Event.Missing.Items() {
					want[it.String()]++
				}
			}
			a.OnTransition(tn)
		}
		a.OnFrame(3, []ppe.Observation{obs})
	}

	s := a.Snapshot()
	for k, v := range want {
		if s.ViolationsByType[k] != v {
			t.Errorf("%s: got %d, want %d", k, s.ViolationsByType[k], v)
		}
	}
	if s.FrameCount != int64(len(frames)) || s.DetectionCount != int64(3*len(frames)) {
		t.Errorf("frames=%d detections=%d", s.FrameCount, s.DetectionCount)
	}
}

func TestUnknownWorkersNotActive(t *testing.T) {
	a := newAggregator(&clock{now: start})
	a.OnTransition(opened("", ppe.NewItemSet(ppe.ItemVest), start))

	s := a.Snapshot()
	if len(s.ActiveWorkerIDs) != 0 {
		t.Errorf("unknown subject listed as active worker: %v", s.ActiveWorkerIDs)
	}
	if s.OpenViolations != 1 {
		t.Errorf("open = %d, want 1", s.OpenViolations)
	}
}

func TestSummaryKeepsWorkersAfterSessionEnds(t *testing.T) {
	c := &clock{now: start}
	a := newAggregator(c)
	tr := violation.NewTracker(violation.Options{StreamID: "gate-a", GraceTimeout: 3 * time.Second})

	frames := []ppe.Observation{
		{WorkerID: "W001", HasHelmet: false, HasVest: true, Timestamp: start},
		{WorkerID: "W002", HasHelmet: true, HasVest: true, Timestamp: start.Add(100 * time.Millisecond)},
		{Handle: 4, HasHelmet: true, HasVest: false, Timestamp: start.Add(200 * time.Millisecond)},
	}
	for _, o := range frames {
		for _, tn := range tr.Observe(o) {
			a.OnTransition(tn)
		}
		a.OnFrame(2, []ppe.Observation{o})
	}

	end := start.Add(time.Second)
	for _, tn := range tr.CloseAll(end, ppe.ReasonSessionEnded) {
		a.OnTransition(tn)
	}
	a.End(end)

	s := a.Snapshot()
	if s.OpenViolations != 0 || s.ViolationsClosed != 2 {
		t.Errorf("open=%d closed=%d", s.OpenViolations, s.ViolationsClosed)
	}
	// W002 never violated. The unknown subject is not a worker.
	if !slices.Equal(s.ActiveWorkerIDs, []string{"W001", "W002"}) {
		t.Errorf("active workers = %v, want [W001 W002]", s.ActiveWorkerIDs)
	}
}

func TestRatesAndDuration(t *testing.T) {
	c := &clock{now: start}
	a := newAggregator(c)

	for range 50 {
		a.OnFrame(1, make([]ppe.Observation, 1))
	}
	a.OnTransition(opened("W001", ppe.NewItemSet(ppe.ItemHelmet), start))
	c.now = start.Add(10 * time.Second)

	s := a.Snapshot()
	if math.Abs(s.FPS-5) > 1e-9 {
		t.Errorf("fps = %v, want 5", s.FPS)
	}
	if math.Abs(s.ViolationsPerHour-360) > 1e-9 {
		t.Errorf("violations/hour = %v, want 360", s.ViolationsPerHour)
	}

	a.End(start.Add(20 * time.Second))
	c.now = start.Add(time.Hour)
	s = a.Snapshot()
	if s.SessionEnd == nil || s.Duration(c.now) != 20*time.Second {
		t.Errorf("unexpected end %v", s.SessionEnd)
	}
	if math.Abs(s.FPS-2.5) > 1e-9 {
		t.Errorf("fps after end = %v, want 2.5", s.FPS)
	}
}

func TestRecentRing(t *testing.T) {
	a := New(Options{StreamID: "gate-a", RecentSize: 3, Now: (&clock{now: start}).Now})

	var ids []uuid.UUID
	for i := range 5 {
		tr := opened("W", ppe.NewItemSet(ppe.ItemVest), start.Add(time.Duration(i)*time.Second))
		ids = append(ids, tr.Event.ID)
		a.OnTransition(tr)
	}

	recent := a.Snapshot().Recent
	if len(recent) != 3 {
		t.Fatalf("recent length %d, want 3", len(recent))
	}
	if recent[0].ViolationID != ids[4] || recent[2].ViolationID != ids[2] {
		t.Error("recent ring is not newest first")
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	a := newAggregator(&clock{now: start})
	a.OnTransition(opened("W001", ppe.NewItemSet(ppe.ItemHelmet), start))

	s := a.Snapshot()
	s.ViolationsByType["helmet"] = 99
	s.Recent[0].WorkerID = "changed"
	s.ActiveWorkerIDs[0] = "changed"

	again := a.Snapshot()
	if again.ViolationsByType["helmet"] != 1 || again.Recent[0].WorkerID != "W001" || again.ActiveWorkerIDs[0] != "W001" {
		t.Error("snapshot shares memory with the aggregator")
	}
}

func TestAlert(t *testing.T) {
	a := New(Options{StreamID: "gate-a", AlertThreshold: 3, Now: (&clock{now: start}).Now})

	for i := range 3 {
		a.OnTransition(opened("W", ppe.NewItemSet(ppe.ItemHelmet), start.Add(time.Duration(i)*10*time.Second)))
	}

	if alert, n := a.Alert(start.Add(30 * time.Second)); !alert || n != 3 {
		t.Errorf("expected alert with 3, got %v %d", alert, n)
	}
	if alert, n := a.Alert(start.Add(65 * time.Second)); alert || n != 2 {
		t.Errorf("expected no alert with 2, got %v %d", alert, n)
	}
}

func TestConcurrentUpdates(t *testing.T) {
	a := newAggregator(&clock{now: start})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				a.OnFrame(2, make([]ppe.Observation, 1))
				a.OnTransition(opened("W", ppe.NewItemSet(ppe.ItemVest), start))
				_ = a.Snapshot()
			}
		}()
	}
	wg.Wait()

	s := a.Snapshot()
	if s.FrameCount != 800 || s.ViolationsByType["vest"] != 800 {
		t.Errorf("frames=%d vest=%d", s.FrameCount, s.ViolationsByType["vest"])
	}
}

func TestMetrics(t *testing.T) {
	a := newAggregator(&clock{now: start})
	a.OnFrame(4, make([]ppe.Observation, 2))
	a.OnDropped(3)
	a.OnTransition(opened("W001", ppe.NewItemSet(ppe.ItemHelmet), start))

	families, err := a.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	got := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, l := range m.GetLabel() {
				if l.GetName() == "item" {
					key += "/" + l.GetValue()
				} else if l.GetName() == "stream" && l.GetValue() != "gate-a" {
					t.Errorf("%s: stream label %q", mf.GetName(), l.GetValue())
				}
			}
			got[key] = m.GetGauge().GetValue()
		}
	}

	want := map[string]float64{
		"ppe_frames_processed_total":          1,
		"ppe_frames_dropped_total":            3,
		"ppe_detections_total":                4,
		"ppe_violations_open":                 1,
		"ppe_violations_by_item_total/helmet": 1,
		"ppe_violations_by_item_total/vest":   0,
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
}
