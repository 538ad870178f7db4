// Package storetest holds behavior tests shared by every database.Store backend.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kozaktomas/ppe-monitor/internal/database"
	"github.com/kozaktomas/ppe-monitor/internal/ppe"
)

// Dim is the embedding dimension the factory must configure.
const Dim = 4

// Run exercises a backend. newStore must return an empty store configured for Dim.
func Run(t *testing.T, newStore func(t *testing.T) database.Store) {
	t.Run("Violations", func(t *testing.T) { testViolations(t, newStore(t)) })
	t.Run("Review", func(t *testing.T) { testReview(t, newStore(t)) })
	t.Run("Purge", func(t *testing.T) { testPurge(t, newStore(t)) })
	t.Run("Sessions", func(t *testing.T) { testSessions(t, newStore(t)) })
	t.Run("Workers", func(t *testing.T) { testWorkers(t, newStore(t)) })
	t.Run("ConcurrentAppends", func(t *testing.T) { testConcurrentAppends(t, newStore(t)) })
}

var base = time.Date(2026, 5, 4, 7, 0, 0, 0, time.UTC)

func event(worker string, offset time.Duration, missing ...ppe.Item) ppe.Event {
	e := ppe.Event{
		ID:       uuid.New(),
		StreamID: "gate-a",
		WorkerID: worker,
		Missing:  ppe.NewItemSet(missing...),
		OpenedAt: base.Add(offset),
		Score:    0.82,
	}
	if worker == "" {
		e.Handle = 9
		e.Score = 0.4
		e.NeedsReview = true
	}
	return e
}

func closeEvent(e ppe.Event, after time.Duration, reason ppe.CloseReason) ppe.Event {
	at := e.OpenedAt.Add(after)
	e.ClosedAt = &at
	e.Reason = reason
	return e
}

func testViolations(t *testing.T, s database.Store) {
	ctx := context.Background()
	a := event("W001", 0, ppe.ItemHelmet)
	b := event("", time.Hour, ppe.ItemVest)
	c := event("W002", 2*time.Hour, ppe.ItemHelmet, ppe.ItemVest)

	for _, e := range []ppe.Event{c, a, b} {
		if err := s.AppendViolation(ctx, e); err != nil {
			t.Fatalf("AppendViolation: %v", err)
		}
	}
	// The close replaces the open record
	if err := s.AppendViolation(ctx, closeEvent(a, 5*time.Second, ppe.ReasonResolved)); err != nil {
		t.Fatalf("AppendViolation close: %v", err)
	}

	all, err := s.QueryViolations(ctx, database.ViolationFilter{})
	if err != nil {
		t.Fatalf("QueryViolations: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if all[0].ID != a.ID || all[1].ID != b.ID || all[2].ID != c.ID {
		t.Error("events not ordered by open time")
	}
	if all[0].ClosedAt == nil || !all[0].ClosedAt.Equal(base.Add(5*time.Second)) || all[0].Reason != ppe.ReasonResolved {
		t.Errorf("close not stored: %+v", all[0])
	}
	if all[1].WorkerID != "" || all[1].Handle != 9 || !all[1].NeedsReview || all[1].Score != 0.4 {
		t.Errorf("unknown event not round-tripped: %+v", all[1])
	}
	if all[2].Missing != ppe.NewItemSet(ppe.ItemHelmet, ppe.ItemVest) || !all[2].OpenedAt.Equal(c.OpenedAt) {
		t.Errorf("fields not round-tripped: %+v", all[2])
	}

	tests := []struct {
		name   string
		filter database.ViolationFilter
		want   []uuid.UUID
	}{
		{"worker", database.ViolationFilter{WorkerID: "W002"}, []uuid.UUID{c.ID}},
		{"unknown only", database.ViolationFilter{UnknownOnly: true}, []uuid.UUID{b.ID}},
		{"from inclusive", database.ViolationFilter{From: base.Add(time.Hour)}, []uuid.UUID{b.ID, c.ID}},
		{"to exclusive", database.ViolationFilter{To: base.Add(time.Hour)}, []uuid.UUID{a.ID}},
		{"stream", database.ViolationFilter{StreamID: "yard"}, nil},
		{"limit", database.ViolationFilter{Limit: 2}, []uuid.UUID{a.ID, b.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.QueryViolations(ctx, tt.filter)
			if err != nil {
				t.Fatalf("QueryViolations: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d events, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].ID != tt.want[i] {
					t.Errorf("event %d: got %s, want %s", i, got[i].ID, tt.want[i])
				}
			}
		})
	}

	got, err := s.GetViolation(ctx, c.ID)
	if err != nil || got.WorkerID != "W002" {
		t.Errorf("GetViolation: %+v, %v", got, err)
	}
	if _, err := s.GetViolation(ctx, uuid.New()); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testReview(t *testing.T, s database.Store) {
	ctx := context.Background()
	e := event("", 0, ppe.ItemVest)
	if err := s.AppendViolation(ctx, e); err != nil {
		t.Fatalf("AppendViolation: %v", err)
	}

	if err := s.MarkReviewed(ctx, e.ID, "visitor, badge 44"); err != nil {
		t.Fatalf("MarkReviewed: %v", err)
	}
	// A rewrite from the pipeline keeps operator review
	if err := s.AppendViolation(ctx, closeEvent(e, time.Minute, ppe.ReasonWorkerLost)); err != nil {
		t.Fatalf("AppendViolation: %v", err)
	}

	got, err := s.GetViolation(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetViolation: %v", err)
	}
	if !got.Reviewed || got.Notes != "visitor, badge 44" || got.Reason != ppe.ReasonWorkerLost {
		t.Errorf("unexpected event %+v", got)
	}

	if err := s.MarkReviewed(ctx, uuid.New(), ""); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testPurge(t *testing.T, s database.Store) {
	ctx := context.Background()
	old := closeEvent(event("W001", 0, ppe.ItemHelmet), time.Second, ppe.ReasonResolved)
	oldOpen := event("W002", time.Minute, ppe.ItemVest)
	recent := closeEvent(event("W001", 48*time.Hour, ppe.ItemHelmet), time.Second, ppe.ReasonResolved)
	for _, e := range []ppe.Event{old, oldOpen, recent} {
		if err := s.AppendViolation(ctx, e); err != nil {
			t.Fatalf("AppendViolation: %v", err)
		}
	}

	purged, err := s.PurgeBefore(ctx, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeBefore: %v", err)
	}
	if len(purged) != 1 || purged[0].ID != old.ID {
		t.Fatalf("expected only the old closed event purged, got %+v", purged)
	}

	left, err := s.QueryViolations(ctx, database.ViolationFilter{})
	if err != nil {
		t.Fatalf("QueryViolations: %v", err)
	}
	if len(left) != 2 {
		t.Errorf("expected 2 events left, got %d", len(left))
	}
}

func testSessions(t *testing.T, s database.Store) {
	ctx := context.Background()

	first := ppe.SessionStats{
		SessionID:        uuid.New(),
		StreamID:         "gate-a",
		SessionStart:     base,
		FrameCount:       120,
		ViolationsByType: map[string]int64{"helmet": 2, "vest": 1},
	}
	second := ppe.SessionStats{SessionID: uuid.New(), StreamID: "gate-b", SessionStart: base.Add(time.Hour)}

	for _, st := range []ppe.SessionStats{first, second} {
		if err := s.AppendSessionSummary(ctx, st); err != nil {
			t.Fatalf("AppendSessionSummary: %v", err)
		}
	}
	end := base.Add(30 * time.Minute)
	first.SessionEnd = &end
	first.FrameCount = 1800
	if err := s.AppendSessionSummary(ctx, first); err != nil {
		t.Fatalf("AppendSessionSummary update: %v", err)
	}

	sessions, err := s.ListSessions(ctx, 0)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 || sessions[0].SessionID != second.SessionID {
		t.Fatalf("expected 2 sessions, newest first, got %+v", sessions)
	}
	got := sessions[1]
	if got.FrameCount != 1800 || got.SessionEnd == nil || got.ViolationsByType["helmet"] != 2 {
		t.Errorf("unexpected session %+v", got)
	}

	limited, err := s.ListSessions(ctx, 1)
	if err != nil || len(limited) != 1 {
		t.Errorf("ListSessions limit: %d, %v", len(limited), err)
	}
}

func testWorkers(t *testing.T, s database.Store) {
	ctx := context.Background()

	if err := s.SaveWorker(ctx, database.Worker{ID: "W002", Name: "Eva Svobodová"}); err != nil {
		t.Fatalf("SaveWorker: %v", err)
	}
	if err := s.SaveWorker(ctx, database.Worker{ID: "W001", Name: "Jan Novák"}); err != nil {
		t.Fatalf("SaveWorker: %v", err)
	}
	if err := s.AppendEmbeddings(ctx, "W001", [][]float32{{1, 0, 0, 0}, {0.9, 0.1, 0, 0}}); err != nil {
		t.Fatalf("AppendEmbeddings: %v", err)
	}
	if err := s.AppendEmbeddings(ctx, "W001", [][]float32{{0, 1, 0, 0}}); err != nil {
		t.Fatalf("AppendEmbeddings: %v", err)
	}
	// An empty name keeps the stored one
	if err := s.SaveWorker(ctx, database.Worker{ID: "W001"}); err != nil {
		t.Fatalf("SaveWorker: %v", err)
	}

	workers, err := s.ListWorkers(ctx)
	if err != nil {
		t.Fatalf("ListWorkers: %v", err)
	}
	if len(workers) != 2 || workers[0].ID != "W001" || workers[1].ID != "W002" {
		t.Fatalf("expected workers ordered by ID, got %+v", workers)
	}
	if workers[0].Name != "Jan Novák" {
		t.Errorf("name = %q", workers[0].Name)
	}
	if len(workers[0].Embeddings) != 3 || workers[0].Embeddings[1][0] != 0.9 || workers[0].Embeddings[2][1] != 1 {
		t.Errorf("unexpected embeddings %v", workers[0].Embeddings)
	}
	if len(workers[1].Embeddings) != 0 {
		t.Errorf("expected no embeddings for W002, got %v", workers[1].Embeddings)
	}

	if err := s.AppendEmbeddings(ctx, "W001", [][]float32{{1, 2}}); err == nil {
		t.Error("expected dimension error")
	}
	if err := s.AppendEmbeddings(ctx, "nobody", [][]float32{{1, 0, 0, 0}}); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := s.DeleteWorker(ctx, "W001"); err != nil {
		t.Fatalf("DeleteWorker: %v", err)
	}
	if err := s.DeleteWorker(ctx, "W001"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	workers, err = s.ListWorkers(ctx)
	if err != nil {
		t.Fatalf("ListWorkers: %v", err)
	}
	if len(workers) != 1 || workers[0].ID != "W002" {
		t.Errorf("unexpected workers after delete %+v", workers)
	}

	// Re-registering a deleted worker starts with an empty gallery
	if err := s.SaveWorker(ctx, database.Worker{ID: "W001", Name: "Jan Novák"}); err != nil {
		t.Fatalf("SaveWorker: %v", err)
	}
	workers, _ = s.ListWorkers(ctx)
	if len(workers[0].Embeddings) != 0 {
		t.Error("embeddings survived worker deletion")
	}
}

func testConcurrentAppends(t *testing.T, s database.Store) {
	ctx := context.Background()
	const streams, perStream = 4, 25

	var wg sync.WaitGroup
	errs := make(chan error, streams*perStream)
	for i := range streams {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range perStream {
				e := event("W001", time.Duration(i*perStream+j)*time.Second, ppe.ItemHelmet)
				e.StreamID = []string{"a", "b", "c", "d"}[i]
				if err := s.AppendViolation(ctx, e); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("AppendViolation: %v", err)
	}

	all, err := s.QueryViolations(ctx, database.ViolationFilter{})
	if err != nil {
		t.Fatalf("QueryViolations: %v", err)
	}
	if len(all) != streams*perStream {
		t.Errorf("expected %d events, got %d", streams*perStream, len(all))
	}
}
