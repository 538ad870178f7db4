package identity

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/kozaktomas/ppe-monitor/internal/embedding"
)

// fakeExtractor returns canned faces keyed by the image bytes.
type fakeExtractor struct {
	faces map[string][]embedding.Face
	err   error
}

func (f *fakeExtractor) Faces(_ context.Context, photo []byte) ([]embedding.Face, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.faces[string(photo)], nil
}

func (f *fakeExtractor) Embed(ctx context.Context, crop []byte) ([]float32, error) {
	faces, err := f.Faces(ctx, crop)
	if err != nil {
		return nil, err
	}
	best := embedding.BestFace(faces)
	if best == nil {
		return nil, embedding.ErrNoFace
	}
	return best.Embedding, nil
}

func face(v ...float32) []embedding.Face {
	return []embedding.Face{{Embedding: v, DetScore: 0.9}}
}

// unitAt returns a unit 2-D vector whose cosine with (1, 0) is cos.
func unitAt(cos float64) []float32 {
	return []float32{float32(cos), float32(math.Sqrt(1 - cos*cos))}
}

func newTestMatcher(t *testing.T, ext *fakeExtractor) *Matcher {
	t.Helper()
	return NewMatcher(NewGallery(GalleryOptions{}), ext, nil, DefaultThreshold)
}

func TestMatchEmbedding_BestSingleEmbedding(t *testing.T) {
	g := NewGallery(GalleryOptions{})
	g.Append("W001", "Alice", [][]float32{{1, 0, 0}, {0, 0, 1}})
	g.Append("W002", "Bob", [][]float32{{0.8, 0.6, 0}})

	m := MatchEmbedding(g.Snapshot(), []float32{0, 0, 1}, 0.6)

	if m.WorkerID != "W001" {
		t.Errorf("expected W001 via its second embedding, got %+v", m)
	}
	if math.Abs(m.Score-1) > 1e-6 {
		t.Errorf("expected score 1, got %v", m.Score)
	}
}

func TestMatchEmbedding_BelowThresholdIsUnknown(t *testing.T) {
	g := NewGallery(GalleryOptions{})
	g.Append("W001", "Alice", [][]float32{{1, 0}})

	m := MatchEmbedding(g.Snapshot(), unitAt(0.4), 0.6)

	if m.Known() {
		t.Errorf("expected unknown, got %+v", m)
	}
	if math.Abs(m.Score-0.4) > 1e-6 {
		t.Errorf("expected score 0.4 to be reported, got %v", m.Score)
	}
}

func TestMatchEmbedding_TieBreaksOnLowestID(t *testing.T) {
	g := NewGallery(GalleryOptions{})
	// Registered out of order on purpose
	g.Append("W009", "Zed", [][]float32{{1, 0}})
	g.Append("W002", "Bob", [][]float32{{1, 0}})
	g.Append("W005", "Eve", [][]float32{{1, 0}})

	for range 10 {
		m := MatchEmbedding(g.Snapshot(), []float32{1, 0}, 0.6)
		if m.WorkerID != "W002" {
			t.Fatalf("expected tie to resolve to W002, got %s", m.WorkerID)
		}
	}
}

func TestMatchEmbedding_Deterministic(t *testing.T) {
	g := NewGallery(GalleryOptions{})
	g.Append("W001", "Alice", [][]float32{{0.9, 0.1, 0.2}})
	g.Append("W002", "Bob", [][]float32{{0.1, 0.9, 0.3}})
	snap := g.Snapshot()
	query := []float32{0.7, 0.3, 0.2}

	first := MatchEmbedding(snap, query, 0.6)
	for range 20 {
		if got := MatchEmbedding(snap, query, 0.6); got != first {
			t.Fatalf("non-deterministic match: %+v vs %+v", got, first)
		}
	}
}

func TestMatchEmbedding_DimensionMismatchSkipped(t *testing.T) {
	g := NewGallery(GalleryOptions{})
	g.Append("W001", "Alice", [][]float32{{1, 0, 0}})

	m := MatchEmbedding(g.Snapshot(), []float32{1, 0}, 0.6)
	if m.Known() || m.Score != 0 {
		t.Errorf("expected empty unknown match, got %+v", m)
	}
}

func TestMatchEmbedding_EmptyGallery(t *testing.T) {
	m := MatchEmbedding(NewGallery(GalleryOptions{}).Snapshot(), []float32{1, 0}, 0.6)
	if m.Known() {
		t.Errorf("expected unknown, got %+v", m)
	}
}

func TestMatcher_MatchScenario(t *testing.T) {
	ext := &fakeExtractor{faces: map[string][]embedding.Face{
		"reg":      face(1, 0),
		"worker":   face(unitAt(0.82)...),
		"stranger": face(unitAt(0.4)...),
		"blurry":   nil,
	}}
	m := newTestMatcher(t, ext)
	ctx := context.Background()

	if _, err := m.Register(ctx, "W", "Worker", [][]byte{[]byte("reg")}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := m.Match(ctx, []byte("worker"))
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if got.WorkerID != "W" || math.Abs(got.Score-0.82) > 1e-6 {
		t.Errorf("expected W at 0.82, got %+v", got)
	}

	got, err = m.Match(ctx, []byte("stranger"))
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if got.Known() || math.Abs(got.Score-0.4) > 1e-6 {
		t.Errorf("expected (UNKNOWN, 0.4), got %+v", got)
	}

	got, err = m.Match(ctx, []byte("blurry"))
	if err != nil || got.Known() {
		t.Errorf("expected unknown without error for faceless crop, got %+v, %v", got, err)
	}
}

func TestMatcher_MatchExtractorError(t *testing.T) {
	m := newTestMatcher(t, &fakeExtractor{err: embedding.ErrExtractorUnavailable})

	if _, err := m.Match(context.Background(), []byte("x")); !errors.Is(err, embedding.ErrExtractorUnavailable) {
		t.Errorf("expected ErrExtractorUnavailable, got %v", err)
	}
}

func TestMatcher_RegisterSkipsBadPhotos(t *testing.T) {
	ext := &fakeExtractor{faces: map[string][]embedding.Face{
		"good1": face(1, 0),
		"none":  nil,
		"two":   {{Embedding: []float32{1, 0}}, {Embedding: []float32{0, 1}}},
		"good2": face(0.9, 0.1),
	}}
	m := newTestMatcher(t, ext)

	res, err := m.Register(context.Background(), "W001", "Alice", [][]byte{
		[]byte("good1"), []byte("none"), []byte("two"), []byte("good2"),
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if res.Accepted != 2 || res.GallerySize != 2 {
		t.Errorf("expected 2 accepted, got %+v", res)
	}
	if !errors.Is(res.Photos[1].Err, ErrNoFaceDetected) {
		t.Errorf("photo 1: expected ErrNoFaceDetected, got %v", res.Photos[1].Err)
	}
	if !errors.Is(res.Photos[2].Err, ErrAmbiguousFace) || !errors.Is(res.Photos[2].Err, ErrNoFaceDetected) {
		t.Errorf("photo 2: expected ErrAmbiguousFace wrapping ErrNoFaceDetected, got %v", res.Photos[2].Err)
	}
}

func TestMatcher_RegisterAllBadLeavesGalleryUnchanged(t *testing.T) {
	m := newTestMatcher(t, &fakeExtractor{faces: map[string][]embedding.Face{}})
	before := m.Gallery().Snapshot().Version()

	_, err := m.Register(context.Background(), "W001", "Alice", [][]byte{[]byte("none")})
	if !errors.Is(err, ErrNoFaceDetected) {
		t.Fatalf("expected ErrNoFaceDetected, got %v", err)
	}
	if m.Gallery().Snapshot().Version() != before {
		t.Error("gallery version changed on failed registration")
	}
}

func TestMatcher_RegisterAppends(t *testing.T) {
	ext := &fakeExtractor{faces: map[string][]embedding.Face{"a": face(1, 0), "b": face(0, 1)}}
	m := newTestMatcher(t, ext)
	ctx := context.Background()

	if _, err := m.Register(ctx, "W001", "Alice", [][]byte{[]byte("a")}); err != nil {
		t.Fatal(err)
	}
	old := m.Gallery().Snapshot()

	res, err := m.Register(ctx, "W001", "", [][]byte{[]byte("b")})
	if err != nil {
		t.Fatal(err)
	}
	if res.GallerySize != 2 || res.Name != "Alice" {
		t.Errorf("expected gallery of 2 keeping the name, got %+v", res)
	}

	// The earlier snapshot is untouched
	w, _ := old.Worker("W001")
	if len(w.Embeddings) != 1 {
		t.Errorf("old snapshot mutated: %d embeddings", len(w.Embeddings))
	}
}

func TestMatcher_RegisterDimensionMismatch(t *testing.T) {
	ext := &fakeExtractor{faces: map[string][]embedding.Face{"a": face(1, 0), "b": face(1, 0, 0)}}
	m := newTestMatcher(t, ext)

	res, err := m.Register(context.Background(), "W001", "Alice", [][]byte{[]byte("a"), []byte("b")})
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted != 1 || !errors.Is(res.Photos[1].Err, ErrDimensionMismatch) {
		t.Errorf("expected second photo rejected for dimension, got %+v", res.Photos)
	}
}

func TestMatcher_Verify(t *testing.T) {
	ext := &fakeExtractor{faces: map[string][]embedding.Face{
		"reg":   face(1, 0),
		"close": face(unitAt(0.9)...),
		"far":   face(unitAt(0.3)...),
	}}
	m := newTestMatcher(t, ext)
	ctx := context.Background()
	if _, err := m.Register(ctx, "W001", "Alice", [][]byte{[]byte("reg")}); err != nil {
		t.Fatal(err)
	}

	ok, score, err := m.Verify(ctx, "W001", []byte("close"))
	if err != nil || !ok || math.Abs(score-0.9) > 1e-6 {
		t.Errorf("close: ok=%v score=%v err=%v", ok, score, err)
	}

	ok, _, err = m.Verify(ctx, "W001", []byte("far"))
	if err != nil || ok {
		t.Errorf("far: expected rejection, ok=%v err=%v", ok, err)
	}

	if _, _, err := m.Verify(ctx, "W999", []byte("close")); !errors.Is(err, ErrUnknownWorker) {
		t.Errorf("expected ErrUnknownWorker, got %v", err)
	}
}

func TestMatcher_SetThresholdClamps(t *testing.T) {
	m := newTestMatcher(t, &fakeExtractor{})

	tests := []struct {
		in, want float64
	}{
		{0.75, 0.75},
		{0.01, 0.1},
		{-3, 0.1},
		{1.5, 1.0},
	}
	for _, tt := range tests {
		if got := m.SetThreshold(tt.in); got != tt.want {
			t.Errorf("SetThreshold(%v) = %v, want %v", tt.in, got, tt.want)
		}
		if m.Threshold() != tt.want {
			t.Errorf("Threshold() = %v after SetThreshold(%v)", m.Threshold(), tt.in)
		}
	}
}

func TestMatcher_RemoveAndResolve(t *testing.T) {
	ext := &fakeExtractor{faces: map[string][]embedding.Face{"a": face(1, 0)}}
	m := newTestMatcher(t, ext)
	ctx := context.Background()
	if _, err := m.Register(ctx, "W001", "Jan Novák", [][]byte{[]byte("a")}); err != nil {
		t.Fatal(err)
	}

	w, err := m.Resolve("jan-novak")
	if err != nil || w.ID != "W001" {
		t.Errorf("expected name lookup to find W001, got %+v, %v", w, err)
	}

	if err := m.Remove(ctx, "W001"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := m.Remove(ctx, "W001"); !errors.Is(err, ErrUnknownWorker) {
		t.Errorf("expected ErrUnknownWorker on second remove, got %v", err)
	}
	if m.Gallery().Snapshot().Len() != 0 {
		t.Error("expected empty gallery")
	}
}

func TestMatcher_ConcurrentMatchDuringRegister(t *testing.T) {
	faces := map[string][]embedding.Face{"query": face(1, 0)}
	for i := range 20 {
		faces[string(rune('a'+i))] = face(1, float32(i)/20)
	}
	ext := &fakeExtractor{faces: faces}
	m := newTestMatcher(t, ext)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = m.Register(ctx, "W", "W", [][]byte{{byte('a' + i)}})
		}(i)
	}
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Match(ctx, []byte("query")); err != nil {
				t.Errorf("Match: %v", err)
			}
		}()
	}
	wg.Wait()

	w, ok := m.Gallery().Snapshot().Worker("W")
	if !ok || len(w.Embeddings) != 20 {
		t.Errorf("expected 20 serialized registrations, got %d", len(w.Embeddings))
	}
}
