// Package identity resolves face crops to registered workers.
package identity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kozaktomas/ppe-monitor/internal/database"
	"github.com/kozaktomas/ppe-monitor/internal/embedding"
	"github.com/kozaktomas/ppe-monitor/internal/facematch"
)

var (
	// ErrNoFaceDetected is returned for a registration photo without a usable face.
	ErrNoFaceDetected = errors.New("no face detected")
	// ErrAmbiguousFace is returned for a registration photo with more than one face.
	ErrAmbiguousFace = fmt.Errorf("%w: multiple faces in photo", ErrNoFaceDetected)
	// ErrUnknownWorker is returned when a worker ID is not registered.
	ErrUnknownWorker = errors.New("unknown worker")
	// ErrDimensionMismatch is returned when an embedding does not match the gallery dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

const (
	// DefaultThreshold is the minimum cosine similarity for a positive match.
	DefaultThreshold = 0.6
	minThreshold     = 0.1
	maxThreshold     = 1.0
)

// Match is the result of resolving one embedding against the gallery.
// WorkerID is empty when no worker reached the threshold; Score is then the best similarity seen.
type Match struct {
	WorkerID string  `json:"worker_id,omitempty"`
	Name     string  `json:"name,omitempty"`
	Score    float64 `json:"score"`
}

// Known reports whether the match resolved to a worker.
func (m Match) Known() bool { return m.WorkerID != "" }

// MatchEmbedding resolves an embedding against a snapshot.
// The worker whose best single gallery embedding has the highest cosine
// similarity wins if it reaches threshold. Equal scores resolve to the lowest
// worker ID. Embeddings of a different dimension are skipped. It is a pure
// function of its arguments.
func MatchEmbedding(snap *Snapshot, emb []float32, threshold float64) Match {
	if snap == nil || len(emb) == 0 {
		return Match{}
	}

	var candidates map[string]struct{}
	if snap.index != nil && len(emb) == snap.dim {
		candidates = snap.index.candidates(emb, min(hnswCandidates, snap.EmbeddingCount()))
	}

	best := Match{Score: math.Inf(-1)}
	for _, w := range snap.workers { // sorted by ID, so strict > keeps the lowest ID on ties
		if candidates != nil {
			if _, ok := candidates[w.ID]; !ok {
				continue
			}
		}
		score, ok := bestSimilarity(w, emb)
		if !ok {
			continue
		}
		if score > best.Score {
			best = Match{WorkerID: w.ID, Name: w.Name, Score: score}
		}
	}

	if math.IsInf(best.Score, -1) {
		return Match{}
	}
	if best.Score < threshold {
		return Match{Score: best.Score}
	}
	return best
}

// bestSimilarity returns the highest similarity between emb and any of the worker's embeddings.
func bestSimilarity(w Worker, emb []float32) (float64, bool) {
	best, found := 0.0, false
	for _, g := range w.Embeddings {
		sim, ok := facematch.CosineSimilarity(emb, g)
		if !ok {
			continue
		}
		if !found || sim > best {
			best, found = sim, true
		}
	}
	return best, found
}

// PhotoResult is the outcome of one registration photo.
type PhotoResult struct {
	Index    int     `json:"index"`
	Accepted bool    `json:"accepted"`
	DetScore float64 `json:"det_score,omitempty"`
	Err      error   `json:"-"`
	Error    string  `json:"error,omitempty"`
}

// RegistrationResult summarizes a registration batch.
type RegistrationResult struct {
	WorkerID       string        `json:"worker_id"`
	Name           string        `json:"name"`
	Photos         []PhotoResult `json:"photos"`
	Accepted       int           `json:"accepted"`
	GallerySize    int           `json:"gallery_size"`
	GalleryVersion uint64        `json:"gallery_version"`
}

// Matcher matches face crops against the gallery and manages registrations.
type Matcher struct {
	gallery   *Gallery
	extractor embedding.Extractor
	store     database.WorkerStore

	threshold atomic.Uint64 // math.Float64bits
	regMu     sync.Mutex    // at most one registration in flight
}

// NewMatcher creates a matcher. store may be nil for an in-memory gallery.
func NewMatcher(gallery *Gallery, extractor embedding.Extractor, store database.WorkerStore, threshold float64) *Matcher {
	m := &Matcher{gallery: gallery, extractor: extractor, store: store}
	m.threshold.Store(math.Float64bits(threshold))
	return m
}

// Gallery returns the underlying gallery.
func (m *Matcher) Gallery() *Gallery { return m.gallery }

// Threshold returns the current similarity threshold.
func (m *Matcher) Threshold() float64 {
	return math.Float64frombits(m.threshold.Load())
}

// SetThreshold updates the similarity threshold, clamped to [0.1, 1.0]. Returns the applied value.
func (m *Matcher) SetThreshold(t float64) float64 {
	t = min(max(t, minThreshold), maxThreshold)
	m.threshold.Store(math.Float64bits(t))
	return t
}

// Load replaces the gallery with the workers persisted in the store.
func (m *Matcher) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	stored, err := m.store.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("loading workers: %w", err)
	}
	workers := make([]Worker, 0, len(stored))
	for _, w := range stored {
		workers = append(workers, Worker{ID: w.ID, Name: w.Name, Embeddings: w.Embeddings})
	}
	if dropped := m.gallery.Replace(workers); dropped > 0 {
		log.Warn().Int("dropped", dropped).Msg("Skipped gallery embeddings with wrong dimension")
	}
	return nil
}

// Match embeds a face crop and resolves it against the current gallery.
// A crop without a detectable face resolves to an unknown match without error.
func (m *Matcher) Match(ctx context.Context, crop []byte) (Match, error) {
	emb, err := m.extractor.Embed(ctx, crop)
	if errors.Is(err, embedding.ErrNoFace) {
		return Match{}, nil
	}
	if err != nil {
		return Match{}, err
	}
	return MatchEmbedding(m.gallery.Snapshot(), emb, m.Threshold()), nil
}

// Verify checks a face crop against one claimed worker.
func (m *Matcher) Verify(ctx context.Context, workerID string, crop []byte) (bool, float64, error) {
	w, ok := m.gallery.Snapshot().Worker(workerID)
	if !ok {
		return false, 0, fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	emb, err := m.extractor.Embed(ctx, crop)
	if errors.Is(err, embedding.ErrNoFace) {
		return false, 0, ErrNoFaceDetected
	}
	if err != nil {
		return false, 0, err
	}
	score, ok := bestSimilarity(w, emb)
	if !ok {
		return false, 0, ErrDimensionMismatch
	}
	return score >= m.Threshold(), score, nil
}

// Register embeds each photo and appends the accepted embeddings to the worker's gallery.
// Photos with no face or several faces are skipped and reported per photo.
// Registration fails only if no photo was usable or the store rejects the write;
// in both cases the gallery is unchanged.
func (m *Matcher) Register(ctx context.Context, workerID, name string, photos [][]byte) (RegistrationResult, error) {
	m.regMu.Lock()
	defer m.regMu.Unlock()

	workerID = strings.TrimSpace(workerID)
	result := RegistrationResult{WorkerID: workerID, Name: name}
	if workerID == "" {
		return result, errors.New("worker id is required")
	}

	dim := m.gallery.Snapshot().Dim()
	var accepted [][]float32
	for i, photo := range photos {
		pr := PhotoResult{Index: i}
		emb, score, err := m.embedPhoto(ctx, photo, dim)
		if err != nil {
			pr.Err = err
			pr.Error = err.Error()
			log.Debug().Str("worker", workerID).Int("photo", i).Err(err).Msg("Registration photo skipped")
		} else {
			if dim == 0 {
				dim = len(emb)
			}
			pr.Accepted = true
			pr.DetScore = score
			accepted = append(accepted, emb)
		}
		result.Photos = append(result.Photos, pr)
	}
	result.Accepted = len(accepted)

	if len(accepted) == 0 {
		return result, fmt.Errorf("registering %s: %w in any of %d photos", workerID, ErrNoFaceDetected, len(photos))
	}

	if m.store != nil {
		if err := m.store.SaveWorker(ctx, database.Worker{ID: workerID, Name: name, CreatedAt: time.Now().UTC()}); err != nil {
			return result, fmt.Errorf("saving worker %s: %w", workerID, err)
		}
		if err := m.store.AppendEmbeddings(ctx, workerID, accepted); err != nil {
			return result, fmt.Errorf("saving embeddings for %s: %w", workerID, err)
		}
	}

	snap := m.gallery.Append(workerID, name, accepted)
	w, _ := snap.Worker(workerID)
	result.Name = w.Name
	result.GallerySize = len(w.Embeddings)
	result.GalleryVersion = snap.Version()

	log.Info().
		Str("worker", workerID).
		Int("accepted", result.Accepted).
		Int("photos", len(photos)).
		Uint64("gallery_version", snap.Version()).
		Msg("Worker registered")
	return result, nil
}

func (m *Matcher) embedPhoto(ctx context.Context, photo []byte, dim int) ([]float32, float64, error) {
	faces, err := m.extractor.Faces(ctx, photo)
	if err != nil {
		return nil, 0, err
	}
	switch len(faces) {
	case 0:
		return nil, 0, ErrNoFaceDetected
	case 1:
	default:
		return nil, 0, ErrAmbiguousFace
	}
	emb := faces[0].Embedding
	if dim > 0 && len(emb) != dim {
		return nil, 0, fmt.Errorf("%w: got %d, gallery uses %d", ErrDimensionMismatch, len(emb), dim)
	}
	return emb, faces[0].DetScore, nil
}

// Remove deletes a worker from the store and the gallery.
func (m *Matcher) Remove(ctx context.Context, workerID string) error {
	m.regMu.Lock()
	defer m.regMu.Unlock()

	if _, ok := m.gallery.Snapshot().Worker(workerID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	if m.store != nil {
		if err := m.store.DeleteWorker(ctx, workerID); err != nil && !errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("deleting worker %s: %w", workerID, err)
		}
	}
	m.gallery.Remove(workerID)
	log.Info().Str("worker", workerID).Msg("Worker removed")
	return nil
}

// Resolve finds a worker by ID, falling back to a normalized name lookup.
func (m *Matcher) Resolve(idOrName string) (Worker, error) {
	snap := m.gallery.Snapshot()
	if w, ok := snap.Worker(idOrName); ok {
		return w, nil
	}
	if w, ok := snap.FindByName(idOrName); ok {
		return w, nil
	}
	return Worker{}, fmt.Errorf("%w: %s", ErrUnknownWorker, idOrName)
}
