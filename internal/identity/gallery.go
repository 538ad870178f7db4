package identity

import (
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/kozaktomas/ppe-monitor/internal/facematch"
)

// Worker is a registered identity with its embedding gallery.
// A Worker held by a Snapshot is never mutated.
type Worker struct {
	ID         string
	Name       string
	Embeddings [][]float32
}

// Snapshot is an immutable view of the gallery at one version.
// Matching against a snapshot is safe while registrations publish newer ones.
type Snapshot struct {
	version uint64
	dim     int
	workers []Worker // sorted by ID
	byID    map[string]int
	index   *galleryIndex
}

// Version returns the gallery version this snapshot was published at.
func (s *Snapshot) Version() uint64 { return s.version }

// Dim returns the embedding dimension (0 while the gallery is empty and unconfigured).
func (s *Snapshot) Dim() int { return s.dim }

// Len returns the number of workers.
func (s *Snapshot) Len() int { return len(s.workers) }

// EmbeddingCount returns the total number of gallery embeddings.
func (s *Snapshot) EmbeddingCount() int {
	n := 0
	for _, w := range s.workers {
		n += len(w.Embeddings)
	}
	return n
}

// Workers returns the workers sorted by ID. The slice must not be modified.
func (s *Snapshot) Workers() []Worker { return s.workers }

// Worker looks up a worker by ID.
func (s *Snapshot) Worker(id string) (Worker, bool) {
	i, ok := s.byID[id]
	if !ok {
		return Worker{}, false
	}
	return s.workers[i], true
}

// FindByName returns the first worker whose normalized name equals the normalized query.
func (s *Snapshot) FindByName(name string) (Worker, bool) {
	want := facematch.NormalizeWorkerName(name)
	if want == "" {
		return Worker{}, false
	}
	for _, w := range s.workers {
		if facematch.NormalizeWorkerName(w.Name) == want {
			return w, true
		}
	}
	return Worker{}, false
}

// Indexed reports whether this snapshot carries an HNSW index.
func (s *Snapshot) Indexed() bool { return s.index != nil }

// GalleryOptions configures index building.
type GalleryOptions struct {
	Dim             int  // expected embedding dimension, 0 = take from the first embedding
	UseIndex        bool // build an HNSW index for large galleries
	IndexMinGallery int  // embeddings below which no index is built
}

// Gallery is the versioned, read-mostly store of worker identities.
// Readers take a Snapshot; writers are serialized and publish a new snapshot
// copy-on-write, so existing snapshots never change.
type Gallery struct {
	opts GalleryOptions

	mu      sync.Mutex // serializes writers
	current atomic.Pointer[Snapshot]
}

// NewGallery creates an empty gallery.
func NewGallery(opts GalleryOptions) *Gallery {
	g := &Gallery{opts: opts}
	g.current.Store(&Snapshot{dim: opts.Dim, byID: map[string]int{}})
	return g
}

// Snapshot returns the current immutable view.
func (g *Gallery) Snapshot() *Snapshot {
	return g.current.Load()
}

// Replace publishes a new gallery content, e.g. after loading from the store.
// Embeddings with the wrong dimension are dropped. Returns the number dropped.
func (g *Gallery) Replace(workers []Worker) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	cur := g.current.Load()
	dim := cur.dim
	dropped := 0
	next := make([]Worker, 0, len(workers))
	for _, w := range workers {
		embs := make([][]float32, 0, len(w.Embeddings))
		for _, e := range w.Embeddings {
			if dim == 0 && len(e) > 0 {
				dim = len(e)
			}
			if len(e) != dim {
				dropped++
				continue
			}
			embs = append(embs, slices.Clone(e))
		}
		next = append(next, Worker{ID: w.ID, Name: w.Name, Embeddings: embs})
	}
	g.publish(cur.version+1, dim, next, nil)
	return dropped
}

// Append adds embeddings to a worker, creating it if needed, and publishes a new snapshot.
// A non-empty name renames an existing worker. Embeddings must already match Dim.
func (g *Gallery) Append(id, name string, embeddings [][]float32) *Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	cur := g.current.Load()
	dim := cur.dim
	if dim == 0 && len(embeddings) > 0 {
		dim = len(embeddings[0])
	}

	next := slices.Clone(cur.workers)
	added := make([][]float32, 0, len(embeddings))
	for _, e := range embeddings {
		added = append(added, slices.Clone(e))
	}

	if i, ok := cur.byID[id]; ok {
		w := next[i]
		// Full copy so the old snapshot's backing array is untouched.
		w.Embeddings = append(slices.Clone(w.Embeddings), added...)
		if name != "" {
			w.Name = name
		}
		next[i] = w
	} else {
		next = append(next, Worker{ID: id, Name: name, Embeddings: added})
	}
	return g.publish(cur.version+1, dim, next, nil)
}

// Remove deletes a worker. Returns false if the worker is not registered.
func (g *Gallery) Remove(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	cur := g.current.Load()
	i, ok := cur.byID[id]
	if !ok {
		return false
	}
	next := slices.Delete(slices.Clone(cur.workers), i, i+1)
	g.publish(cur.version+1, cur.dim, next, nil)
	return true
}

// SaveIndex writes the current snapshot's index to path. No-op without an index.
func (g *Gallery) SaveIndex(path string) error {
	snap := g.Snapshot()
	if snap.index == nil || path == "" {
		return nil
	}
	return snap.index.save(path, snap.version)
}

// LoadIndex attaches a previously saved index to the current snapshot if it
// still matches the gallery. Returns false when the saved index was unusable.
func (g *Gallery) LoadIndex(path string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	cur := g.current.Load()
	if !g.opts.UseIndex || cur.EmbeddingCount() == 0 {
		return false
	}
	idx, err := loadIndex(path, cur.workers)
	if err != nil {
		return false
	}
	g.current.Store(&Snapshot{version: cur.version, dim: cur.dim, workers: cur.workers, byID: cur.byID, index: idx})
	return true
}

// publish must be called with mu held. A nil idx builds one when enabled.
func (g *Gallery) publish(version uint64, dim int, workers []Worker, idx *galleryIndex) *Snapshot {
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })
	byID := make(map[string]int, len(workers))
	for i, w := range workers {
		byID[w.ID] = i
	}
	snap := &Snapshot{version: version, dim: dim, workers: workers, byID: byID, index: idx}
	if idx == nil && g.opts.UseIndex && snap.EmbeddingCount() >= max(g.opts.IndexMinGallery, 1) {
		snap.index = buildIndex(workers)
	}
	g.current.Store(snap)
	return snap
}
