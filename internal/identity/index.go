package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/coder/hnsw"
)

// HNSW parameters for 512-dim face embeddings
const (
	// hnswMaxNeighbors (M) is the maximum number of neighbors per node.
	hnswMaxNeighbors = 16

	// hnswEfSearch is the search candidate pool size.
	hnswEfSearch = 100

	// hnswCandidates is how many nearest embeddings are pulled before
	// re-ranking the owning workers' full galleries.
	hnswCandidates = 32

	indexMetadataVersion = 1
)

// IndexMetadata is written next to a saved gallery graph for staleness detection.
type IndexMetadata struct {
	GalleryVersion uint64    `json:"gallery_version"`
	EmbeddingCount int       `json:"embedding_count"`
	Owners         []string  `json:"owners"` // node key -> worker ID
	BuildTime      time.Time `json:"build_time"`
	Version        int       `json:"version"`
}

// galleryIndex is an HNSW graph over every gallery embedding. Node keys are
// positions in owners. It is built once per snapshot and never mutated after.
type galleryIndex struct {
	graph  *hnsw.Graph[int64]
	owners []string
}

func newGraph() *hnsw.Graph[int64] {
	g := hnsw.NewGraph[int64]()
	g.M = hnswMaxNeighbors
	g.Ml = 1.0 / float64(hnswMaxNeighbors) // Standard HNSW formula
	g.EfSearch = hnswEfSearch
	g.Distance = hnsw.CosineDistance
	// Fixed seed so the same gallery always yields the same graph.
	g.Rng = rand.New(rand.NewSource(1)) //nolint:gosec // not security sensitive
	return g
}

// buildIndex indexes every embedding of every worker in order.
func buildIndex(workers []Worker) *galleryIndex {
	idx := &galleryIndex{graph: newGraph()}
	for _, w := range workers {
		for _, emb := range w.Embeddings {
			idx.graph.Add(hnsw.MakeNode(int64(len(idx.owners)), emb))
			idx.owners = append(idx.owners, w.ID)
		}
	}
	return idx
}

// candidates returns the distinct workers owning the nearest embeddings.
func (idx *galleryIndex) candidates(query []float32, k int) map[string]struct{} {
	neighbors := idx.graph.Search(query, k)
	out := make(map[string]struct{}, len(neighbors))
	for _, n := range neighbors {
		if n.Key >= 0 && int(n.Key) < len(idx.owners) {
			out[idx.owners[n.Key]] = struct{}{}
		}
	}
	return out
}

// save persists the graph and its metadata to path and path.meta.
func (idx *galleryIndex) save(path string, version uint64) error {
	f, err := os.Create(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("failed to create gallery index file: %w", err)
	}
	if err := idx.graph.Export(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to export gallery graph: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing gallery index file: %w", err)
	}

	meta := IndexMetadata{
		GalleryVersion: version,
		EmbeddingCount: len(idx.owners),
		Owners:         idx.owners,
		BuildTime:      time.Now().UTC(),
		Version:        indexMetadataVersion,
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(path+".meta", data, 0o600); err != nil {
		return fmt.Errorf("failed to write metadata file: %w", err)
	}
	return nil
}

// LoadIndexMetadata loads metadata from a separate .meta file.
func LoadIndexMetadata(path string) (IndexMetadata, error) {
	var meta IndexMetadata
	data, err := os.ReadFile(path + ".meta") //nolint:gosec // path is from trusted config
	if err != nil {
		return meta, fmt.Errorf("failed to read metadata file: %w", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return meta, nil
}

// loadIndex loads a saved graph if its metadata matches the given gallery layout.
func loadIndex(path string, workers []Worker) (*galleryIndex, error) {
	meta, err := LoadIndexMetadata(path)
	if err != nil {
		return nil, err
	}
	if meta.Version != indexMetadataVersion {
		return nil, fmt.Errorf("unsupported index metadata version %d", meta.Version)
	}

	owners := make([]string, 0, meta.EmbeddingCount)
	for _, w := range workers {
		for range w.Embeddings {
			owners = append(owners, w.ID)
		}
	}
	if len(owners) != len(meta.Owners) {
		return nil, errStaleIndex
	}
	for i := range owners {
		if owners[i] != meta.Owners[i] {
			return nil, errStaleIndex
		}
	}

	saved, err := hnsw.LoadSavedGraph[int64](path)
	if err != nil {
		return nil, fmt.Errorf("failed to load gallery index: %w", err)
	}
	if saved.Len() != len(owners) {
		return nil, errStaleIndex
	}
	return &galleryIndex{graph: saved.Graph, owners: owners}, nil
}

var errStaleIndex = errors.New("gallery index is stale")
