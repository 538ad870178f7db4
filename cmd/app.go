package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kozaktomas/ppe-monitor/internal/ai"
	"github.com/kozaktomas/ppe-monitor/internal/config"
	"github.com/kozaktomas/ppe-monitor/internal/database"
	_ "github.com/kozaktomas/ppe-monitor/internal/database/mariadb"  // registers the mariadb backend
	_ "github.com/kozaktomas/ppe-monitor/internal/database/postgres" // registers the postgres backend
	_ "github.com/kozaktomas/ppe-monitor/internal/database/sqlite"   // registers the sqlite backend
	"github.com/kozaktomas/ppe-monitor/internal/detector"
	"github.com/kozaktomas/ppe-monitor/internal/embedding"
	"github.com/kozaktomas/ppe-monitor/internal/evidence"
	"github.com/kozaktomas/ppe-monitor/internal/fusion"
	"github.com/kozaktomas/ppe-monitor/internal/identity"
	"github.com/kozaktomas/ppe-monitor/internal/pipeline"
	"github.com/kozaktomas/ppe-monitor/internal/ppe"
	"github.com/kozaktomas/ppe-monitor/internal/tracking"
)

// openStore connects to the configured database backend.
func openStore(ctx context.Context, cfg *config.Config) (database.Store, error) {
	fmt.Printf("Opening %s store (%s)...\n", cfg.Database.Driver, cfg.Database.DatabaseDSN())
	store, err := database.Open(ctx, &cfg.Database, cfg.Embedding.Dim)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// newMatcher builds the worker gallery from the store and, when configured,
// attaches the persisted HNSW graph.
func newMatcher(ctx context.Context, cfg *config.Config, store database.WorkerStore) (*identity.Matcher, error) {
	gallery := identity.NewGallery(identity.GalleryOptions{
		Dim:             cfg.Embedding.Dim,
		UseIndex:        cfg.Matcher.IndexMode == "hnsw",
		IndexMinGallery: cfg.Matcher.HNSWMinGallery,
	})
	extractor := embedding.NewClient(cfg.Embedding.URL, cfg.Embedding.Dim, cfg.Embedding.Timeout)
	matcher := identity.NewMatcher(gallery, extractor, store, cfg.Matcher.SimilarityThreshold)

	if err := matcher.Load(ctx); err != nil {
		return nil, err
	}
	snap := gallery.Snapshot()
	fmt.Printf("Gallery loaded: %d workers, %d embeddings\n", snap.Len(), snap.EmbeddingCount())

	if path := cfg.Database.GalleryIndexPath; path != "" && cfg.Matcher.IndexMode == "hnsw" {
		if gallery.LoadIndex(path) {
			fmt.Printf("Gallery HNSW index loaded from %s\n", path)
		} else {
			log.Debug().Str("path", path).Msg("No usable saved gallery index, using the rebuilt one")
		}
	}
	return matcher, nil
}

// saveGalleryIndex persists the gallery HNSW graph if a path is configured.
func saveGalleryIndex(cfg *config.Config, matcher *identity.Matcher) {
	path := cfg.Database.GalleryIndexPath
	if path == "" {
		return
	}
	if err := matcher.Gallery().SaveIndex(path); err != nil {
		fmt.Printf("Warning: failed to save gallery index: %v\n", err)
		return
	}
	log.Info().Str("path", path).Msg("Gallery index saved")
}

// newDetector builds the detection adapter with per-class thresholds.
func newDetector(cfg *config.Config) *detector.Adapter {
	thresholds := make(map[ppe.Class]float64, len(cfg.Detector.Thresholds))
	for label, t := range cfg.Detector.Thresholds {
		class, ok := ppe.ParseClass(label)
		if !ok {
			log.Warn().Str("class", label).Msg("Ignoring threshold for unknown detector class")
			continue
		}
		thresholds[class] = t
	}
	return detector.NewAdapter(detector.NewClient(cfg.Detector.URL, cfg.Detector.Timeout), detector.Options{
		DefaultThreshold: cfg.Detector.DefaultThreshold,
		Thresholds:       thresholds,
		MinBoxSize:       cfg.Detector.MinBoxSize,
	})
}

// components are shared by every stream of a process.
type components struct {
	detector *detector.Adapter
	matcher  *identity.Matcher
	writer   *database.RetryingWriter
	evidence *evidence.Store
}

func newComponents(cfg *config.Config, store database.Store, matcher *identity.Matcher) *components {
	return &components{
		detector: newDetector(cfg),
		matcher:  matcher,
		writer: database.NewRetryingWriter(store, database.RetryOptions{
			Retries:   cfg.Persistence.Retries,
			Backoff:   cfg.Persistence.Backoff,
			BufferCap: cfg.Persistence.BufferCap,
		}),
		evidence: evidence.NewStore(cfg.Evidence.Dir, cfg.Evidence.JPEGQuality),
	}
}

// newStream builds one stream. Each stream gets its own handle tracker and
// fusion engine; detector, gallery and writer are shared.
func (c *components) newStream(cfg *config.Config, id string) *pipeline.Stream {
	tracker := tracking.NewTracker(tracking.Options{
		MinIoU: cfg.Tracker.HandleIoU,
		MaxAge: cfg.Tracker.HandleMaxAge,
	})
	engine := fusion.NewEngine(c.matcher, tracker, fusion.Options{
		Mode:                 fusion.AssociationMode(cfg.Fusion.AssociationMode),
		ContainmentThreshold: cfg.Fusion.ContainmentThreshold,
		IoUThreshold:         cfg.Fusion.IoUThreshold,
		PersonExpand:         cfg.Fusion.PersonExpand,
		FaceRegion:           cfg.Fusion.FaceRegion,
		FaceCropSize:         cfg.Fusion.FaceCropSize,
		SinglePersonFallback: cfg.Fusion.SinglePersonFallback,
	})
	return pipeline.NewStream(pipeline.Options{
		ID:             id,
		QueueDepth:     cfg.Pipeline.QueueDepth,
		ExpiryInterval: cfg.Pipeline.ExpiryInterval,
		ReconnectMode:  pipeline.ReconnectMode(cfg.Pipeline.ReconnectMode),
		GraceTimeout:   cfg.Tracker.GraceTimeout,
		ResolveFrames:  cfg.Tracker.ResolveFrames,
		AlertThreshold: cfg.Pipeline.AlertThreshold,
	}, pipeline.Deps{
		Detector: c.detector,
		Fuser:    engine,
		Writer:   c.writer,
		Evidence: c.evidence,
	})
}

// newSource opens the frame source declared for a stream. Directory replays
// are paced to the stream FPS when pace is set.
func newSource(sc config.StreamConfig, timeout time.Duration, pace bool) (pipeline.Source, error) {
	if sc.FramesDir != "" {
		src, err := pipeline.NewDirSource(sc.ID, sc.FramesDir, sc.FPS, time.Now(), pace)
		if err != nil {
			return nil, fmt.Errorf("stream %s: %w", sc.ID, err)
		}
		return src, nil
	}
	if sc.SnapshotURL != "" {
		return pipeline.NewSnapshotSource(sc.ID, sc.SnapshotURL, sc.FPS, timeout), nil
	}
	return nil, fmt.Errorf("stream %s: no frame source configured", sc.ID)
}

// newNarrator returns the configured briefing provider, or nil when none is
// configured.
func newNarrator(ctx context.Context, cfg *config.Config) (ai.Narrator, error) {
	narrator, err := ai.New(ctx, &cfg.AI)
	if errors.Is(err, ai.ErrNotConfigured) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	log.Info().Str("provider", cfg.AI.Provider).Str("model", narrator.Name()).Msg("Briefing provider ready")
	return narrator, nil
}
