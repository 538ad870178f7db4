package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	Detector    DetectorConfig    `yaml:"detector"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Matcher     MatcherConfig     `yaml:"matcher"`
	Fusion      FusionConfig      `yaml:"fusion"`
	Tracker     TrackerConfig     `yaml:"tracker"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Database    DatabaseConfig    `yaml:"database"`
	Evidence    EvidenceConfig    `yaml:"evidence"`
	Web         WebConfig         `yaml:"web"`
	AI          AIConfig          `yaml:"ai"`
	Log         LogConfig         `yaml:"log"`
	Streams     []StreamConfig    `yaml:"streams"`
}

type DetectorConfig struct {
	URL              string             `yaml:"url"`               // defaults to http://localhost:8001
	DefaultThreshold float64            `yaml:"default_threshold"` // defaults to 0.5
	Thresholds       map[string]float64 `yaml:"thresholds"`        // per-class overrides keyed by class name
	MinBoxSize       float64            `yaml:"min_box_size"`      // boxes narrower or shorter than this (px) are dropped
	Timeout          time.Duration      `yaml:"timeout"`
}

// Threshold returns the confidence threshold for a class.
func (c *DetectorConfig) Threshold(class string) float64 {
	if t, ok := c.Thresholds[class]; ok {
		return t
	}
	return c.DefaultThreshold
}

type EmbeddingConfig struct {
	URL     string        `yaml:"url"` // defaults to http://localhost:8000
	Dim     int           `yaml:"dim"` // defaults to 512
	Timeout time.Duration `yaml:"timeout"`
}

type MatcherConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"` // defaults to 0.6
	IndexMode           string  `yaml:"index_mode"`           // "exact" or "hnsw"
	HNSWMinGallery      int     `yaml:"hnsw_min_gallery"`     // gallery size below which exact search is always used
}

type FusionConfig struct {
	AssociationMode      string  `yaml:"association_mode"`      // "containment" or "iou"
	ContainmentThreshold float64 `yaml:"containment_threshold"` // share of item box inside expanded person box
	IoUThreshold         float64 `yaml:"iou_threshold"`
	PersonExpand         float64 `yaml:"person_expand"`          // scale factor applied to person boxes before association
	FaceRegion           float64 `yaml:"face_region"`            // top share of the person box used as face crop
	FaceCropSize         int     `yaml:"face_crop_size"`         // face crops are scaled to this square size (0 = no scaling)
	SinglePersonFallback bool    `yaml:"single_person_fallback"` // treat the whole frame as one person when no person box is detected
}

type TrackerConfig struct {
	GraceTimeout  time.Duration `yaml:"grace_timeout"`  // unobserved violators are closed as worker_lost after this
	ResolveFrames int           `yaml:"resolve_frames"` // consecutive compliant observations needed to close
	HandleIoU     float64       `yaml:"handle_iou"`     // min IoU to continue an unknown-face handle
	HandleMaxAge  int           `yaml:"handle_max_age"` // frames an unmatched handle is kept
}

type PipelineConfig struct {
	QueueDepth     int           `yaml:"queue_depth"`
	ExpiryInterval time.Duration `yaml:"expiry_interval"`
	ReconnectMode  string        `yaml:"reconnect_mode"`  // "discard" or "close"
	AlertThreshold int           `yaml:"alert_threshold"` // violations opened within a minute that raise an alert (0 disables)
}

type PersistenceConfig struct {
	Retries   int           `yaml:"retries"`
	Backoff   time.Duration `yaml:"backoff"`
	BufferCap int           `yaml:"buffer_cap"`
}

type DatabaseConfig struct {
	Driver           string `yaml:"driver"`             // "postgres", "sqlite" or "mariadb"
	URL              string `yaml:"url"`                // PostgreSQL URL or MariaDB DSN
	SQLitePath       string `yaml:"sqlite_path"`        // SQLite database file
	MaxOpenConns     int    `yaml:"max_open_conns"`     // Maximum open connections (default 25)
	MaxIdleConns     int    `yaml:"max_idle_conns"`     // Maximum idle connections (default 5)
	GalleryIndexPath string `yaml:"gallery_index_path"` // Path to persist the gallery HNSW graph (optional)
}

type EvidenceConfig struct {
	Dir         string `yaml:"dir"`
	JPEGQuality int    `yaml:"jpeg_quality"`
}

type WebConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	APIToken       string   `yaml:"api_token"`       // bearer token for write endpoints; empty disables the check
	AllowedOrigins []string `yaml:"allowed_origins"` // CORS origins besides localhost
	MaxUploadMB    int      `yaml:"max_upload_mb"`
}

// AIConfig selects the optional LLM used for report briefings.
type AIConfig struct {
	Provider      string        `yaml:"provider"` // "", "openai" or "gemini"
	Model         string        `yaml:"model"`    // provider default when empty
	OpenAIToken   string        `yaml:"-"`
	OpenAIBaseURL string        `yaml:"openai_base_url"` // OpenAI-compatible server (llama.cpp, Ollama)
	GeminiAPIKey  string        `yaml:"-"`
	InputPrice    float64       `yaml:"input_price"`  // USD per 1M input tokens
	OutputPrice   float64       `yaml:"output_price"` // USD per 1M output tokens
	Timeout       time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// StreamConfig declares one camera stream. Exactly one of FramesDir or SnapshotURL is set.
type StreamConfig struct {
	ID          string  `yaml:"id"`
	FramesDir   string  `yaml:"frames_dir"`
	SnapshotURL string  `yaml:"snapshot_url"`
	FPS         float64 `yaml:"fps"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable as a float, falling back to defaultVal.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return defaultVal
}

// envDuration reads an environment variable as a time.Duration ("3s", "500ms").
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return defaultVal
}

// Defaults returns the configuration from the embedded defaults file.
func Defaults() *Config {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}
	return &cfg
}

// Load builds the configuration from embedded defaults overridden by environment variables.
func Load() *Config {
	cfg := Defaults()

	cfg.Detector.URL = envString("DETECTOR_URL", cfg.Detector.URL)
	cfg.Detector.DefaultThreshold = envFloat("DETECTOR_CONFIDENCE", cfg.Detector.DefaultThreshold)
	if v := os.Getenv("DETECTOR_HELMET_CONFIDENCE"); v != "" {
		cfg.Detector.Thresholds["helmet"] = envFloat("DETECTOR_HELMET_CONFIDENCE", cfg.Detector.DefaultThreshold)
	}
	if v := os.Getenv("DETECTOR_VEST_CONFIDENCE"); v != "" {
		cfg.Detector.Thresholds["vest"] = envFloat("DETECTOR_VEST_CONFIDENCE", cfg.Detector.DefaultThreshold)
	}
	if v := os.Getenv("DETECTOR_PERSON_CONFIDENCE"); v != "" {
		cfg.Detector.Thresholds["person"] = envFloat("DETECTOR_PERSON_CONFIDENCE", cfg.Detector.DefaultThreshold)
	}

	cfg.Embedding.URL = envString("EMBEDDING_URL", cfg.Embedding.URL)
	cfg.Embedding.Dim = envInt("EMBEDDING_DIM", cfg.Embedding.Dim)

	cfg.Matcher.SimilarityThreshold = envFloat("SIMILARITY_THRESHOLD", cfg.Matcher.SimilarityThreshold)
	cfg.Matcher.IndexMode = envString("GALLERY_INDEX_MODE", cfg.Matcher.IndexMode)

	cfg.Fusion.AssociationMode = envString("ASSOCIATION_MODE", cfg.Fusion.AssociationMode)
	cfg.Fusion.ContainmentThreshold = envFloat("CONTAINMENT_THRESHOLD", cfg.Fusion.ContainmentThreshold)
	cfg.Fusion.IoUThreshold = envFloat("IOU_THRESHOLD", cfg.Fusion.IoUThreshold)
	cfg.Fusion.SinglePersonFallback = envBool("SINGLE_PERSON_FALLBACK", cfg.Fusion.SinglePersonFallback)

	cfg.Tracker.GraceTimeout = envDuration("GRACE_TIMEOUT", cfg.Tracker.GraceTimeout)
	cfg.Tracker.ResolveFrames = envInt("RESOLVE_FRAMES", cfg.Tracker.ResolveFrames)

	cfg.Pipeline.QueueDepth = envInt("QUEUE_DEPTH", cfg.Pipeline.QueueDepth)
	cfg.Pipeline.ReconnectMode = envString("RECONNECT_MODE", cfg.Pipeline.ReconnectMode)

	cfg.Persistence.Retries = envInt("PERSIST_RETRIES", cfg.Persistence.Retries)
	cfg.Persistence.BufferCap = envInt("PERSIST_BUFFER_CAP", cfg.Persistence.BufferCap)

	cfg.Database.Driver = envString("DATABASE_DRIVER", cfg.Database.Driver)
	cfg.Database.URL = envString("DATABASE_URL", cfg.Database.URL)
	cfg.Database.SQLitePath = envString("SQLITE_PATH", cfg.Database.SQLitePath)
	cfg.Database.MaxOpenConns = envInt("DATABASE_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	cfg.Database.MaxIdleConns = envInt("DATABASE_MAX_IDLE_CONNS", cfg.Database.MaxIdleConns)
	cfg.Database.GalleryIndexPath = envString("GALLERY_INDEX_PATH", cfg.Database.GalleryIndexPath)

	cfg.Evidence.Dir = envString("EVIDENCE_DIR", cfg.Evidence.Dir)

	cfg.Web.Host = envString("WEB_HOST", cfg.Web.Host)
	cfg.Web.Port = envInt("WEB_PORT", cfg.Web.Port)
	cfg.Web.APIToken = envString("WEB_API_TOKEN", cfg.Web.APIToken)
	if origins := os.Getenv("WEB_ALLOWED_ORIGINS"); origins != "" {
		cfg.Web.AllowedOrigins = nil
		for o := range strings.SplitSeq(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.Web.AllowedOrigins = append(cfg.Web.AllowedOrigins, o)
			}
		}
	}

	cfg.AI.Provider = envString("AI_PROVIDER", cfg.AI.Provider)
	cfg.AI.Model = envString("AI_MODEL", cfg.AI.Model)
	cfg.AI.OpenAIToken = os.Getenv("OPENAI_TOKEN")
	cfg.AI.OpenAIBaseURL = envString("OPENAI_BASE_URL", cfg.AI.OpenAIBaseURL)
	cfg.AI.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")

	cfg.Log.Level = envString("LOG_LEVEL", cfg.Log.Level)

	return cfg
}

// ApplyFile overlays a YAML file on top of the current values.
// Fields absent from the file keep their current value.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error

	inUnit := func(name string, v float64) {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be in [0,1], got %v", name, v))
		}
	}

	inUnit("detector.default_threshold", c.Detector.DefaultThreshold)
	for class, t := range c.Detector.Thresholds {
		inUnit("detector.thresholds."+class, t)
	}
	inUnit("matcher.similarity_threshold", c.Matcher.SimilarityThreshold)
	inUnit("fusion.containment_threshold", c.Fusion.ContainmentThreshold)
	inUnit("fusion.iou_threshold", c.Fusion.IoUThreshold)
	inUnit("fusion.face_region", c.Fusion.FaceRegion)
	inUnit("tracker.handle_iou", c.Tracker.HandleIoU)

	switch c.Matcher.IndexMode {
	case "exact", "hnsw":
	default:
		errs = append(errs, fmt.Errorf("matcher.index_mode must be exact or hnsw, got %q", c.Matcher.IndexMode))
	}
	switch c.Fusion.AssociationMode {
	case "containment", "iou":
	default:
		errs = append(errs, fmt.Errorf("fusion.association_mode must be containment or iou, got %q", c.Fusion.AssociationMode))
	}
	switch c.Pipeline.ReconnectMode {
	case "discard", "close":
	default:
		errs = append(errs, fmt.Errorf("pipeline.reconnect_mode must be discard or close, got %q", c.Pipeline.ReconnectMode))
	}
	switch c.Database.Driver {
	case "postgres", "sqlite", "mariadb":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be postgres, sqlite or mariadb, got %q", c.Database.Driver))
	}

	switch c.AI.Provider {
	case "", "openai", "gemini":
	default:
		errs = append(errs, fmt.Errorf("ai.provider must be empty, openai or gemini, got %q", c.AI.Provider))
	}

	if c.Tracker.GraceTimeout <= 0 {
		errs = append(errs, errors.New("tracker.grace_timeout must be positive"))
	}
	if c.Tracker.ResolveFrames < 1 {
		errs = append(errs, errors.New("tracker.resolve_frames must be at least 1"))
	}
	if c.Pipeline.QueueDepth < 1 {
		errs = append(errs, errors.New("pipeline.queue_depth must be at least 1"))
	}
	if c.Fusion.PersonExpand < 1 {
		errs = append(errs, errors.New("fusion.person_expand must be >= 1"))
	}
	if c.Persistence.BufferCap < 1 {
		errs = append(errs, errors.New("persistence.buffer_cap must be at least 1"))
	}

	seen := make(map[string]bool, len(c.Streams))
	for i, s := range c.Streams {
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("streams[%d]: id is required", i))
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("streams[%d]: duplicate id %q", i, s.ID))
		}
		seen[s.ID] = true
		if (s.FramesDir == "") == (s.SnapshotURL == "") {
			errs = append(errs, fmt.Errorf("stream %q: exactly one of frames_dir or snapshot_url is required", s.ID))
		}
	}

	return errors.Join(errs...)
}

// DatabaseDSN returns a log-safe description of the configured store.
func (c *DatabaseConfig) DatabaseDSN() string {
	if c.Driver == "sqlite" {
		return "sqlite:" + c.SQLitePath
	}
	u := c.URL
	at := strings.LastIndex(u, "@")
	if at <= 0 {
		return u
	}
	if scheme := strings.Index(u, "://"); scheme >= 0 && scheme < at {
		return u[:scheme+3] + "***" + u[at:]
	}
	// user:pass@tcp(host)/db
	if colon := strings.Index(u[:at], ":"); colon >= 0 {
		return u[:colon+1] + "***" + u[at:]
	}
	return u
}
