// Package detector wraps the object detection server and normalizes its output.
package detector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kozaktomas/ppe-monitor/internal/httpimg"
	"github.com/kozaktomas/ppe-monitor/internal/ppe"
)

const defaultDetectorURL = "http://localhost:8001"

// ErrDetectorUnavailable is returned when the detector call fails.
var ErrDetectorUnavailable = errors.New("detector unavailable")

// RawDetection is one object as reported by the detection server.
type RawDetection struct {
	Class      string    `json:"class"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox"` // [x1, y1, x2, y2]
}

// Detector runs object detection on an encoded frame.
type Detector interface {
	Detect(ctx context.Context, frame []byte) ([]RawDetection, error)
}

type detectResponse struct {
	Detections []RawDetection `json:"detections"`
	Model      string         `json:"model"`
}

// Client calls the detection server's /detect endpoint.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a new detector client
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultDetectorURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Detect posts the frame and returns the server's raw detections.
func (c *Client) Detect(ctx context.Context, frame []byte) ([]RawDetection, error) {
	body, err := httpimg.PostImage(ctx, c.client, c.baseURL+"/detect", frame)
	if err != nil {
		return nil, err
	}

	var resp detectResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return resp.Detections, nil
}

// Options configures the adapter's filtering.
type Options struct {
	DefaultThreshold float64
	Thresholds       map[ppe.Class]float64
	MinBoxSize       float64
}

// Adapter filters and normalizes detector output into ppe.Detection records.
type Adapter struct {
	det  Detector
	opts Options
}

// NewAdapter creates an adapter around a detector.
func NewAdapter(det Detector, opts Options) *Adapter {
	return &Adapter{det: det, opts: opts}
}

// Threshold returns the confidence threshold applied to a class.
func (a *Adapter) Threshold(class ppe.Class) float64 {
	if t, ok := a.opts.Thresholds[class]; ok {
		return t
	}
	return a.opts.DefaultThreshold
}

// Detect runs the detector and keeps detections of known classes that pass the
// class threshold and minimum box size. Detector order is preserved.
func (a *Adapter) Detect(ctx context.Context, frame []byte) ([]ppe.Detection, error) {
	raw, err := a.det.Detect(ctx, frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDetectorUnavailable, err)
	}
	return a.Normalize(raw), nil
}

// Normalize applies the adapter's filters to raw detections.
func (a *Adapter) Normalize(raw []RawDetection) []ppe.Detection {
	out := make([]ppe.Detection, 0, len(raw))
	for _, r := range raw {
		class, ok := ppe.ParseClass(r.Class)
		if !ok {
			continue
		}
		if r.Confidence < a.Threshold(class) {
			continue
		}
		box, ok := ppe.BBoxFromSlice(r.BBox)
		if !ok {
			continue
		}
		if box.Width() < a.opts.MinBoxSize || box.Height() < a.opts.MinBoxSize {
			continue
		}
		out = append(out, ppe.Detection{
			Class:      class,
			Confidence: min(max(r.Confidence, 0), 1),
			BBox:       box,
		})
	}
	return out
}
