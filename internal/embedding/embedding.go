// Package embedding talks to the face embedding server.
package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kozaktomas/ppe-monitor/internal/httpimg"
)

const defaultEmbeddingURL = "http://localhost:8000"

var (
	// ErrExtractorUnavailable is returned when the embedding server cannot be reached or fails.
	ErrExtractorUnavailable = errors.New("face extractor unavailable")
	// ErrNoFace is returned by Embed when the image contains no face.
	ErrNoFace = errors.New("no face in image")
)

// Face is a single detected face with its embedding.
type Face struct {
	Index     int       `json:"face_index"`
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox"` // [x1, y1, x2, y2]
	DetScore  float64   `json:"det_score"`
}

// Extractor computes face embeddings.
type Extractor interface {
	// Embed returns the embedding of the most confident face in the crop.
	Embed(ctx context.Context, crop []byte) ([]float32, error)
	// Faces returns every face found in the photo.
	Faces(ctx context.Context, photo []byte) ([]Face, error)
}

// faceResponse represents the response from the face embedding endpoint
type faceResponse struct {
	FacesCount int    `json:"faces_count"`
	Faces      []Face `json:"faces"`
	Model      string `json:"model"`
}

// Client computes face embeddings using the embedding server
type Client struct {
	baseURL string
	dim     int
	client  *http.Client
}

// NewClient creates a new embedding client. dim > 0 enables a dimension check on returned vectors.
func NewClient(baseURL string, dim int, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultEmbeddingURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		dim:     dim,
		client:  &http.Client{Timeout: timeout},
	}
}

// Faces detects faces and computes their embeddings
func (c *Client) Faces(ctx context.Context, photo []byte) ([]Face, error) {
	body, err := httpimg.PostImage(ctx, c.client, c.baseURL+"/embed/face", photo)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExtractorUnavailable, err)
	}

	var resp faceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: failed to parse response: %w", ErrExtractorUnavailable, err)
	}

	faces := make([]Face, 0, len(resp.Faces))
	for _, f := range resp.Faces {
		if len(f.Embedding) == 0 {
			continue
		}
		if c.dim > 0 && len(f.Embedding) != c.dim {
			return nil, fmt.Errorf("%w: embedding dimension %d, expected %d", ErrExtractorUnavailable, len(f.Embedding), c.dim)
		}
		faces = append(faces, f)
	}
	return faces, nil
}

// Embed returns the embedding of the highest scoring face in the crop.
func (c *Client) Embed(ctx context.Context, crop []byte) ([]float32, error) {
	faces, err := c.Faces(ctx, crop)
	if err != nil {
		return nil, err
	}
	best := BestFace(faces)
	if best == nil {
		return nil, ErrNoFace
	}
	return best.Embedding, nil
}

// BestFace returns the face with the highest detection score, or nil.
func BestFace(faces []Face) *Face {
	var best *Face
	for i := range faces {
		if best == nil || faces[i].DetScore > best.DetScore {
			best = &faces[i]
		}
	}
	return best
}
