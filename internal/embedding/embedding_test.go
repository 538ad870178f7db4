package embedding

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClient_Embed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed/face" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"faces_count": 2,
			"faces": [
				{"face_index": 0, "dim": 3, "embedding": [1, 0, 0], "bbox": [0, 0, 10, 10], "det_score": 0.7},
				{"face_index": 1, "dim": 3, "embedding": [0, 1, 0], "bbox": [20, 0, 30, 10], "det_score": 0.9}
			],
			"model": "buffalo_l"
		}`))
	}))
	defer server.Close()

	c := NewClient(server.URL+"/", 3, 0)
	emb, err := c.Embed(context.Background(), []byte{0xFF, 0xD8, 0xFF, 0, 0, 0, 0, 0})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(emb) != 3 || emb[1] != 1 {
		t.Errorf("expected the higher scoring face, got %v", emb)
	}
}

func TestClient_EmbedNoFace(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"faces_count": 0, "faces": []}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, 0, 0).Embed(context.Background(), []byte("img"))
	if !errors.Is(err, ErrNoFace) {
		t.Errorf("expected ErrNoFace, got %v", err)
	}
}

func TestClient_Unavailable(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}},
		{"bad json", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{not json`))
		}},
		{"wrong dimension", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"faces": [{"embedding": [1, 2], "det_score": 0.9}]}`))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			_, err := NewClient(server.URL, 3, 0).Faces(context.Background(), []byte("img"))
			if !errors.Is(err, ErrExtractorUnavailable) {
				t.Errorf("expected ErrExtractorUnavailable, got %v", err)
			}
		})
	}
}

func TestBestFace(t *testing.T) {
	if BestFace(nil) != nil {
		t.Error("expected nil for no faces")
	}
	faces := []Face{{Index: 0, DetScore: 0.5}, {Index: 1, DetScore: 0.8}, {Index: 2, DetScore: 0.6}}
	if got := BestFace(faces); got.Index != 1 {
		t.Errorf("expected face 1, got %d", got.Index)
	}
}
