package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/ppe-monitor/internal/database/mock"
	"github.com/kozaktomas/ppe-monitor/internal/embedding"
	"github.com/kozaktomas/ppe-monitor/internal/identity"
)

// fakeExtractor maps photo contents to faces: "one" has a single face,
// "none" has no face, "two" has two faces, "down" fails.
type fakeExtractor struct{}

func (fakeExtractor) Embed(ctx context.Context, crop []byte) ([]float32, error) {
	return []float32{1, 0, 0, 0}, nil
}

func (fakeExtractor) Faces(ctx context.Context, photo []byte) ([]embedding.Face, error) {
	face := embedding.Face{Dim: 4, Embedding: []float32{1, 0, 0, 0}, DetScore: 0.9}
	switch string(photo) {
	case "one":
		return []embedding.Face{face}, nil
	case "two":
		return []embedding.Face{face, face}, nil
	case "down":
		return nil, embedding.ErrExtractorUnavailable
	}
	return nil, nil
}

// newTestMatcher creates a matcher backed by the mock store.
func newTestMatcher(store *mock.MockStore) *identity.Matcher {
	return identity.NewMatcher(identity.NewGallery(identity.GalleryOptions{Dim: 4}), fakeExtractor{}, store, identity.DefaultThreshold)
}

// multipartRequest builds a multipart POST with form fields and "photos" files.
func multipartRequest(t *testing.T, path string, fields map[string]string, photos ...string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	for i, p := range photos {
		fw, err := mw.CreateFormFile("photos", "photo"+string(rune('a'+i))+".jpg")
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		fw.Write([]byte(p))
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

var errStoreDown = errors.New("database is down")

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertContentType checks if the response has the expected content type
func assertContentType(t *testing.T, recorder *httptest.ResponseRecorder, expected string) {
	t.Helper()
	ct := recorder.Header().Get("Content-Type")
	if ct != expected {
		t.Errorf("expected Content-Type '%s', got '%s'", expected, ct)
	}
}

// assertJSONError checks if the response is a JSON error with the expected message
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	var result map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result["error"] != expectedMessage {
		t.Errorf("expected error '%s', got '%s'", expectedMessage, result["error"])
	}
}
