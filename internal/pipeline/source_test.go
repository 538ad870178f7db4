package pipeline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"frame_002.jpg", "frame_001.JPG", "frame_003.png", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.jpg"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	src, err := NewDirSource("cam-1", dir, 5, t0, false)
	if err != nil {
		t.Fatalf("NewDirSource: %v", err)
	}
	if src.Len() != 3 {
		t.Fatalf("expected 3 frames, got %d", src.Len())
	}

	ctx := context.Background()
	wantNames := []string{"frame_001.JPG", "frame_002.jpg", "frame_003.png"}
	for i, want := range wantNames {
		f, err := src.Next(ctx)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if string(f.Data) != want {
			t.Errorf("frame %d data = %q, want %q", i, f.Data, want)
		}
		if f.ID != int64(i+1) {
			t.Errorf("frame %d id = %d", i, f.ID)
		}
		wantTS := t0.Add(time.Duration(i) * 200 * time.Millisecond)
		if !f.Timestamp.Equal(wantTS) {
			t.Errorf("frame %d timestamp = %v, want %v", i, f.Timestamp, wantTS)
		}
		if f.StreamID != "cam-1" {
			t.Errorf("frame %d stream = %q", i, f.StreamID)
		}
	}

	if _, err := src.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestDirSource_MissingDir(t *testing.T) {
	if _, err := NewDirSource("cam-1", filepath.Join(t.TempDir(), "nope"), 5, t0, false); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestDirSource_PaceHonoursContext(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.jpg", "b.jpg"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	src, err := NewDirSource("cam-1", dir, 0.01, t0, true)
	if err != nil {
		t.Fatalf("NewDirSource: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := src.Next(ctx); err != nil {
		t.Fatalf("first frame should not wait: %v", err)
	}
	cancel()
	if _, err := src.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestSnapshotSource(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 2:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.Header().Set("Content-Type", "image/jpeg")
			_, _ = w.Write([]byte("jpeg-bytes"))
		}
	}))
	defer server.Close()

	src := NewSnapshotSource("gate", server.URL, 1000, time.Second)
	ctx := context.Background()

	f, err := src.Next(ctx)
	if err != nil {
		t.Fatalf("first snapshot: %v", err)
	}
	if string(f.Data) != "jpeg-bytes" || f.ID != 1 || f.StreamID != "gate" {
		t.Errorf("unexpected frame %+v", f)
	}

	if _, err := src.Next(ctx); !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("expected ErrSourceUnavailable, got %v", err)
	}

	f, err = src.Next(ctx)
	if err != nil {
		t.Fatalf("third snapshot: %v", err)
	}
	if f.ID != 2 {
		t.Errorf("frame IDs should only count successful snapshots, got %d", f.ID)
	}
}

func TestSnapshotSource_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	src := NewSnapshotSource("gate", url, 10, time.Second)
	if _, err := src.Next(context.Background()); !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("expected ErrSourceUnavailable, got %v", err)
	}
}

func TestSnapshotSource_EmptyBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	src := NewSnapshotSource("gate", server.URL, 10, time.Second)
	if _, err := src.Next(context.Background()); !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("expected ErrSourceUnavailable for empty body, got %v", err)
	}
}

func TestSliceSource(t *testing.T) {
	src := NewSliceSource(frameN(1), frameN(2))
	ctx := context.Background()

	for want := int64(1); want <= 2; want++ {
		f, err := src.Next(ctx)
		if err != nil || f.ID != want {
			t.Fatalf("Next = (%v, %v), want frame %d", f, err, want)
		}
	}
	if _, err := src.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
}
