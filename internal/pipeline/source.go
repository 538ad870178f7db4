package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kozaktomas/ppe-monitor/internal/ppe"
)

// ErrSourceUnavailable marks a transient frame source failure (camera offline, network error).
var ErrSourceUnavailable = errors.New("frame source unavailable")

const maxSnapshotBytes = 32 << 20

// Source produces frames in time order. Next returns io.EOF when the source is exhausted.
type Source interface {
	Next(ctx context.Context) (*ppe.Frame, error)
}

// DirSource replays JPEG/PNG files from a directory in name order.
// Frame timestamps are start + index/fps, so replays are reproducible.
type DirSource struct {
	streamID string
	files    []string
	next     int
	start    time.Time
	interval time.Duration
	pace     bool
}

// NewDirSource lists the frames in dir. fps sets the frame spacing (default 10);
// with pace set, Next also waits that long in real time between frames.
func NewDirSource(streamID, dir string, fps float64, start time.Time, pace bool) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading frames directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	if fps <= 0 {
		fps = 10
	}
	return &DirSource{
		streamID: streamID,
		files:    files,
		start:    start,
		interval: time.Duration(float64(time.Second) / fps),
		pace:     pace,
	}, nil
}

// Len returns the number of frames in the directory.
func (s *DirSource) Len() int {
	return len(s.files)
}

// Next reads the next frame file.
func (s *DirSource) Next(ctx context.Context) (*ppe.Frame, error) {
	if s.next >= len(s.files) {
		return nil, io.EOF
	}
	if s.pace && s.next > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.interval):
		}
	}

	i := s.next
	s.next++
	data, err := os.ReadFile(s.files[i])
	if err != nil {
		return nil, fmt.Errorf("reading frame %s: %w", s.files[i], err)
	}
	ts := s.start.Add(time.Duration(i) * s.interval)
	return ppe.NewFrame(s.streamID, int64(i+1), ts, data), nil
}

// SnapshotSource polls a camera snapshot URL at a fixed rate.
type SnapshotSource struct {
	streamID string
	url      string
	client   *http.Client
	interval time.Duration
	last     time.Time
	frameID  int64
	now      func() time.Time
}

// NewSnapshotSource creates a poller. fps defaults to 2.
func NewSnapshotSource(streamID, url string, fps float64, timeout time.Duration) *SnapshotSource {
	if fps <= 0 {
		fps = 2
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SnapshotSource{
		streamID: streamID,
		url:      url,
		client:   &http.Client{Timeout: timeout},
		interval: time.Duration(float64(time.Second) / fps),
		now:      time.Now,
	}
}

// Next waits for the next poll slot and fetches a snapshot.
// Failures wrap ErrSourceUnavailable.
func (s *SnapshotSource) Next(ctx context.Context) (*ppe.Frame, error) {
	if !s.last.IsZero() {
		if wait := s.interval - s.now().Sub(s.last); wait > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	s.last = s.now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: snapshot returned status %d", ErrSourceUnavailable, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading snapshot: %v", ErrSourceUnavailable, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty snapshot", ErrSourceUnavailable)
	}

	s.frameID++
	return ppe.NewFrame(s.streamID, s.frameID, s.last, data), nil
}

// SliceSource replays in-memory frames.
type SliceSource struct {
	frames []*ppe.Frame
	next   int
}

// NewSliceSource wraps frames.
func NewSliceSource(frames ...*ppe.Frame) *SliceSource {
	return &SliceSource{frames: frames}
}

// Next returns the next frame or io.EOF.
func (s *SliceSource) Next(ctx context.Context) (*ppe.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.frames) {
		return nil, io.EOF
	}
	f := s.frames[s.next]
	s.next++
	return f, nil
}
