package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kozaktomas/ppe-monitor/internal/ppe"
	"github.com/kozaktomas/ppe-monitor/internal/violation"
)

func TestParseDateFlag(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Time
		wantErr bool
	}{
		{"", time.Time{}, false},
		{"2025-03-01", time.Date(2025, 3, 1, 0, 0, 0, 0, time.Local), false},
		{"2025-03-01T08:30:00Z", time.Date(2025, 3, 1, 8, 30, 0, 0, time.UTC), false},
		{"01/03/2025", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseDateFlag(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("parseDateFlag(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestScanGalleryDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "W002", "b.jpg"))
	writeFile(t, filepath.Join(dir, "W002", "a.jpeg"))
	writeFile(t, filepath.Join(dir, "W002", "notes.txt"))
	writeFile(t, filepath.Join(dir, "W001", "face.PNG"))
	writeFile(t, filepath.Join(dir, ".cache", "c.jpg"))
	writeFile(t, filepath.Join(dir, "loose.jpg"))
	if err := os.Mkdir(filepath.Join(dir, "W003"), 0o755); err != nil {
		t.Fatal(err)
	}

	batches, err := scanGalleryDir(dir)
	if err != nil {
		t.Fatalf("scanGalleryDir: %v", err)
	}

	if len(batches) != 2 {
		t.Fatalf("expected 2 workers, got %+v", batches)
	}
	if batches[0].id != "W001" || len(batches[0].files) != 1 {
		t.Errorf("unexpected first batch %+v", batches[0])
	}
	if batches[1].id != "W002" || len(batches[1].files) != 2 {
		t.Fatalf("unexpected second batch %+v", batches[1])
	}
	if filepath.Base(batches[1].files[0]) != "a.jpeg" {
		t.Errorf("expected files sorted by name, got %v", batches[1].files)
	}
}

func TestScanGalleryDir_Missing(t *testing.T) {
	if _, err := scanGalleryDir(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestDescribeTransition(t *testing.T) {
	opened := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	closed := opened.Add(45 * time.Second)

	t.Run("opened unknown", func(t *testing.T) {
		got := describeTransition(violation.Transition{
			Kind:  violation.Opened,
			Event: ppe.Event{Handle: 7, Missing: ppe.ItemSet(0).Add(ppe.ItemHelmet), OpenedAt: opened},
		})
		for _, want := range []string{"09:00:00", "OPENED", "unknown #7", "missing helmet"} {
			if !strings.Contains(got, want) {
				t.Errorf("%q does not contain %q", got, want)
			}
		}
	})

	t.Run("closed worker", func(t *testing.T) {
		got := describeTransition(violation.Transition{
			Kind: violation.Closed,
			Event: ppe.Event{
				WorkerID: "W001",
				Missing:  ppe.ItemSet(0).Add(ppe.ItemVest),
				OpenedAt: opened,
				ClosedAt: &closed,
				Reason:   ppe.ReasonResolved,
			},
		})
		for _, want := range []string{"09:00:45", "CLOSED", "W001", "after 45s (resolved)"} {
			if !strings.Contains(got, want) {
				t.Errorf("%q does not contain %q", got, want)
			}
		}
	})
}

func TestMonitorPacesReplayByDefault(t *testing.T) {
	f := monitorCmd.Flags().Lookup("pace")
	if f == nil {
		t.Fatal("monitor has no --pace flag")
	}
	if f.DefValue != "true" {
		t.Errorf("--pace defaults to %s, want true", f.DefValue)
	}
	if !mustGetBool(monitorCmd, "pace") {
		t.Error("unset --pace should read as true")
	}
}
