package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRespondError(t *testing.T) {
	recorder := httptest.NewRecorder()

	respondError(recorder, http.StatusNotFound, "violation not found")

	assertStatusCode(t, recorder, http.StatusNotFound)
	assertContentType(t, recorder, "application/json")
	assertJSONError(t, recorder, "violation not found")
}

func TestHealthCheck(t *testing.T) {
	recorder := httptest.NewRecorder()

	HealthCheck(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	assertStatusCode(t, recorder, http.StatusOK)
	var body map[string]string
	parseJSONResponse(t, recorder, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
}

func TestParseTimeParam(t *testing.T) {
	tests := []struct {
		query   string
		want    time.Time
		wantErr bool
	}{
		{"", time.Time{}, false},
		{"from=2025-03-10", time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), false},
		{"from=2025-03-10T08:30:00Z", time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC), false},
		{"from=yesterday", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/violations?"+tt.query, nil)
			got, err := parseTimeParam(req, "from")
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if !got.Equal(tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		query   string
		want    int
		wantErr bool
	}{
		{"", 100, false},
		{"limit=5", 5, false},
		{"limit=50000", 1000, false},
		{"limit=-1", 0, true},
		{"limit=ten", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/violations?"+tt.query, nil)
			got, err := parseIntParam(req, "limit", 100, 1000)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSanitizeForLog(t *testing.T) {
	if got := sanitizeForLog("W001\nINFO fake entry\r"); got != "W001INFO fake entry" {
		t.Errorf("got %q", got)
	}
}
