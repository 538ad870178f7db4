package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kozaktomas/ppe-monitor/internal/config"
	"github.com/kozaktomas/ppe-monitor/internal/report"
)

func sampleReport() report.Report {
	last := time.Date(2025, 3, 4, 9, 30, 0, 0, time.UTC)
	return report.Report{
		From:          time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		Total:         12,
		UniqueWorkers: 2,
		Helmet:        8,
		Vest:          4,
		HelmetPct:     66.7,
		VestPct:       33.3,
		Unknown:       3,
		NeedsReview:   1,
		AvgDuration:   42 * time.Second,
		Workers: []report.WorkerSummary{
			{WorkerID: "W001", Name: "Jan Novak", Total: 6, Helmet: 5, Vest: 1, LastViolation: last, TotalDuration: 4 * time.Minute},
			{WorkerID: "W002", Total: 3, Helmet: 0, Vest: 3, LastViolation: last, TotalDuration: time.Minute},
		},
	}
}

func TestBuildBriefingContent(t *testing.T) {
	content := buildBriefingContent(sampleReport())

	for _, want := range []string{
		"Period: 2025-03-01 00:00 to now",
		"Total violations: 12",
		"Missing helmet: 8 (66.7%)",
		"Unknown subjects: 3, awaiting review: 1",
		"Average violation duration: 42s",
		"1. Jan Novak (W001): 6 total, 5 helmet, 1 vest",
		"2. W002: 3 total",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("content missing %q:\n%s", want, content)
		}
	}
}

func TestBuildBriefingContent_NoWorkers(t *testing.T) {
	content := buildBriefingContent(report.Report{})
	if strings.Contains(content, "Workers with most violations") {
		t.Errorf("expected no worker section, got:\n%s", content)
	}
	if !strings.Contains(content, "beginning of records") {
		t.Errorf("expected open start bound, got:\n%s", content)
	}
}

func TestParseBriefing(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"plain", `{"summary":"Quiet week.","highlights":["a"],"recommendations":[]}`, "Quiet week.", false},
		{"fenced", "```json\n{\"summary\":\"Fenced.\"}\n```", "Fenced.", false},
		{"empty summary", `{"summary":"  ","highlights":["a"]}`, "", true},
		{"not json", "Here is your briefing", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseBriefing(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Summary != tt.want {
				t.Errorf("summary = %q, want %q", got.Summary, tt.want)
			}
		})
	}
}

func TestBriefingWriteText(t *testing.T) {
	b := &Briefing{
		Summary:         "Helmet compliance dropped.",
		Highlights:      []string{"W001 accounts for half of all violations"},
		Recommendations: []string{"Add a helmet station at gate A"},
	}
	var buf bytes.Buffer
	if err := b.WriteText(&buf); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"SAFETY BRIEFING", "Helmet compliance dropped.", "  - W001 accounts", "Recommendations:"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestUsageMeter(t *testing.T) {
	m := usageMeter{pricing: RequestPricing{Input: 2, Output: 8}}
	m.track(500_000, 250_000)
	m.track(500_000, 0)

	u := m.GetUsage()
	if u.InputTokens != 1_000_000 || u.OutputTokens != 250_000 {
		t.Errorf("unexpected tokens: %+v", u)
	}
	if u.TotalCost < 3.999 || u.TotalCost > 4.001 {
		t.Errorf("expected cost 4.0, got %v", u.TotalCost)
	}
}

// chatServer fakes the chat completions endpoint, replying with the given
// contents in order and recording the request bodies.
func chatServer(t *testing.T, replies ...string) (*httptest.Server, *[]string, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	var bodies []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(body))

		n := int(calls.Add(1)) - 1
		content := replies[min(n, len(replies)-1)]
		resp := map[string]any{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
			"usage": map[string]any{"prompt_tokens": 100, "completion_tokens": 40, "total_tokens": 140},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)
	return server, &bodies, &calls
}

func TestOpenAIProvider_Brief(t *testing.T) {
	server, bodies, calls := chatServer(t, `{"summary":"Two workers need coaching.","highlights":["W001 repeated helmet violations"],"recommendations":["Brief W001"]}`)

	p := NewOpenAIProvider("", server.URL+"/v1", "test-model", RequestPricing{Input: 1, Output: 1}, 5*time.Second)
	brief, err := p.Brief(context.Background(), sampleReport())
	if err != nil {
		t.Fatalf("Brief: %v", err)
	}

	if brief.Summary != "Two workers need coaching." {
		t.Errorf("unexpected summary %q", brief.Summary)
	}
	if len(brief.Highlights) != 1 || len(brief.Recommendations) != 1 {
		t.Errorf("unexpected briefing %+v", brief)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
	if !strings.Contains((*bodies)[0], `"json_object"`) {
		t.Errorf("expected JSON response format in request: %s", (*bodies)[0])
	}
	if !strings.Contains((*bodies)[0], "Total violations: 12") {
		t.Errorf("expected report facts in request: %s", (*bodies)[0])
	}
	if u := p.GetUsage(); u.InputTokens != 100 || u.OutputTokens != 40 {
		t.Errorf("unexpected usage %+v", u)
	}
	if p.Name() != "test-model" {
		t.Errorf("unexpected name %q", p.Name())
	}
}

func TestOpenAIProvider_RetriesOnBadJSON(t *testing.T) {
	server, bodies, calls := chatServer(t,
		"Sure! Here is the briefing:",
		`{"summary":"Recovered."}`,
	)

	p := NewOpenAIProvider("sk-test", server.URL+"/v1", "test-model", RequestPricing{}, 5*time.Second)
	brief, err := p.Brief(context.Background(), sampleReport())
	if err != nil {
		t.Fatalf("Brief: %v", err)
	}
	if brief.Summary != "Recovered." {
		t.Errorf("unexpected summary %q", brief.Summary)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
	if !strings.Contains((*bodies)[1], "JSON parse error") {
		t.Errorf("expected parse feedback in retry: %s", (*bodies)[1])
	}
	if u := p.GetUsage(); u.InputTokens != 200 {
		t.Errorf("expected usage from both attempts, got %+v", u)
	}
}

func TestOpenAIProvider_GivesUp(t *testing.T) {
	server, _, calls := chatServer(t, "never json")

	p := NewOpenAIProvider("sk-test", server.URL+"/v1", "test-model", RequestPricing{}, 5*time.Second)
	_, err := p.Brief(context.Background(), sampleReport())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("unexpected error %v", err)
	}
	if calls.Load() != maxRetries {
		t.Errorf("expected %d calls, got %d", maxRetries, calls.Load())
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.AIConfig
		wantErr string
	}{
		{"unknown provider", config.AIConfig{Provider: "claude"}, "unknown AI provider"},
		{"openai without token", config.AIConfig{Provider: "openai"}, "OPENAI_TOKEN"},
		{"gemini without key", config.AIConfig{Provider: "gemini"}, "GEMINI_API_KEY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), &tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}

	t.Run("not configured", func(t *testing.T) {
		_, err := New(context.Background(), &config.AIConfig{})
		if !errors.Is(err, ErrNotConfigured) {
			t.Errorf("expected ErrNotConfigured, got %v", err)
		}
	})

	t.Run("local openai server", func(t *testing.T) {
		n, err := New(context.Background(), &config.AIConfig{Provider: "openai", OpenAIBaseURL: "http://localhost:8080/v1"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n.Name() != defaultOpenAIModel {
			t.Errorf("expected default model, got %q", n.Name())
		}
	})
}
