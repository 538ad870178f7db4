// Package ai writes natural-language safety briefings from violation reports
// using a hosted or local LLM.
package ai

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kozaktomas/ppe-monitor/internal/config"
	"github.com/kozaktomas/ppe-monitor/internal/report"
)

// ErrNotConfigured is returned when no briefing provider is configured.
var ErrNotConfigured = errors.New("no AI provider configured")

// Narrator turns a report into a briefing.
type Narrator interface {
	Name() string
	Brief(ctx context.Context, rep report.Report) (*Briefing, error)
	GetUsage() Usage
}

// Briefing is the model's reading of a report.
type Briefing struct {
	Summary         string   `json:"summary"`
	Highlights      []string `json:"highlights"`
	Recommendations []string `json:"recommendations"`
}

// Usage tracks token usage and calculates cost.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalCost    float64 `json:"total_cost_usd"`
}

// RequestPricing holds input/output prices per 1M tokens
type RequestPricing struct {
	Input  float64
	Output float64
}

// usageMeter accumulates usage across concurrent requests.
type usageMeter struct {
	mu      sync.Mutex
	usage   Usage
	pricing RequestPricing
}

func (m *usageMeter) track(inputTokens, outputTokens int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage.InputTokens += int(inputTokens)
	m.usage.OutputTokens += int(outputTokens)
	m.usage.TotalCost += float64(inputTokens) / 1_000_000 * m.pricing.Input
	m.usage.TotalCost += float64(outputTokens) / 1_000_000 * m.pricing.Output
}

// GetUsage returns the accumulated usage.
func (m *usageMeter) GetUsage() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}

// New creates the narrator selected by cfg.Provider.
// Returns ErrNotConfigured when the provider is empty.
func New(ctx context.Context, cfg *config.AIConfig) (Narrator, error) {
	pricing := RequestPricing{Input: cfg.InputPrice, Output: cfg.OutputPrice}
	switch cfg.Provider {
	case "":
		return nil, ErrNotConfigured
	case "openai":
		if cfg.OpenAIToken == "" && cfg.OpenAIBaseURL == "" {
			return nil, errors.New("OPENAI_TOKEN is required unless OPENAI_BASE_URL points to a local server")
		}
		return NewOpenAIProvider(cfg.OpenAIToken, cfg.OpenAIBaseURL, cfg.Model, pricing, timeoutOr(cfg.Timeout)), nil
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return nil, errors.New("GEMINI_API_KEY is required for the gemini provider")
		}
		p, err := NewGeminiProvider(ctx, cfg.GeminiAPIKey, cfg.Model, pricing)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q", cfg.Provider)
	}
}

func timeoutOr(d time.Duration) time.Duration {
	if d <= 0 {
		return 60 * time.Second
	}
	return d
}
