package ai

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/kozaktomas/ppe-monitor/internal/report"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiProvider briefs through the Gemini API.
type GeminiProvider struct {
	usageMeter
	client *genai.Client
	model  string
}

// NewGeminiProvider creates a provider. model may be empty for the default.
func NewGeminiProvider(ctx context.Context, apiKey, model string, pricing RequestPricing) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	if model == "" {
		model = defaultGeminiModel
	}

	return &GeminiProvider{
		usageMeter: usageMeter{pricing: pricing},
		client:     client,
		model:      model,
	}, nil
}

func (p *GeminiProvider) Name() string {
	return p.model
}

// Brief asks the model for a briefing, feeding parse errors back for a
// bounded number of attempts.
func (p *GeminiProvider) Brief(ctx context.Context, rep report.Report) (*Briefing, error) {
	contents := []*genai.Content{
		{
			Role: "user",
			Parts: []*genai.Part{
				{Text: briefingPrompt + "\n\n" + buildBriefingContent(rep)},
			},
		},
	}

	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	}

	var lastError error
	var lastResponse string

	for range maxRetries {
		result, err := p.client.Models.GenerateContent(ctx, p.model, contents, config)
		if err != nil {
			return nil, fmt.Errorf("gemini API error: %w", err)
		}

		if result.UsageMetadata != nil {
			p.track(int64(result.UsageMetadata.PromptTokenCount), int64(result.UsageMetadata.CandidatesTokenCount))
		}

		content := result.Text()
		if content == "" {
			return nil, errors.New("no response from Gemini")
		}
		lastResponse = content

		brief, err := parseBriefing(content)
		if err != nil {
			lastError = err
			contents = append(contents,
				&genai.Content{
					Role:  "model",
					Parts: []*genai.Part{{Text: content}},
				},
				&genai.Content{
					Role:  "user",
					Parts: []*genai.Part{{Text: retryFeedback(err)}},
				},
			)
			continue
		}
		return brief, nil
	}

	return nil, fmt.Errorf("failed to parse briefing JSON after %d attempts: %w (last response: %s)", maxRetries, lastError, lastResponse)
}
