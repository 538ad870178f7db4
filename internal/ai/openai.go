package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/kozaktomas/ppe-monitor/internal/report"
)

const defaultOpenAIModel = string(openai.ChatModelGPT4_1Mini)

// OpenAIProvider briefs through the OpenAI chat completions API or any
// compatible server (llama.cpp, Ollama) reachable at a custom base URL.
type OpenAIProvider struct {
	usageMeter
	client *openai.Client
	model  string
}

// NewOpenAIProvider creates a provider. baseURL and model may be empty for the defaults.
func NewOpenAIProvider(apiKey, baseURL, model string, pricing RequestPricing, timeout time.Duration) *OpenAIProvider {
	if apiKey == "" {
		// local servers ignore the key but the client always sends one
		apiKey = "none"
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(timeout),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = defaultOpenAIModel
	}

	client := openai.NewClient(opts...)
	return &OpenAIProvider{
		usageMeter: usageMeter{pricing: pricing},
		client:     &client,
		model:      model,
	}
}

func (p *OpenAIProvider) Name() string {
	return p.model
}

// Brief asks the model for a briefing, feeding parse errors back for a
// bounded number of attempts.
func (p *OpenAIProvider) Brief(ctx context.Context, rep report.Report) (*Briefing, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		{
			OfSystem: &openai.ChatCompletionSystemMessageParam{
				Content: openai.ChatCompletionSystemMessageParamContentUnion{
					OfString: openai.String(briefingPrompt),
				},
			},
		},
		{
			OfUser: &openai.ChatCompletionUserMessageParam{
				Content: openai.ChatCompletionUserMessageParamContentUnion{
					OfString: openai.String(buildBriefingContent(rep)),
				},
			},
		},
	}

	var lastError error
	var lastResponse string

	for range maxRetries {
		resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Model:    shared.ChatModel(p.model),
			Messages: messages,
			ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
			},
			MaxTokens: openai.Int(800),
		})
		if err != nil {
			return nil, fmt.Errorf("OpenAI API error: %w", err)
		}
		if len(resp.Choices) == 0 {
			return nil, errors.New("no response from OpenAI")
		}

		if resp.Usage.PromptTokens > 0 || resp.Usage.CompletionTokens > 0 {
			p.track(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		}

		content := resp.Choices[0].Message.Content
		lastResponse = content

		brief, err := parseBriefing(content)
		if err != nil {
			lastError = err
			messages = append(messages,
				openai.ChatCompletionMessageParamUnion{
					OfAssistant: &openai.ChatCompletionAssistantMessageParam{
						Content: openai.ChatCompletionAssistantMessageParamContentUnion{
							OfString: openai.String(content),
						},
					},
				},
				openai.ChatCompletionMessageParamUnion{
					OfUser: &openai.ChatCompletionUserMessageParam{
						Content: openai.ChatCompletionUserMessageParamContentUnion{
							OfString: openai.String(retryFeedback(err)),
						},
					},
				},
			)
			continue
		}
		return brief, nil
	}

	return nil, fmt.Errorf("failed to parse briefing JSON after %d attempts: %w (last response: %s)", maxRetries, lastError, lastResponse)
}
