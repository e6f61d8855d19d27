package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/pario-ai/llmbatch/pkg/models"
)

// DefaultAnthropicModel is used when no model is configured.
const DefaultAnthropicModel = "claude-sonnet-4-5-20250929"

// AnthropicConfig configures an AnthropicTransport.
type AnthropicConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature *float64
	MaxTokens   int
}

// AnthropicTransport calls the Anthropic Messages API through the official
// SDK. SDK-level retries are disabled; the batch processor owns retries.
type AnthropicTransport struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	temp      *float64
}

var _ Transport = (*AnthropicTransport)(nil)

// NewAnthropicTransport returns a transport. The API key falls back to
// ANTHROPIC_API_KEY.
func NewAnthropicTransport(cfg AnthropicConfig) (*AnthropicTransport, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("llm: ANTHROPIC_API_KEY not set and no API key provided")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = DefaultAnthropicModel
	}
	maxTokens := int64(DefaultMaxTokens)
	if cfg.MaxTokens > 0 {
		maxTokens = int64(cfg.MaxTokens)
	}

	return &AnthropicTransport{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		temp:      cfg.Temperature,
	}, nil
}

// Model returns the configured model name.
func (t *AnthropicTransport) Model() string { return t.model }

// Complete sends one Messages API request.
func (t *AnthropicTransport) Complete(ctx context.Context, req Request) (*Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(t.model),
		MaxTokens: t.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if t.temp != nil {
		params.Temperature = anthropic.Float(*t.temp)
	}

	msg, err := t.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyAnthropic(err)
	}

	var text string
	for _, block := range msg.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += variant.Text
		}
	}

	in, out := int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)
	return &Response{
		Text:  text,
		Model: string(msg.Model),
		Usage: models.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
	}, nil
}

func classifyAnthropic(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		ce := &CallError{
			Kind:    StatusKind(apiErr.StatusCode),
			Status:  apiErr.StatusCode,
			Message: fmt.Sprintf("anthropic: %s", apiErr.Error()),
			Err:     err,
		}
		if apiErr.Response != nil {
			ce.RetryAfter = ParseRetryAfter(apiErr.Response.Header.Get("Retry-After"), time.Now())
		}
		return ce
	}
	return Classify(err)
}
