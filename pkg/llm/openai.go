package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pario-ai/llmbatch/pkg/models"
)

// Defaults for OpenAI-compatible endpoints.
const (
	DefaultOpenAIURL   = "https://api.openai.com/v1"
	DefaultOpenAIModel = "gpt-4o-mini"
	DefaultTemperature = 0.1
	DefaultMaxTokens   = 4000
)

// OpenAIConfig configures an OpenAITransport.
type OpenAIConfig struct {
	URL         string
	APIKey      string
	Model       string
	Temperature *float64
	MaxTokens   int
	// Headers are added to every request, e.g. organization or routing headers.
	Headers map[string]string
	Client  *http.Client
}

// OpenAITransport calls an OpenAI-compatible /chat/completions endpoint.
type OpenAITransport struct {
	endpoint string
	cfg      OpenAIConfig
	client   *http.Client
}

var _ Transport = (*OpenAITransport)(nil)

// NewOpenAITransport validates cfg and returns a transport.
func NewOpenAITransport(cfg OpenAIConfig) (*OpenAITransport, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultOpenAIURL
	}
	base, err := url.Parse(cfg.URL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid provider URL %q", cfg.URL)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Temperature == nil {
		t := DefaultTemperature
		cfg.Temperature = &t
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &OpenAITransport{
		endpoint: strings.TrimRight(base.String(), "/") + "/chat/completions",
		cfg:      cfg,
		client:   client,
	}, nil
}

// Model returns the configured model name.
func (t *OpenAITransport) Model() string { return t.cfg.Model }

// Complete sends one chat completion request.
func (t *OpenAITransport) Complete(ctx context.Context, req Request) (*Response, error) {
	var msgs []models.ChatMessage
	if req.System != "" {
		msgs = append(msgs, models.ChatMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, models.ChatMessage{Role: "user", Content: req.Prompt})

	maxTokens := t.cfg.MaxTokens
	body, err := json.Marshal(models.ChatCompletionRequest{
		Model:       t.cfg.Model,
		Messages:    msgs,
		Temperature: t.cfg.Temperature,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		return nil, &CallError{Kind: ClientError, Message: "encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &CallError{Kind: ClientError, Message: "create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	}
	for k, v := range t.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, Classify(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Classify(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, NewStatusError(resp.StatusCode, errorMessage(respBody), resp.Header)
	}

	var parsed models.ChatCompletionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &CallError{Kind: ServerError, Status: resp.StatusCode, Message: "malformed response body", Err: err}
	}
	if len(parsed.Choices) == 0 {
		return nil, &CallError{Kind: ServerError, Status: resp.StatusCode, Message: "response has no choices"}
	}

	out := &Response{
		Text:  parsed.Choices[0].Message.Content,
		Model: parsed.Model,
	}
	if parsed.Usage != nil {
		out.Usage = *parsed.Usage
	}
	return out, nil
}

// errorMessage pulls the message out of an OpenAI-style error body, falling
// back to the raw text.
func errorMessage(body []byte) string {
	var env models.ErrorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		if env.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", env.Error.Message, env.Error.Type)
		}
		return env.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512] + "..."
	}
	return msg
}
