package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"retention-agent/internal/domain"
	"retention-agent/internal/integrations/httpjson"
	"retention-agent/internal/integrations/paramstore"
)

const defaultBaseURL = "https://api.openai.com/v1"

// chatRequest is the minimal request shape for the Chat Completions endpoint.
type chatRequest struct {
	Model          string               `json:"model"`
	Messages       []domain.ChatMessage `json:"messages"`
	Temperature    *float64             `json:"temperature,omitempty"`
	ResponseFormat *responseFormat      `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type       string           `json:"type"`
	JSONSchema jsonSchemaConfig `json:"json_schema"`
}

type jsonSchemaConfig struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Index   int                `json:"index"`
		Message domain.ChatMessage `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Usage is the token accounting reported with a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Schema constrains a completion to a strict JSON schema.
type Schema struct {
	Name string
	JSON json.RawMessage
}

// ChatRequest is one completion call.
type ChatRequest struct {
	Model       string
	Messages    []domain.ChatMessage
	Temperature *float64
	Schema      *Schema
}

// ChatResult is the first choice's content plus usage.
type ChatResult struct {
	Content string
	Usage   Usage
}

// Client is a focused OpenAI-compatible client for chat completions.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      paramstore.Getter
	paramPrefix string

	keyOnce sync.Once
	apiKey  string
	keyErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client whose API key is read from
// <paramPrefix>/open-ai-token on first use and reused for the process
// lifetime.
func NewClient(ps paramstore.Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		httpClient:  httpjson.DefaultClient(),
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		c.apiKey, c.keyErr = paramstore.Secret(ctx, c.getter, c.paramPrefix+"/open-ai-token")
		if c.keyErr != nil {
			c.keyErr = fmt.Errorf("openai: fetch token: %w", c.keyErr)
		}
	})
	return c.apiKey, c.keyErr
}

func chatURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

// Chat sends one completion request and returns the first choice.
func (c *Client) Chat(ctx context.Context, in ChatRequest) (ChatResult, error) {
	if in.Model == "" {
		return ChatResult{}, errors.New("openai: model must not be empty")
	}
	if len(in.Messages) == 0 {
		return ChatResult{}, errors.New("openai: messages must not be empty")
	}

	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return ChatResult{}, err
	}

	body := chatRequest{
		Model:       in.Model,
		Messages:    in.Messages,
		Temperature: in.Temperature,
	}
	if in.Schema != nil {
		body.ResponseFormat = &responseFormat{
			Type: "json_schema",
			JSONSchema: jsonSchemaConfig{
				Name:   in.Schema.Name,
				Strict: true,
				Schema: in.Schema.JSON,
			},
		}
	}

	var payload chatResponse
	err = httpjson.Do(ctx, c.httpClient, httpjson.Request{
		Service: "openai",
		URL:     chatURL(c.baseURL),
		Header:  http.Header{"Authorization": []string{"Bearer " + apiKey}},
		Body:    body,
	}, &payload)
	if err != nil {
		return ChatResult{}, err
	}
	if len(payload.Choices) == 0 {
		return ChatResult{}, errors.New("openai: no choices in response")
	}
	return ChatResult{Content: payload.Choices[0].Message.Content, Usage: payload.Usage}, nil
}
