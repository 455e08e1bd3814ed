// Package tickets is the client for the ticket-tracking provider's automation
// and comment endpoints.
package tickets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"retention-agent/internal/integrations/httpjson"
	"retention-agent/internal/integrations/paramstore"
)

type automationRequest struct {
	Reason  string `json:"reason"`
	Attempt int    `json:"attempt"`
}

type automationResponse struct {
	RunID string `json:"run_id"`
}

type commentRequest struct {
	Body     string `json:"body"`
	Internal bool   `json:"internal"`
}

// Client triggers ticket automations and posts internal comments.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	getter     paramstore.Getter
	keyParam   string

	keyOnce sync.Once
	apiKey  string
	keyErr  error
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithRateLimit paces calls to perSecond; a non-positive rate disables it.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func NewClient(baseURL string, ps paramstore.Getter, keyParam string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("tickets: base url must not be empty")
	}
	if ps == nil {
		return nil, errors.New("tickets: paramstore getter must not be nil")
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: httpjson.DefaultClient(),
		limiter:    rate.NewLimiter(rate.Limit(2), 2),
		getter:     ps,
		keyParam:   keyParam,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		c.apiKey, c.keyErr = paramstore.Secret(ctx, c.getter, c.keyParam)
		if c.keyErr != nil {
			c.keyErr = fmt.Errorf("tickets: fetch api key: %w", c.keyErr)
		}
	})
	return c.apiKey, c.keyErr
}

func (c *Client) post(ctx context.Context, path string, idempotencyKey string, body, out any) error {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("tickets: rate limit wait: %w", err)
		}
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+apiKey)
	if idempotencyKey != "" {
		header.Set("Idempotency-Key", idempotencyKey)
	}
	return httpjson.Do(ctx, c.httpClient, httpjson.Request{
		Service: "tickets",
		URL:     c.baseURL + path,
		Header:  header,
		Body:    body,
	}, out)
}

// TriggerAutomation starts the provider's remediation automation for a
// ticket and returns its run id.
func (c *Client) TriggerAutomation(ctx context.Context, ticketID, reason string, attempt int, idempotencyKey string) (string, error) {
	if strings.TrimSpace(ticketID) == "" {
		return "", errors.New("tickets: ticket id is required")
	}
	var out automationResponse
	err := c.post(ctx, "/tickets/"+url.PathEscape(ticketID)+"/automations", idempotencyKey,
		automationRequest{Reason: reason, Attempt: attempt}, &out)
	if err != nil {
		return "", err
	}
	return out.RunID, nil
}

// Comment posts an internal comment on a ticket.
func (c *Client) Comment(ctx context.Context, ticketID, body, idempotencyKey string) error {
	if strings.TrimSpace(ticketID) == "" {
		return errors.New("tickets: ticket id is required")
	}
	return c.post(ctx, "/tickets/"+url.PathEscape(ticketID)+"/comments", idempotencyKey,
		commentRequest{Body: body, Internal: true}, nil)
}
