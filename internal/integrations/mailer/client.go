// Package mailer is the client for the transactional email provider.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"retention-agent/internal/integrations/httpjson"
	"retention-agent/internal/integrations/paramstore"
)

// Email is one outbound message.
type Email struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

type sendResponse struct {
	ID string `json:"id"`
}

// Client posts emails to {baseURL}/emails, paced by a token-bucket limiter.
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

// WithRateLimit paces sends to perSecond with the given burst. A non-positive
// rate disables pacing.
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

// NewClient returns a Client whose API key is read from keyParam on first use.
func NewClient(baseURL string, ps paramstore.Getter, keyParam string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("mailer: base url must not be empty")
	}
	if ps == nil {
		return nil, errors.New("mailer: paramstore getter must not be nil")
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: httpjson.DefaultClient(),
		limiter:    rate.NewLimiter(rate.Limit(5), 5),
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
			c.keyErr = fmt.Errorf("mailer: fetch api key: %w", c.keyErr)
		}
	})
	return c.apiKey, c.keyErr
}

// Send delivers e and returns the provider's message id. idempotencyKey is
// forwarded so the provider collapses retries of the same send.
func (c *Client) Send(ctx context.Context, e Email, idempotencyKey string) (string, error) {
	if strings.TrimSpace(e.To) == "" {
		return "", errors.New("mailer: recipient is required")
	}
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return "", err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("mailer: rate limit wait: %w", err)
		}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+apiKey)
	if idempotencyKey != "" {
		header.Set("Idempotency-Key", idempotencyKey)
	}

	var out sendResponse
	err = httpjson.Do(ctx, c.httpClient, httpjson.Request{
		Service: "mailer",
		URL:     c.baseURL + "/emails",
		Header:  header,
		Body:    e,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}
