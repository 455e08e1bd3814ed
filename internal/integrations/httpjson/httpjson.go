// Package httpjson holds the JSON-over-HTTP plumbing shared by the outbound
// provider clients.
package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	maxErrorBody    = 4096
	maxResponseBody = 1 << 20
)

// StatusError captures non-2xx upstream responses with status-aware context.
type StatusError struct {
	Service    string
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d from %s: %s", e.Service, e.StatusCode, e.URL, e.Body)
}

func (e *StatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Permanent reports whether retrying the same request cannot succeed: a 4xx
// other than 408 (timeout) and 429 (throttled).
func (e *StatusError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 &&
		e.StatusCode != http.StatusRequestTimeout && e.StatusCode != http.StatusTooManyRequests
}

// IsPermanent reports whether err wraps a permanent StatusError.
func IsPermanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Permanent()
}

// DefaultClient returns an *http.Client with the timeout used when a caller
// does not supply one.
func DefaultClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// Request is one JSON call.
type Request struct {
	Service string
	Method  string
	URL     string
	Header  http.Header
	Body    any
}

// Do sends req and decodes a 2xx JSON response into out (which may be nil).
func Do(ctx context.Context, client *http.Client, req Request, out any) error {
	if client == nil {
		client = DefaultClient()
	}
	var body io.Reader
	if req.Body != nil {
		buf, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", req.Service, err)
		}
		body = bytes.NewReader(buf)
	}
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", req.Service, err)
	}
	for k, vals := range req.Header {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")

	res, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", req.Service, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return &StatusError{
			Service:    req.Service,
			StatusCode: res.StatusCode,
			URL:        req.URL,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("%s: read response body: %w", req.Service, err)
	}
	if out == nil || len(bytes.TrimSpace(buf)) == 0 {
		return nil
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", req.Service, err)
	}
	return nil
}
