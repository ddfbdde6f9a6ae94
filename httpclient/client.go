// Package httpclient provides the JSON HTTP transport used by the
// publishing and subscription-monitor packages: request-scoped headers,
// a bounded retry policy for transient failures, and long-lived
// streaming GETs.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/aquamarinepk/epcp/log"
)

// Retryable server statuses. Anything else is returned to the caller
// as-is; the caller decides how to surface it.
var retryStatuses = map[int]bool{
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	streaming  *http.Client
	retryMax   int
	retryDelay time.Duration
	log        log.Logger
}

type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

func New(baseURL string, logger log.Logger, opts ...Option) *Client {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		// The streaming client carries no overall timeout; reads on the
		// long-lived body are paced by the caller.
		streaming: &http.Client{
			Transport: &http.Transport{DialContext: dialer.DialContext},
		},
		retryMax:   1,
		retryDelay: 100 * time.Millisecond,
		log:        logger,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Client) Get(ctx context.Context, path string, headers map[string]string) (*Response, error) {
	return c.Do(ctx, http.MethodGet, path, nil, headers)
}

func (c *Client) Post(ctx context.Context, path string, body interface{}, headers map[string]string) (*Response, error) {
	return c.Do(ctx, http.MethodPost, path, body, headers)
}

// Do performs a request against baseURL+path. Transport errors and the
// retryable server statuses are retried up to retryMax times with a
// short growing delay; any response obtained on the final attempt is
// returned without error so the caller can surface status and body.
func (c *Client) Do(ctx context.Context, method, path string, body interface{}, headers map[string]string) (*Response, error) {
	url := c.baseURL + path

	var jsonBody []byte
	if body != nil {
		var err error
		jsonBody, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("cannot marshal request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.retryMax; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<uint(attempt-1))
			c.log.Debugf("Retrying request after %v (attempt %d/%d)", delay, attempt, c.retryMax)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		var bodyReader io.Reader
		if jsonBody != nil {
			bodyReader = bytes.NewReader(jsonBody)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("cannot create request: %w", err)
		}

		if jsonBody != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		c.log.Debugf("HTTP %s %s (attempt %d/%d)", method, url, attempt+1, c.retryMax+1)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("cannot read response body: %w", err)
			continue
		}

		out := &Response{
			StatusCode: resp.StatusCode,
			Body:       respBody,
			Headers:    resp.Header,
		}

		if retryStatuses[resp.StatusCode] && attempt < c.retryMax {
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		}

		c.log.Debugf("HTTP %s %s -> %d", method, url, resp.StatusCode)
		return out, nil
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", c.retryMax+1, lastErr)
}

// Stream opens a long-lived GET against baseURL+path and returns the raw
// response. The connection attempt is bounded by the dial timeout; the
// body has no deadline, so the caller owns read pacing and must close it.
func (c *Client) Stream(ctx context.Context, path string, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.streaming.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot open stream: %w", err)
	}
	return resp, nil
}

// BaseURL returns the configured endpoint base.
func (c *Client) BaseURL() string {
	return c.baseURL
}
