package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rickgao/exchange-feeds/internal/connection"
)

// maxRetryAfter caps how long a Retry-After header may hold a request.
const maxRetryAfter = time.Minute

// APIError is a non-2xx response. Code and Message come from the error body
// when the server sends one (["error", 10020, "symbol: invalid"]), otherwise
// Message is the HTTP status text.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
	Body       []byte
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("api error %d: %s (code %d)", e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether the request may succeed if repeated.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Get fetches path with retries and decodes the JSON body into result.
func (c *Client) Get(ctx context.Context, path string, query url.Values, result any) error {
	body, err := c.doWithRetry(ctx, http.MethodGet, path, query)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       body,
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
		}
		decodeErrorBody(body, apiErr)
		return nil, apiErr
	}
	return body, nil
}

// doWithRetry repeats retryable failures, waiting the longer of the backoff
// delay and the server's Retry-After.
func (c *Client) doWithRetry(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	backoff := connection.NewBackoff(connection.BackoffConfig{
		Initial:    c.retryBackoff,
		Max:        c.retryBackoff << 4,
		Multiplier: 2,
		Jitter:     0.5,
	})

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		body, err := c.doRequest(ctx, method, path, query)
		if err == nil {
			return body, nil
		}
		lastErr = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.IsRetryable() {
			return nil, err
		}
		if attempt == c.maxRetries {
			break
		}

		delay := max(backoff.Next(), apiErr.RetryAfter)
		c.logger.Debug("retrying request", "path", path, "attempt", attempt+1, "status", apiErr.StatusCode, "delay", delay)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// decodeErrorBody fills Code and Message from the two error shapes seen on
// public market-data APIs: ["error", code, "message"] and
// {"code": n, "message": "..."}.
func decodeErrorBody(body []byte, e *APIError) {
	var arr []json.RawMessage
	if json.Unmarshal(body, &arr) == nil && len(arr) >= 3 {
		var tag, msg string
		var code int
		if json.Unmarshal(arr[0], &tag) == nil && tag == "error" &&
			json.Unmarshal(arr[1], &code) == nil && json.Unmarshal(arr[2], &msg) == nil {
			e.Code, e.Message = code, msg
		}
		return
	}

	var obj struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &obj) == nil && obj.Message != "" {
		e.Code, e.Message = obj.Code, obj.Message
	}
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(v); err == nil {
		d = time.Until(at)
	}
	return min(max(d, 0), maxRetryAfter)
}
