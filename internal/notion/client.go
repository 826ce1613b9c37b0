package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL    = "https://api.notion.com"
	DefaultAPIVersion = "2022-06-28"

	defaultRetryAfter = time.Second
)

var ErrRetriesExhausted = errors.New("notion rate limit retries exhausted")

// HTTPError is returned for any response that is neither 2xx nor 429.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("notion request failed: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("notion request failed: status=%d message=%s", e.StatusCode, e.Message)
}

type SleepFunc func(ctx context.Context, delay time.Duration) error

type ClientOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	APIVersion string
	UserAgent  string
	// MaxRateLimitRetries caps consecutive 429 retries. Zero retries forever.
	MaxRateLimitRetries int
	Sleep               SleepFunc
	Logger              *slog.Logger
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	apiVersion string
	userAgent  string
	maxRetries int
	sleep      SleepFunc
	logger     *slog.Logger
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	maxRetries := opts.MaxRateLimitRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		apiVersion: apiVersion,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		sleep:      sleep,
		logger:     logger,
	}
}

// Do sends one request and returns the first non-429 2xx response. Rate
// limited responses are retried with the identical body after waiting for the
// Retry-After interval. Transport failures and any other status are returned
// as errors without retrying.
func (c *Client) Do(ctx context.Context, method, path string, payload any) (*Response, error) {
	if c == nil {
		return nil, fmt.Errorf("notion client is nil")
	}
	if c.token == "" {
		return nil, fmt.Errorf("notion token is empty")
	}
	var bodyBytes []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		bodyBytes = encoded
	}
	url := c.baseURL + "/v1" + path

	for attempt := 0; ; attempt++ {
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Notion-Version", c.apiVersion)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		c.logger.Debug("sending notion request", "method", method, "url", url, "attempt", attempt+1)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("notion request %s %s: %w", method, path, err)
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			if c.maxRetries > 0 && attempt >= c.maxRetries {
				return nil, fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, attempt+1)
			}
			delay := parseRetryAfter(resp.Header.Get("Retry-After"))
			c.logger.Warn("rate limited by notion, retrying", "retry_after", delay)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}
		return nil, newHTTPError(resp.StatusCode, respBody)
	}
}

func newHTTPError(status int, body []byte) *HTTPError {
	httpErr := &HTTPError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if code, ok := parsed["code"].(string); ok {
			httpErr.Code = code
		}
		if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
			httpErr.Message = message
		}
	}
	return httpErr
}

// parseRetryAfter reads the header as (possibly fractional) seconds.
func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return defaultRetryAfter
	}
	seconds, err := strconv.ParseFloat(header, 64)
	if err != nil || seconds < 0 {
		return defaultRetryAfter
	}
	return time.Duration(seconds * float64(time.Second))
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
