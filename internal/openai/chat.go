package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"readerbites/internal/sse"
)

const (
	defaultBaseURL    = "https://api.openai.com/v1"
	maxErrBody        = 2048
	defaultMaxRetries = 3
)

// ErrStreamStatus is wrapped by every non-2xx response at stream initiation.
var ErrStreamStatus = errors.New("openai: unexpected response status")

type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("OpenAI chat completions status %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) Unwrap() error { return ErrStreamStatus }

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// ChatStreamer opens a streamed chat completion.
type ChatStreamer interface {
	StreamChat(ctx context.Context, req ChatRequest) (*sse.Stream, error)
}

type Client struct {
	keys       KeySource
	endpoint   string
	httpClient *http.Client
	maxRetries int
	logger     *zap.Logger
}

func NewClient(keys KeySource, baseURL string, httpClient *http.Client, maxRetries int, logger *zap.Logger) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	baseURL = strings.TrimSuffix(baseURL, "/v1")
	if maxRetries < 0 {
		maxRetries = defaultMaxRetries
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		keys:       keys,
		endpoint:   baseURL + "/v1/chat/completions",
		httpClient: httpClient,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// StreamChat starts a streamed completion. A missing key returns ErrNoAPIKey
// before any request is made. Failures to open the stream are retried with
// backoff; once the stream is open nothing is retried.
func (c *Client) StreamChat(ctx context.Context, req ChatRequest) (*sse.Stream, error) {
	apiKey := ""
	if c.keys != nil {
		key, err := c.keys.APIKey(ctx)
		if err != nil {
			return nil, fmt.Errorf("load API key: %w", err)
		}
		apiKey = strings.TrimSpace(key)
	}
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}

	payload := map[string]any{
		"model":    req.Model,
		"messages": req.Messages,
		"stream":   true,
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal OpenAI request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		stream, retry, err := c.openStream(ctx, apiKey, body)
		if err == nil {
			return stream, nil
		}

		lastErr = err
		if !retry || attempt == c.maxRetries {
			break
		}

		delay := backoffDelay(attempt)
		c.logger.Debug("retrying chat completion", zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if lastErr == nil {
		lastErr = errors.New("unknown chat completion error")
	}
	return nil, lastErr
}

func (c *Client) openStream(ctx context.Context, apiKey string, body []byte) (stream *sse.Stream, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("build OpenAI request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("request OpenAI chat completions: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody*2))
		statusErr := &StatusError{StatusCode: resp.StatusCode, Message: parseAPIError(respBody)}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			if retryAfter := parseRetryAfter(resp.Header.Get("Retry-After")); retryAfter > 0 {
				select {
				case <-time.After(retryAfter):
				case <-ctx.Done():
					return nil, false, ctx.Err()
				}
			}
			return nil, true, statusErr
		}
		return nil, false, statusErr
	}

	return sse.NewStream(resp.Body, c.logger), false, nil
}

func parseAPIError(body []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}

	if err := json.Unmarshal(body, &parsed); err == nil && strings.TrimSpace(parsed.Error.Message) != "" {
		return parsed.Error.Message
	}

	snippet := strings.TrimSpace(string(body))
	if len(snippet) > maxErrBody {
		snippet = snippet[:maxErrBody] + "..."
	}
	if snippet == "" {
		return "empty error response"
	}
	return snippet
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	if ts, err := http.ParseTime(value); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}

	return 0
}

func backoffDelay(attempt int) time.Duration {
	base := 500 * time.Millisecond
	delay := base * time.Duration(1<<attempt)
	jitter := time.Duration(rand.Intn(250)) * time.Millisecond
	max := 30 * time.Second
	if delay+jitter > max {
		return max
	}
	return delay + jitter
}
