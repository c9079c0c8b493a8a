// Package inference talks to one OpenAI-compatible vision-language model
// server: a health probe and a single chat completion carrying a video URL.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bdougie/videobench/internal/models"
)

const (
	// DefaultTimeout bounds one inference request.
	DefaultTimeout = 60 * time.Second
	// DefaultHealthTimeout bounds the health probe and is also its cap.
	DefaultHealthTimeout = 5 * time.Second

	healthPath      = "/health"
	completionsPath = "/v1/chat/completions"
)

// Client wraps a single model endpoint. It holds no per-call state and is
// safe for concurrent use.
type Client struct {
	endpoint      models.ModelEndpoint
	baseURL       string
	timeout       time.Duration
	healthTimeout time.Duration
	httpClient    *http.Client
	logger        *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the inference request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHealthTimeout sets the probe timeout. Values above 5s are capped.
func WithHealthTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 && d <= DefaultHealthTimeout {
			c.healthTimeout = d
		}
	}
}

// WithBaseURL overrides the URL derived from host and port.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client for endpoint.
func NewClient(endpoint models.ModelEndpoint, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		endpoint:      endpoint,
		baseURL:       endpoint.BaseURL(),
		timeout:       DefaultTimeout,
		healthTimeout: DefaultHealthTimeout,
		httpClient:    &http.Client{},
		logger:        logger.With("model", endpoint.Name),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the endpoint this client calls.
func (c *Client) Endpoint() models.ModelEndpoint {
	return c.endpoint
}

// HealthCheck probes GET /health. Any error, timeout or non-200 reports false.
func (c *Client) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	url := c.baseURL + healthPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.logger.Error("cannot build health request", "url", url, "error", err)
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("cannot reach server", "url", c.baseURL, "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("server is not healthy", "url", c.baseURL, "status", resp.StatusCode)
		return false
	}
	c.logger.Info("server is healthy", "url", c.baseURL)
	return true
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	VideoURL *videoURL `json:"video_url,omitempty"`
}

type videoURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Infer sends one chat completion with prompt and the video reference and
// returns the first choice's text. Errors are *TransportError,
// *TimeoutError, *HTTPStatusError or *DecodeError. No retries.
func (c *Client) Infer(ctx context.Context, videoLocator, prompt string, maxTokens int, temperature float64) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model: c.endpoint.ModelPath,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: prompt},
				{Type: "video_url", VideoURL: &videoURL{URL: videoLocator}},
			},
		}},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := c.baseURL + completionsPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", &TransportError{URL: url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("sending request", "url", url, "video", videoLocator)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", c.classify(url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", c.classify(url, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &HTTPStatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var decoded chatResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", &DecodeError{Err: err}
	}
	if len(decoded.Choices) == 0 {
		return "", &DecodeError{Err: errors.New("response has no choices")}
	}
	content := decoded.Choices[0].Message.Content
	if content == nil {
		return "", &DecodeError{Err: errors.New("first choice has no message content")}
	}
	return *content, nil
}

func (c *Client) classify(url string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{URL: url, Timeout: c.timeout}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{URL: url, Timeout: c.timeout}
	}
	return &TransportError{URL: url, Err: err}
}
