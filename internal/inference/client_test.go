package inference

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/videobench/internal/models"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	endpoint := models.ModelEndpoint{Name: "m1", ModelPath: "org/vl-model"}
	return NewClient(endpoint, quietLogger(), append([]Option{WithBaseURL(srv.URL)}, opts...)...)
}

func TestInferSendsWireContract(t *testing.T) {
	var got map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, completionsPath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"id":"x","choices":[{"message":{"role":"assistant","content":"Final Count: 3"}}]}`)
	})

	text, err := client.Infer(context.Background(), "http://videos/a.mp4", "count cubes", 256, 0.5)
	require.NoError(t, err)
	assert.Equal(t, "Final Count: 3", text)

	assert.Equal(t, "org/vl-model", got["model"])
	assert.EqualValues(t, 256, got["max_tokens"])
	assert.EqualValues(t, 0.5, got["temperature"])

	messages := got["messages"].([]any)
	require.Len(t, messages, 1)
	msg := messages[0].(map[string]any)
	assert.Equal(t, "user", msg["role"])
	content := msg["content"].([]any)
	require.Len(t, content, 2)
	assert.Equal(t, map[string]any{"type": "text", "text": "count cubes"}, content[0])
	assert.Equal(t, map[string]any{
		"type":      "video_url",
		"video_url": map[string]any{"url": "http://videos/a.mp4"},
	}, content[1])
}

func TestInferNon200(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model exploded", http.StatusInternalServerError)
	})

	_, err := client.Infer(context.Background(), "u", "p", 10, 0)
	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, 500, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "model exploded")
}

func TestInferDecodeErrors(t *testing.T) {
	bodies := map[string]string{
		"not json":   `<html>`,
		"no choices": `{"choices":[]}`,
		"no content": `{"choices":[{"message":{}}]}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, body)
			})
			_, err := client.Infer(context.Background(), "u", "p", 10, 0)
			var decodeErr *DecodeError
			assert.True(t, errors.As(err, &decodeErr), "got %v", err)
		})
	}
}

func TestInferTimeout(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, WithTimeout(50*time.Millisecond))
	defer close(release)

	_, err := client.Infer(context.Background(), "u", "p", 10, 0)
	var timeoutErr *TimeoutError
	require.True(t, errors.As(err, &timeoutErr), "got %v", err)
	assert.Equal(t, 50*time.Millisecond, timeoutErr.Timeout)
	assert.Contains(t, err.Error(), "timed out")
}

func TestInferTransportError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	client := NewClient(models.ModelEndpoint{Name: "gone"}, quietLogger(), WithBaseURL("http://"+addr))
	_, err = client.Infer(context.Background(), "u", "p", 10, 0)
	var transportErr *TransportError
	assert.True(t, errors.As(err, &transportErr), "got %v", err)
}

func TestHealthCheck(t *testing.T) {
	healthy := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, healthPath, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})
	assert.True(t, healthy.HealthCheck(context.Background()))

	unhealthy := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	assert.False(t, unhealthy.HealthCheck(context.Background()))

	unreachable := NewClient(models.ModelEndpoint{Name: "x"}, quietLogger(), WithBaseURL("http://127.0.0.1:1"))
	assert.False(t, unreachable.HealthCheck(context.Background()))
}

func TestHealthCheckTimeout(t *testing.T) {
	release := make(chan struct{})
	slow := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, WithHealthTimeout(50*time.Millisecond))
	defer close(release)

	start := time.Now()
	assert.False(t, slow.HealthCheck(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWithHealthTimeoutCapped(t *testing.T) {
	c := NewClient(models.ModelEndpoint{}, quietLogger(), WithHealthTimeout(time.Minute))
	assert.Equal(t, DefaultHealthTimeout, c.healthTimeout)
}
