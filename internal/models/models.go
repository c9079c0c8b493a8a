package models

import (
	"fmt"
	"time"
)

// ModelEndpoint describes one configured model server
type ModelEndpoint struct {
	Name      string
	Host      string
	Port      int
	ModelPath string
	Enabled   bool
}

// BaseURL returns the server root, e.g. http://localhost:30000
func (e ModelEndpoint) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", e.Host, e.Port)
}

// VideoItem represents a video to be processed
type VideoItem struct {
	Path string
	Name string
}

// Status of a single inference attempt
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// SamplingParams are the generation settings used for an attempt.
// TopK and TopP are nil when not configured.
type SamplingParams struct {
	Temperature float64
	MaxTokens   int
	TopK        *int
	TopP        *float64
}

// Metadata is stored alongside each outcome as a flat JSON object
type Metadata struct {
	RunID     string `json:"run_id"`
	VideoPath string `json:"video_path,omitempty"`
	VideoURL  string `json:"video_url,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	Healthy   bool   `json:"healthy"`
}

// Outcome is the result of one (video, model) attempt. Exactly one of
// Response and ErrorMessage is set, matching Status.
type Outcome struct {
	VideoName     string
	ModelName     string
	ModelPath     string
	Status        Status
	Response      string
	ErrorMessage  string
	Sampling      SamplingParams
	InferenceTime time.Duration
	Timestamp     time.Time
	Metadata      Metadata
}

// NewSuccess builds a success outcome carrying the model's text
func NewSuccess(video VideoItem, endpoint ModelEndpoint, response string) Outcome {
	return Outcome{
		VideoName: video.Name,
		ModelName: endpoint.Name,
		ModelPath: endpoint.ModelPath,
		Status:    StatusSuccess,
		Response:  response,
		Timestamp: time.Now(),
	}
}

// NewFailure builds an error outcome. An empty cause still yields a
// non-empty message.
func NewFailure(video VideoItem, endpoint ModelEndpoint, cause error) Outcome {
	msg := "unknown error"
	if cause != nil && cause.Error() != "" {
		msg = cause.Error()
	}
	return Outcome{
		VideoName:    video.Name,
		ModelName:    endpoint.Name,
		ModelPath:    endpoint.ModelPath,
		Status:       StatusError,
		ErrorMessage: msg,
		Timestamp:    time.Now(),
	}
}

// Valid reports whether the outcome satisfies the response/error exclusivity rule
func (o Outcome) Valid() bool {
	switch o.Status {
	case StatusSuccess:
		return o.Response != "" && o.ErrorMessage == ""
	case StatusError:
		return o.ErrorMessage != "" && o.Response == ""
	}
	return false
}
