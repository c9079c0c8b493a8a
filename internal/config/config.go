// Package config loads the YAML run configuration: model endpoints,
// inference defaults, and the video and result directories.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bdougie/videobench/internal/models"
)

// HealthPolicy decides what happens to endpoints that fail the health probe.
type HealthPolicy string

const (
	FailOpen   HealthPolicy = "fail-open"   // Warn and call the endpoint anyway (default).
	FailClosed HealthPolicy = "fail-closed" // Skip calls, record an error outcome per pair.
)

const (
	DefaultPath         = "config/models.yaml"
	DefaultTimeout      = 60 * time.Second
	DefaultMaxTokens    = 1024
	MaxHealthTimeout    = 5 * time.Second
	DefaultEmbedModel   = "all-minilm"
	DefaultVideosDir    = "videos"
	DefaultResultsDir   = "results"
	defaultConcurrency  = 1
	defaultHealthPolicy = FailOpen
)

// ConfigurationError aborts the run before any processing begins.
type ConfigurationError struct {
	Path string
	Err  error
}

func (e *ConfigurationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("configuration: %v", e.Err)
	}
	return fmt.Sprintf("configuration %s: %v", e.Path, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Config holds all runtime settings.
type Config struct {
	Models      []Model     `yaml:"models"`
	Inference   Inference   `yaml:"inference"`
	Directories Directories `yaml:"directories"`
	Postgres    Postgres    `yaml:"postgres"`
	Embeddings  Embeddings  `yaml:"embeddings"`
}

// Model is one endpoint entry. Enabled defaults to true when omitted.
type Model struct {
	Name      string `yaml:"name"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	ModelPath string `yaml:"model_path"`
	Enabled   *bool  `yaml:"enabled"`
}

type Inference struct {
	Timeout       float64      `yaml:"timeout"`        // Seconds. Default: 60.
	HealthTimeout float64      `yaml:"health_timeout"` // Seconds. Capped at 5.
	MaxTokens     int          `yaml:"max_tokens"`     // Default: 1024.
	Temperature   float64      `yaml:"temperature"`    // Default: 0.
	TopK          *int         `yaml:"top_k"`          // Recorded only.
	TopP          *float64     `yaml:"top_p"`          // Recorded only.
	Concurrency   int          `yaml:"concurrency"`    // Models in flight per video. Default: 1.
	HealthPolicy  HealthPolicy `yaml:"health_policy"`  // Default: fail-open.
}

type Directories struct {
	Videos  string `yaml:"videos"`
	Results string `yaml:"results"`
}

// Postgres enables the result mirror when URL is set.
type Postgres struct {
	URL     string  `yaml:"url"`
	Timeout float64 `yaml:"timeout"` // Seconds per mirrored write. Default: inference timeout.
}

// Embeddings configures the embedder used by the Postgres mirror.
type Embeddings struct {
	OllamaHost string `yaml:"ollama_host"`
	Model      string `yaml:"model"`
}

// Load reads, defaults and validates the file at path. Every failure is a
// *ConfigurationError.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Path: path, Err: err}
	}
	cfg, err := Parse(data)
	if err != nil {
		var cerr *ConfigurationError
		if errors.As(err, &cerr) {
			cerr.Path = path
		}
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML bytes, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ConfigurationError{Err: fmt.Errorf("parse yaml: %w", err)}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, &ConfigurationError{Err: err}
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Inference.Timeout == 0 {
		c.Inference.Timeout = DefaultTimeout.Seconds()
	}
	if c.Inference.HealthTimeout == 0 || c.Inference.HealthTimeout > MaxHealthTimeout.Seconds() {
		c.Inference.HealthTimeout = MaxHealthTimeout.Seconds()
	}
	if c.Inference.MaxTokens == 0 {
		c.Inference.MaxTokens = DefaultMaxTokens
	}
	if c.Inference.Concurrency == 0 {
		c.Inference.Concurrency = defaultConcurrency
	}
	if c.Inference.HealthPolicy == "" {
		c.Inference.HealthPolicy = defaultHealthPolicy
	}
	c.Inference.HealthPolicy = HealthPolicy(strings.ToLower(string(c.Inference.HealthPolicy)))
	if c.Directories.Videos == "" {
		c.Directories.Videos = DefaultVideosDir
	}
	if c.Directories.Results == "" {
		c.Directories.Results = DefaultResultsDir
	}
	if c.Postgres.Timeout == 0 {
		c.Postgres.Timeout = c.Inference.Timeout
	}
	if c.Embeddings.Model == "" {
		c.Embeddings.Model = DefaultEmbedModel
	}
}

// Validate checks endpoint entries and inference settings.
func (c *Config) Validate() error {
	if len(c.Models) == 0 {
		return errors.New("no models configured")
	}
	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if strings.TrimSpace(m.Name) == "" {
			return fmt.Errorf("models[%d]: name is required", i)
		}
		if seen[m.Name] {
			return fmt.Errorf("models[%d]: duplicate name %q", i, m.Name)
		}
		seen[m.Name] = true
		if m.Host == "" {
			return fmt.Errorf("model %q: host is required", m.Name)
		}
		if m.Port < 1 || m.Port > 65535 {
			return fmt.Errorf("model %q: port %d out of range", m.Name, m.Port)
		}
		if m.ModelPath == "" {
			return fmt.Errorf("model %q: model_path is required", m.Name)
		}
	}

	in := c.Inference
	if c.Postgres.Timeout < 0 {
		return errors.New("postgres: timeout must not be negative")
	}
	if in.Timeout < 0 || in.HealthTimeout < 0 {
		return errors.New("inference: timeouts must not be negative")
	}
	if in.MaxTokens < 0 {
		return errors.New("inference: max_tokens must not be negative")
	}
	if in.Temperature < 0 {
		return errors.New("inference: temperature must not be negative")
	}
	if in.Concurrency < 0 {
		return errors.New("inference: concurrency must not be negative")
	}
	switch in.HealthPolicy {
	case FailOpen, FailClosed:
		// valid
	default:
		return fmt.Errorf("inference: invalid health_policy %q (use 'fail-open' or 'fail-closed')", in.HealthPolicy)
	}
	return nil
}

// Endpoints returns the enabled endpoints in configuration order. The slice
// is a copy; later changes to c do not affect it.
func (c *Config) Endpoints() []models.ModelEndpoint {
	var out []models.ModelEndpoint
	for _, m := range c.Models {
		enabled := m.Enabled == nil || *m.Enabled
		if !enabled {
			continue
		}
		out = append(out, models.ModelEndpoint{
			Name:      m.Name,
			Host:      m.Host,
			Port:      m.Port,
			ModelPath: m.ModelPath,
			Enabled:   true,
		})
	}
	return out
}

// RequestTimeout returns the inference timeout as a duration.
func (in Inference) RequestTimeout() time.Duration {
	return time.Duration(in.Timeout * float64(time.Second))
}

// ProbeTimeout returns the health probe timeout as a duration.
func (in Inference) ProbeTimeout() time.Duration {
	return time.Duration(in.HealthTimeout * float64(time.Second))
}

// MirrorTimeout returns the per-write deadline for the Postgres mirror.
func (p Postgres) MirrorTimeout() time.Duration {
	return time.Duration(p.Timeout * float64(time.Second))
}

// Sampling returns the configured generation settings.
func (in Inference) Sampling() models.SamplingParams {
	return models.SamplingParams{
		Temperature: in.Temperature,
		MaxTokens:   in.MaxTokens,
		TopK:        in.TopK,
		TopP:        in.TopP,
	}
}
