package analyzer

import (
	"context"
	"log/slog"

	"github.com/bdougie/videobench/internal/config"
	"github.com/bdougie/videobench/internal/inference"
	"github.com/bdougie/videobench/internal/models"
)

// InferenceClient is the per-endpoint transport the orchestrator drives.
type InferenceClient interface {
	Endpoint() models.ModelEndpoint
	HealthCheck(ctx context.Context) bool
	Infer(ctx context.Context, videoLocator, prompt string, maxTokens int, temperature float64) (string, error)
}

// NewClients builds one HTTP client per endpoint, in endpoint order.
func NewClients(endpoints []models.ModelEndpoint, settings config.Inference, logger *slog.Logger) []InferenceClient {
	clients := make([]InferenceClient, 0, len(endpoints))
	for _, ep := range endpoints {
		clients = append(clients, inference.NewClient(ep, logger,
			inference.WithTimeout(settings.RequestTimeout()),
			inference.WithHealthTimeout(settings.ProbeTimeout()),
		))
	}
	logger.Info("model clients initialized", "count", len(clients))
	return clients
}

// CheckHealth probes every client and returns health keyed by model name.
func CheckHealth(ctx context.Context, clients []InferenceClient) map[string]bool {
	health := make(map[string]bool, len(clients))
	for _, c := range clients {
		health[c.Endpoint().Name] = c.HealthCheck(ctx)
	}
	return health
}
