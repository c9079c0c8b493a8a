package embeddings

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
)

// ErrQueueFull is returned by GetEmbedding when every worker is busy and the queue is at capacity.
var ErrQueueFull = errors.New("embedding queue is full, try again later")

// ErrClosed is returned once the service has been closed.
var ErrClosed = errors.New("embedding service is closed")

const queueSize = 100

// Backend generates an embedding for one piece of text.
type Backend interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Result represents the result of embedding generation
type Result struct {
	Content   string
	Embedding []float32
	Error     error
}

// Work represents a unit of embedding work
type Work struct {
	Ctx     context.Context
	Content string
	Result  chan<- Result
}

// Service manages embedding generation and caching
type Service struct {
	backend    Backend
	numWorkers int
	workQueue  chan Work
	cache      sync.Map // Thread-safe map for caching embeddings

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewOllamaBackend creates a langchaingo embedder against an Ollama server.
// An empty host uses the client's default (OLLAMA_HOST or localhost).
func NewOllamaBackend(host, model string) (Backend, error) {
	opts := []ollama.Option{ollama.WithModel(model)}
	if host != "" {
		opts = append(opts, ollama.WithServerURL(host))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("create ollama embedder: %w", err)
	}
	return embedder, nil
}

// NewService creates a new embedding service with the specified number of workers
func NewService(backend Backend, numWorkers int) *Service {
	if numWorkers <= 0 {
		numWorkers = 4
	}

	service := &Service{
		backend:    backend,
		numWorkers: numWorkers,
		workQueue:  make(chan Work, queueSize),
	}
	service.startWorkers()
	return service
}

// startWorkers starts a pool of goroutines for generating embeddings
func (s *Service) startWorkers() {
	for i := 0; i < s.numWorkers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for work := range s.workQueue {
				if cached, ok := s.cache.Load(work.Content); ok {
					work.Result <- Result{Content: work.Content, Embedding: cached.([]float32)}
					continue
				}

				embedding, err := s.backend.EmbedQuery(work.Ctx, work.Content)
				if err == nil {
					s.cache.Store(work.Content, embedding)
				}
				work.Result <- Result{
					Content:   work.Content,
					Embedding: embedding,
					Error:     err,
				}
			}
		}()
	}
}

// GetEmbedding requests an embedding asynchronously. A full queue fails
// immediately with ErrQueueFull.
func (s *Service) GetEmbedding(ctx context.Context, content string) <-chan Result {
	resultChan := make(chan Result, 1)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		resultChan <- Result{Content: content, Error: ErrClosed}
		return resultChan
	}

	select {
	case s.workQueue <- Work{Ctx: ctx, Content: content, Result: resultChan}:
	default:
		resultChan <- Result{Content: content, Error: ErrQueueFull}
	}
	return resultChan
}

// Embed blocks until content is embedded or ctx is done.
func (s *Service) Embed(ctx context.Context, content string) ([]float32, error) {
	select {
	case res := <-s.GetEmbedding(ctx, content):
		return res.Embedding, res.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts down the embedding service and waits for all workers to finish
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.workQueue)
	s.mu.Unlock()
	s.wg.Wait()
}
