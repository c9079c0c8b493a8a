// Package analyzer drives a batch run: every discovered video is sent to
// every enabled model endpoint and each outcome is handed to the result store.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bdougie/videobench/internal/config"
	"github.com/bdougie/videobench/internal/corpus"
	"github.com/bdougie/videobench/internal/models"
	"github.com/bdougie/videobench/internal/storage"
)

// State of a batch run. Runs move forward only.
type State int32

const (
	StateIdle State = iota
	StateHealthChecking
	StateProcessing
	StateSummarizing
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHealthChecking:
		return "health-checking"
	case StateProcessing:
		return "processing"
	case StateSummarizing:
		return "summarizing"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ErrAlreadyRun is returned when Run is called on an orchestrator that has left Idle.
var ErrAlreadyRun = errors.New("batch run already started")

const unhealthySkipMessage = "endpoint unhealthy, skipped"

// Summarizer produces the end-of-run store summary.
type Summarizer interface {
	Summarize() storage.Summary
}

// Options controls one batch run.
type Options struct {
	VideosDir    string
	ResultsDir   string
	Sampling     models.SamplingParams
	Concurrency  int                 // Models in flight per video; <= 1 is sequential.
	HealthPolicy config.HealthPolicy // Defaults to fail-open.
}

// Orchestrator owns the endpoint snapshot and runs a single pass over the corpus.
type Orchestrator struct {
	clients    []InferenceClient
	recorder   storage.Recorder
	summarizer Summarizer
	opts       Options
	logger     *slog.Logger
	state      atomic.Int32
}

// New snapshots clients; later changes to the caller's slice are not seen.
func New(clients []InferenceClient, recorder storage.Recorder, summarizer Summarizer, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.HealthPolicy == "" {
		opts.HealthPolicy = config.FailOpen
	}
	snapshot := make([]InferenceClient, len(clients))
	copy(snapshot, clients)
	return &Orchestrator{
		clients:    snapshot,
		recorder:   recorder,
		summarizer: summarizer,
		opts:       opts,
		logger:     logger,
	}
}

// State returns the current run state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) advance(s State) {
	o.state.Store(int32(s))
	o.logger.Debug("batch state", "state", s)
}

// Run health-checks every endpoint, attempts every (video, model) pair once
// and summarizes the store. Per-pair failures are recorded, not returned;
// the error is reserved for setup failures. Cancelling ctx stops the run
// between pairs; in-flight calls finish under their own timeout.
func (o *Orchestrator) Run(ctx context.Context, videoURLBase, promptOverride string) (*BatchReport, error) {
	if !o.state.CompareAndSwap(int32(StateIdle), int32(StateHealthChecking)) {
		return nil, ErrAlreadyRun
	}

	prompt := promptOverride
	if prompt == "" {
		prompt = DefaultPrompt
	}
	report := &BatchReport{
		RunID:      uuid.NewString(),
		StartedAt:  time.Now(),
		ResultsDir: o.opts.ResultsDir,
	}
	o.logger.Info("starting video inference pipeline", "run_id", report.RunID, "models", len(o.clients))

	report.Health = CheckHealth(ctx, o.clients)
	for _, c := range o.clients {
		if name := c.Endpoint().Name; !report.Health[name] {
			report.Unhealthy = append(report.Unhealthy, name)
		}
	}
	if len(report.Unhealthy) > 0 {
		if o.opts.HealthPolicy == config.FailClosed {
			o.logger.Warn("unhealthy servers will be skipped", "models", report.Unhealthy)
		} else {
			o.logger.Warn("some servers are not healthy, proceeding anyway", "models", report.Unhealthy)
		}
	}

	o.advance(StateProcessing)
	videos, err := corpus.Discover(o.opts.VideosDir, o.logger)
	if err != nil {
		o.advance(StateDone)
		return nil, err
	}
	if len(videos) == 0 {
		o.logger.Warn("no video files found", "dir", o.opts.VideosDir)
	}
	if len(o.clients) == 0 {
		o.logger.Warn("no enabled models configured")
	}

	remaining := atomic.Int64{}
	remaining.Store(int64(len(videos) * len(o.clients)))

	for idx, video := range videos {
		if ctx.Err() != nil {
			report.Interrupted = true
			break
		}
		o.logger.Info("processing video", "video", video.Name, "index", idx+1, "total", len(videos))
		run := pairRun{
			runID:  report.RunID,
			video:  video,
			url:    corpus.URL(videoURLBase, video),
			prompt: prompt,
			health: report.Health,
		}
		pairs, interrupted := o.processVideo(ctx, run, &remaining)
		report.Videos = append(report.Videos, VideoReport{Video: video.Name, Pairs: pairs})
		if interrupted {
			report.Interrupted = true
			break
		}
	}
	if report.Interrupted {
		o.logger.Warn("run interrupted, remaining pairs not attempted", "remaining", remaining.Load())
	}

	o.advance(StateSummarizing)
	report.tally()
	if o.summarizer != nil {
		report.Store = o.summarizer.Summarize()
	}
	report.FinishedAt = time.Now()
	o.advance(StateDone)

	report.Log(o.logger)
	return report, nil
}

type pairRun struct {
	runID  string
	video  models.VideoItem
	url    string
	prompt string
	health map[string]bool
}

// processVideo attempts every client for one video. Results keep client
// order regardless of completion order.
func (o *Orchestrator) processVideo(ctx context.Context, run pairRun, remaining *atomic.Int64) ([]PairResult, bool) {
	results := make([]PairResult, len(o.clients))
	attempted := make([]bool, len(o.clients))
	interrupted := false

	workers := o.opts.Concurrency
	if workers < 1 {
		workers = 1
	}
	if workers > len(o.clients) {
		workers = len(o.clients)
	}

	workChan := make(chan int)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range workChan {
				// A pair handed over after cancellation is not started.
				if ctx.Err() != nil {
					continue
				}
				results[idx] = o.attempt(ctx, run, o.clients[idx])
				attempted[idx] = true
				left := remaining.Add(-1)
				o.logger.Debug("pairs remaining", "remaining", left)
			}
		}()
	}

	for idx := range o.clients {
		if ctx.Err() != nil {
			interrupted = true
			break
		}
		select {
		case workChan <- idx:
		case <-ctx.Done():
			interrupted = true
		}
		if interrupted {
			break
		}
	}
	close(workChan)
	wg.Wait()

	var out []PairResult
	for idx, ok := range attempted {
		if ok {
			out = append(out, results[idx])
		} else {
			interrupted = true
		}
	}
	return out, interrupted
}

// attempt runs one pair and records exactly one outcome for it.
func (o *Orchestrator) attempt(ctx context.Context, run pairRun, client InferenceClient) PairResult {
	endpoint := client.Endpoint()
	healthy := run.health[endpoint.Name]
	logger := o.logger.With("video", run.video.Name, "model", endpoint.Name)

	// Pair outcomes must be recorded even when the run is interrupted.
	persistCtx := context.WithoutCancel(ctx)

	var outcome models.Outcome
	if !healthy && o.opts.HealthPolicy == config.FailClosed {
		logger.Warn("skipping unhealthy endpoint")
		outcome = models.NewFailure(run.video, endpoint, errors.New(unhealthySkipMessage))
		o.annotate(&outcome, run, endpoint, healthy)
		return o.record(persistCtx, logger, outcome)
	}

	logger.Info("running inference")
	start := time.Now()
	text, err := safeInfer(persistCtx, client, run.url, run.prompt, o.opts.Sampling)
	elapsed := time.Since(start)

	switch {
	case err != nil:
		outcome = models.NewFailure(run.video, endpoint, err)
		logger.Error("inference failed", "error", err, "duration", elapsed)
	case text == "":
		outcome = models.NewFailure(run.video, endpoint, errors.New("API returned no response"))
		logger.Error("inference returned an empty response", "duration", elapsed)
	default:
		outcome = models.NewSuccess(run.video, endpoint, text)
		logger.Info("inference completed", "duration", elapsed)
	}
	outcome.InferenceTime = elapsed
	o.annotate(&outcome, run, endpoint, healthy)
	return o.record(persistCtx, logger, outcome)
}

// safeInfer turns a panicking client into an ordinary pair failure.
func safeInfer(ctx context.Context, client InferenceClient, url, prompt string, sampling models.SamplingParams) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("unexpected error: %v", r)
		}
	}()
	return client.Infer(ctx, url, prompt, sampling.MaxTokens, sampling.Temperature)
}

func (o *Orchestrator) annotate(outcome *models.Outcome, run pairRun, endpoint models.ModelEndpoint, healthy bool) {
	outcome.Sampling = o.opts.Sampling
	outcome.Metadata = models.Metadata{
		RunID:     run.runID,
		VideoPath: run.video.Path,
		VideoURL:  run.url,
		Endpoint:  endpoint.BaseURL(),
		Healthy:   healthy,
	}
}

func (o *Orchestrator) record(ctx context.Context, logger *slog.Logger, outcome models.Outcome) PairResult {
	recorded := o.recorder.Record(ctx, outcome)
	if !recorded {
		logger.Error("result dropped from durable storage")
	}
	return PairResult{
		Video:    outcome.VideoName,
		Model:    outcome.ModelName,
		Status:   outcome.Status,
		Error:    outcome.ErrorMessage,
		Duration: outcome.InferenceTime,
		Recorded: recorded,
	}
}

// Models returns the snapshotted endpoint names in run order.
func (o *Orchestrator) Models() []string {
	names := make([]string, 0, len(o.clients))
	for _, c := range o.clients {
		names = append(names, c.Endpoint().Name)
	}
	return names
}
