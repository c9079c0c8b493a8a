package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bdougie/videobench/internal/analyzer"
	"github.com/bdougie/videobench/internal/config"
	"github.com/bdougie/videobench/internal/embeddings"
	"github.com/bdougie/videobench/internal/storage"
)

const embeddingWorkers = 4

// app holds flag values and what PersistentPreRunE builds from them.
type app struct {
	configPath   string
	videoURLBase string
	logLevel     string
	logFile      string
	customPrompt string
	searchLimit  int

	cfg      *config.Config
	logger   *slog.Logger
	closeLog func() error
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "videobench",
		Short: "Batch video inference across VLM endpoints",
		Long: `videobench sends every video in the configured directory to every enabled
model endpoint and appends one CSV row per (video, model) attempt.

Running videobench without a subcommand is the same as 'videobench run'.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.closeLog != nil {
				_ = a.closeLog()
			}
		},
		RunE: a.runBatch,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", config.DefaultPath, "path to the YAML model configuration")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "INFO", "log level (DEBUG, INFO, WARN, ERROR)")
	root.PersistentFlags().StringVar(&a.logFile, "log-file", "inference.log", "JSON log file; empty disables file logging")
	addRunFlags(root, a)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run inference for every video against every enabled model",
		Example: `  videobench run
  videobench run --config config/models.yaml --video-url-base http://10.0.0.5:8000
  videobench run --custom-prompt "Describe the video"`,
		RunE: a.runBatch,
	}
	addRunFlags(runCmd, a)

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Probe every enabled model endpoint",
		RunE:  a.runHealth,
	}

	summaryCmd := &cobra.Command{
		Use:   "summary",
		Short: "Print row counts for every results file",
		RunE:  a.runSummary,
	}

	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Find mirrored responses similar to a query",
		Long: `Search the Postgres mirror for model responses similar to the query.

Requires postgres.url in the configuration and a reachable Ollama server
for the query embedding.`,
		Args: cobra.ExactArgs(1),
		RunE: a.runSearch,
	}
	searchCmd.Flags().IntVarP(&a.searchLimit, "limit", "n", 10, "max results")

	root.AddCommand(runCmd, healthCmd, summaryCmd, searchCmd)
	return root
}

func addRunFlags(cmd *cobra.Command, a *app) {
	cmd.Flags().StringVar(&a.videoURLBase, "video-url-base", "http://localhost:8000", "base URL the model servers fetch videos from")
	cmd.Flags().StringVar(&a.customPrompt, "custom-prompt", "", "prompt to send instead of the default")
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	a.logger, a.closeLog = config.SetupLogger(a.logFile, config.ParseLogLevel(a.logLevel))

	cfg, err := config.Load(a.configPath)
	if err != nil {
		a.logger.Error("failed to load configuration", "error", err)
		return err
	}
	a.cfg = cfg
	return nil
}

func (a *app) runBatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	store, err := storage.NewCSVStore(a.cfg.Directories.Results, a.logger)
	if err != nil {
		return err
	}

	var mirrors []storage.Recorder
	if a.cfg.Postgres.URL != "" {
		pg, cleanup, err := a.openMirror(ctx)
		if err != nil {
			return err
		}
		defer cleanup()
		mirrors = append(mirrors, pg)
	}
	recorder := storage.NewFanout(store, a.logger, a.cfg.Postgres.MirrorTimeout(), mirrors...)

	clients := analyzer.NewClients(a.cfg.Endpoints(), a.cfg.Inference, a.logger)
	orch := analyzer.New(clients, recorder, store, analyzer.Options{
		VideosDir:    a.cfg.Directories.Videos,
		ResultsDir:   store.Dir(),
		Sampling:     a.cfg.Inference.Sampling(),
		Concurrency:  a.cfg.Inference.Concurrency,
		HealthPolicy: a.cfg.Inference.HealthPolicy,
	}, a.logger)

	report, err := orch.Run(ctx, a.videoURLBase, a.customPrompt)
	if err != nil {
		return err
	}
	return report.Render(cmd.OutOrStdout())
}

func (a *app) runHealth(cmd *cobra.Command, args []string) error {
	clients := analyzer.NewClients(a.cfg.Endpoints(), a.cfg.Inference, a.logger)
	health := analyzer.CheckHealth(cmd.Context(), clients)

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tENDPOINT\tSTATUS")
	for _, c := range clients {
		ep := c.Endpoint()
		status := "healthy"
		if !health[ep.Name] {
			status = "unhealthy"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", ep.Name, ep.BaseURL(), status)
	}
	return tw.Flush()
}

func (a *app) runSummary(cmd *cobra.Command, args []string) error {
	store, err := storage.NewCSVStore(a.cfg.Directories.Results, a.logger)
	if err != nil {
		return err
	}
	summary := store.Summarize()

	names := make([]string, 0, len(summary.Files))
	for name := range summary.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, name := range names {
		fmt.Fprintf(tw, "%s\t%d\n", name, summary.Files[name])
	}
	fmt.Fprintf(tw, "Total CSV files:\t%d\n", summary.TotalFiles)
	fmt.Fprintf(tw, "Total results:\t%d\n", summary.TotalRecords)
	fmt.Fprintf(tw, "Output directory:\t%s\n", store.Dir())
	return tw.Flush()
}

func (a *app) runSearch(cmd *cobra.Command, args []string) error {
	if a.cfg.Postgres.URL == "" {
		return errors.New("search needs postgres.url in the configuration")
	}
	ctx := cmd.Context()
	pg, cleanup, err := a.openMirror(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	results, err := pg.SearchSimilar(ctx, args[0], a.searchLimit)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintln(out, "No results found.")
		return nil
	}
	fmt.Fprintf(out, "Found %d results:\n\n", len(results))
	for i, r := range results {
		fmt.Fprintf(out, "%d. %s / %s (similarity %.3f)\n", i+1, r.VideoName, r.ModelName, r.Similarity)
		fmt.Fprintf(out, "   %s\n\n", analyzer.Truncate(r.Response, 200))
	}
	return nil
}

// openMirror connects the Postgres mirror with an Ollama-backed embedder.
func (a *app) openMirror(ctx context.Context) (*storage.PostgresStore, func(), error) {
	backend, err := embeddings.NewOllamaBackend(a.cfg.Embeddings.OllamaHost, a.cfg.Embeddings.Model)
	if err != nil {
		return nil, nil, fmt.Errorf("init embedder: %w", err)
	}
	svc := embeddings.NewService(backend, embeddingWorkers)

	pg, err := storage.NewPostgresStore(ctx, a.cfg.Postgres.URL, svc, a.logger)
	if err != nil {
		svc.Close()
		return nil, nil, err
	}
	a.logger.Info("postgres mirror enabled", "embed_model", a.cfg.Embeddings.Model)
	return pg, func() {
		pg.Close()
		svc.Close()
	}, nil
}
