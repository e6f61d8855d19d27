package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/llmbatch/pkg/batch"
	"github.com/pario-ai/llmbatch/pkg/budget"
	"github.com/pario-ai/llmbatch/pkg/cache"
	"github.com/pario-ai/llmbatch/pkg/config"
	"github.com/pario-ai/llmbatch/pkg/dataset"
	"github.com/pario-ai/llmbatch/pkg/llm"
	"github.com/pario-ai/llmbatch/pkg/logging"
	"github.com/pario-ai/llmbatch/pkg/metrics"
	"github.com/pario-ai/llmbatch/pkg/models"
	"github.com/pario-ai/llmbatch/pkg/tracker"
)

type runFlags struct {
	input         string
	output        string
	maxRows       int
	sample        int
	seed          uint64
	noCache       bool
	concurrency   int
	metricsListen string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process the configured CSV and write results",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			f.apply(cmd, cfg)
			if err := cfg.ValidateTask(); err != nil {
				return err
			}

			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runBatch(ctx, cfg, logger, nil, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&f.input, "input", "", "input CSV (overrides task.input_csv)")
	cmd.Flags().StringVar(&f.output, "output", "", "output CSV (overrides task.output_csv)")
	cmd.Flags().IntVar(&f.maxRows, "max-rows", 0, "process at most N rows")
	cmd.Flags().IntVar(&f.sample, "sample", 0, "process a random sample of N rows")
	cmd.Flags().Uint64Var(&f.seed, "seed", 0, "sample seed")
	cmd.Flags().BoolVar(&f.noCache, "no-cache", false, "disable the response cache")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 0, "maximum concurrent requests")
	cmd.Flags().StringVar(&f.metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address during the run")
	return cmd
}

func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("input") {
		cfg.Task.InputCSV = f.input
	}
	if flags.Changed("output") {
		cfg.Task.OutputCSV = f.output
	}
	if flags.Changed("max-rows") {
		cfg.Task.MaxRows = f.maxRows
	}
	if flags.Changed("sample") {
		cfg.Task.SampleSize = f.sample
	}
	if flags.Changed("seed") {
		cfg.Task.Seed = f.seed
	}
	if f.noCache {
		cfg.Cache.Enabled = false
	}
	if flags.Changed("concurrency") {
		cfg.Batch.Concurrency = f.concurrency
	}
	if flags.Changed("metrics-listen") {
		cfg.Metrics.Listen = f.metricsListen
	}
}

// runBatch executes one run end to end. transport overrides the
// configured provider when non-nil.
func runBatch(ctx context.Context, cfg *config.Config, logger *zap.Logger, transport llm.Transport, out io.Writer) error {
	start := time.Now()

	tbl, err := dataset.ReadCSV(cfg.Task.InputCSV)
	if err != nil {
		return err
	}
	all, err := tbl.Rows(cfg.Task.InputColumn, cfg.Task.IDColumn)
	if err != nil {
		return err
	}
	rows, err := dataset.Select(all, cfg.Task.Filter, cfg.Task.MaxRows, cfg.Task.SampleSize, cfg.Task.Seed)
	if err != nil {
		return err
	}
	logger.Info("dataset loaded",
		zap.String("input", cfg.Task.InputCSV),
		zap.Int("records", len(all)),
		zap.Int("selected", len(rows)),
	)

	if transport == nil {
		if transport, err = newTransport(cfg); err != nil {
			return err
		}
	}
	exec := llm.NewExecutor(transport, cfg.Batch.Timeout, logger)

	tr, err := tracker.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("init tracker: %w", err)
	}
	defer func() { _ = tr.Close() }()

	runID, err := tr.StartRun(ctx, cfg.Model(), cfg.Task.InputCSV)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	options := []batch.Option{
		batch.WithLogger(logger.With(zap.String("run_id", runID))),
		batch.WithMetrics(collector),
		batch.WithUsage(tr, runID),
	}
	if cfg.Cache.Enabled {
		store, err := openCache(ctx, cfg, logger)
		switch {
		case errors.Is(err, cache.ErrUnavailable):
			logger.Warn("cache unavailable, continuing without it", zap.Error(err))
		case err != nil:
			return err
		default:
			defer func() { _ = store.Close() }()
			options = append(options, batch.WithCache(store))
		}
	}
	if cfg.Budget.Enabled {
		options = append(options, batch.WithBudget(budget.New(cfg.Budget.Policies, tr)))
	}

	proc, err := batch.New(exec, cfg.BatchOptions(), options...)
	if err != nil {
		return err
	}
	runner := batch.NewRunner(proc, cfg.Batch.ChunkSize, dataset.OpenProgress(cfg.ProgressPath(), logger), logger)

	var (
		results []models.Result
		runErr  error
	)
	g, gctx := errgroup.WithContext(ctx)
	runCtx, finish := context.WithCancel(gctx)
	defer finish()

	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("serving metrics", zap.String("addr", cfg.Metrics.Listen))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-runCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		defer finish()
		results, runErr = runner.Run(runCtx, rows)
		return nil
	})
	serveErr := g.Wait()

	if results == nil {
		return errors.Join(runErr, serveErr)
	}

	merged := dataset.Merge(tbl, results, cfg.Task.OutputFields)
	output := cfg.OutputPath()
	if err := dataset.WriteCSV(output, merged); err != nil {
		return errors.Join(err, runErr, serveErr)
	}

	stats := models.Summarize(results)
	if err := tr.FinishRun(context.WithoutCancel(ctx), runID, stats); err != nil {
		logger.Warn("finish run failed", zap.Error(err))
	}
	printSummary(out, runID, stats, output, time.Since(start))
	return errors.Join(runErr, serveErr)
}

func printSummary(w io.Writer, runID string, s models.BatchStats, output string, elapsed time.Duration) {
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	dim := color.New(color.Faint)

	_, _ = bold.Fprintf(w, "Run %s\n", runID)
	_, _ = fmt.Fprintf(w, "  rows:       %d\n", s.Rows)
	_, _ = fmt.Fprintf(w, "  succeeded:  %s\n", green.Sprint(s.Succeeded))
	failed := fmt.Sprint(s.Failed)
	if s.Failed > 0 {
		failed = red.Sprint(s.Failed)
	}
	_, _ = fmt.Fprintf(w, "  failed:     %s\n", failed)
	_, _ = fmt.Fprintf(w, "  cache hits: %d\n", s.CacheHits)
	_, _ = fmt.Fprintf(w, "  api calls:  %d\n", s.APICalls)
	_, _ = dim.Fprintf(w, "  %s in %s\n", output, elapsed.Round(time.Millisecond))
}
