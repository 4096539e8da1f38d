package pkg

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/urfave/cli"
	"golang.org/x/xerrors"

	"github.com/cve-monitor/cve-monitor/pkg/config"
	"github.com/cve-monitor/cve-monitor/pkg/cvelist"
	"github.com/cve-monitor/cve-monitor/pkg/db"
	"github.com/cve-monitor/cve-monitor/pkg/fetcher"
	"github.com/cve-monitor/cve-monitor/pkg/filter"
	"github.com/cve-monitor/cve-monitor/pkg/log"
	"github.com/cve-monitor/cve-monitor/pkg/normalizer"
	"github.com/cve-monitor/cve-monitor/pkg/override"
	"github.com/cve-monitor/cve-monitor/pkg/pipeline"
	"github.com/cve-monitor/cve-monitor/pkg/scheduler"
	"github.com/cve-monitor/cve-monitor/pkg/snapshot"
	"github.com/cve-monitor/cve-monitor/pkg/suggest"
	"github.com/cve-monitor/cve-monitor/pkg/types"
)

func update(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log.InitLogger(cfg.Debug)

	ctx := context.Background()
	if timeout := cfg.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err = db.Init(cfg.CacheDir); err != nil {
		return xerrors.Errorf("db initialize error: %w", err)
	}
	defer db.Close()

	token := c.String("token")
	source, err := newSource(ctx, cfg, token)
	if err != nil {
		return err
	}

	fetchOpts := []fetcher.Option{
		fetcher.WithPace(cfg.Pace()),
		fetcher.WithToken(token),
	}
	if cfg.Advanced.OverridesDir != "" {
		patches, err := override.Load(cfg.Advanced.OverridesDir)
		if err != nil {
			return xerrors.Errorf("override load error: %w", err)
		}
		log.Info("Loaded override patches", log.Int("count", patches.Count()))
		fetchOpts = append(fetchOpts, fetcher.WithOverrides(patches))
	}

	schedOpts := []scheduler.Option{scheduler.WithMaxParallel(cfg.Ingest.Workers)}
	if cfg.Ingest.Progress {
		schedOpts = append(schedOpts, scheduler.WithProgress(os.Stderr))
		source = spinningSource{Source: source, w: os.Stderr}
	}
	sched := scheduler.New(fetcher.NewClient(fetchOpts...), normalizer.New(), schedOpts...)

	pipeOpts := []pipeline.Option{pipeline.WithDB(db.Config{})}
	if cfg.Advanced.MetricsFile != "" {
		pipeOpts = append(pipeOpts, pipeline.WithMetricsFile(cfg.Advanced.MetricsFile))
	}
	if cfg.Suggest.Enabled {
		if apiKey := c.String("api-key"); apiKey == "" {
			log.Warn("OPENAI_API_KEY is not set, skipping remediation suggestions")
		} else {
			pipeOpts = append(pipeOpts, pipeline.WithEnricher(newEnricher(cfg, apiKey)))
		}
	}

	p := pipeline.New(source, sched, snapshot.NewClient(cfg.Output.Path), pipeOpts...)
	summary, err := p.Run(ctx, pipeline.Params{
		MaxAge:       cfg.MaxAge(),
		SinceLastRun: cfg.Ingest.SinceLastRun,
		Filter: filter.Options{
			MinSeverity: cfg.Filter.MinSeverity,
			Keywords:    cfg.Filter.Keywords,
			RequirePoC:  cfg.Filter.RequirePoC,
		},
	})
	if err != nil {
		return xerrors.Errorf("update error: %w", err)
	}

	printSummary(c.App.Writer, cfg.Output.Path, summary)
	return nil
}

// loadConfig reads the --config file, if any, and applies the flags that were
// set explicitly on top of it.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, xerrors.Errorf("config error: %w", err)
		}
	}

	if c.IsSet("source") {
		cfg.Source.Kind = c.String("source")
	}
	if c.IsSet("source-dir") {
		cfg.Source.Dir = c.String("source-dir")
	}
	if c.IsSet("source-url") {
		cfg.Source.URL = c.String("source-url")
	}
	if c.IsSet("days-back") {
		cfg.Ingest.DaysBack = c.Int("days-back")
	}
	if c.IsSet("since-last-run") {
		cfg.Ingest.SinceLastRun = c.Bool("since-last-run")
	}
	if c.IsSet("workers") {
		cfg.Ingest.Workers = c.Int("workers")
	}
	if c.IsSet("pace") {
		cfg.Ingest.PaceMs = int(c.Duration("pace").Milliseconds())
	}
	if c.IsSet("timeout") {
		cfg.Ingest.TimeoutSec = int(c.Duration("timeout").Seconds())
	}
	if c.IsSet("progress") {
		cfg.Ingest.Progress = c.Bool("progress")
	}
	if c.IsSet("min-severity") {
		cfg.Filter.MinSeverity = c.Float64("min-severity")
	}
	if c.IsSet("keyword") {
		cfg.Filter.Keywords = c.StringSlice("keyword")
	}
	if c.IsSet("require-poc") {
		cfg.Filter.RequirePoC = c.Bool("require-poc")
	}
	if c.IsSet("output") {
		cfg.Output.Path = c.String("output")
	}
	if c.IsSet("suggest") {
		cfg.Suggest.Enabled = c.Bool("suggest")
	}
	if c.IsSet("suggest-url") {
		cfg.Suggest.BaseURL = c.String("suggest-url")
	}
	if c.IsSet("suggest-model") {
		cfg.Suggest.Model = c.String("suggest-model")
	}
	if c.IsSet("suggest-workers") {
		cfg.Suggest.Workers = c.Int("suggest-workers")
	}
	if c.IsSet("cache-dir") {
		cfg.CacheDir = c.String("cache-dir")
	}
	if c.IsSet("overrides-dir") {
		cfg.Advanced.OverridesDir = c.String("overrides-dir")
	}
	if c.IsSet("metrics-file") {
		cfg.Advanced.MetricsFile = c.String("metrics-file")
	}
	if c.IsSet("debug") {
		cfg.Debug = c.Bool("debug")
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, xerrors.Errorf("config error: %w", err)
	}
	return cfg, nil
}

func newSource(ctx context.Context, cfg config.Config, token string) (cvelist.Source, error) {
	switch cfg.Source.Kind {
	case config.SourceGitHub:
		return cvelist.NewGitHub(ctx, token), nil
	case config.SourceLocal:
		return cvelist.NewLocal(cfg.Source.Dir), nil
	case config.SourceDeltaLog:
		opts := []cvelist.DeltaLogOption{cvelist.WithDeltaLogToken(token)}
		if cfg.Source.URL != "" {
			opts = append(opts, cvelist.WithDeltaLogURL(cfg.Source.URL))
		}
		return cvelist.NewDeltaLog(opts...), nil
	}
	return nil, xerrors.Errorf("%s is not supported", cfg.Source.Kind)
}

func newEnricher(cfg config.Config, apiKey string) suggest.Enricher {
	provider := suggest.NewOpenAI(apiKey,
		suggest.WithBaseURL(cfg.Suggest.BaseURL),
		suggest.WithModel(cfg.Suggest.Model),
	)
	return suggest.NewEnricher(provider, suggest.WithMaxParallel(cfg.Suggest.Workers))
}

// spinningSource shows a spinner while the wrapped source lists changes.
type spinningSource struct {
	cvelist.Source
	w io.Writer
}

func (s spinningSource) ListChanges(ctx context.Context, maxAge time.Duration) ([]types.SourceItem, error) {
	sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(s.w))
	sp.Suffix = fmt.Sprintf(" Listing changes from %s...", s.Name())
	sp.Start()
	defer sp.Stop()
	return s.Source.ListChanges(ctx, maxAge)
}

func printSummary(w io.Writer, path string, s pipeline.Summary) {
	bold := color.New(color.Bold).SprintFunc()
	fmt.Fprintf(w, "%s %s (run %s)\n", bold("Snapshot:"), path, s.RunID)
	fmt.Fprintf(w, "  listed: %d, written: %d, filtered out: %d\n", s.Listed, s.Written, s.Filtered)
	fmt.Fprintf(w, "  stale: %d, repaired dates: %d, skipped: %d\n", s.Stale, s.Repaired, s.Skipped)

	d := s.Distribution
	fmt.Fprintf(w, "  %s: %d, %s: %d, %s: %d, %s: %d, %s: %d\n",
		types.BucketCritical.Colorize("critical"), d.Critical,
		types.BucketHigh.Colorize("high"), d.High,
		types.BucketMedium.Colorize("medium"), d.Medium,
		types.BucketLow.Colorize("low"), d.Low,
		types.BucketNone.Colorize("none"), d.None)

	if len(s.Failures) == 0 {
		return
	}
	fmt.Fprintf(w, "  %s: %d (see `cve-monitor failures`)\n", color.RedString("failures"), len(s.Failures))
}
