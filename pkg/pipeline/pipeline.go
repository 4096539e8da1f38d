// Package pipeline runs one ingestion: list, fetch and normalize, filter and
// sort, optionally enrich, then persist the snapshot and the run state.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
	"k8s.io/utils/clock"

	"github.com/cve-monitor/cve-monitor/pkg/cvelist"
	"github.com/cve-monitor/cve-monitor/pkg/db"
	"github.com/cve-monitor/cve-monitor/pkg/filter"
	"github.com/cve-monitor/cve-monitor/pkg/log"
	"github.com/cve-monitor/cve-monitor/pkg/metrics"
	"github.com/cve-monitor/cve-monitor/pkg/scheduler"
	"github.com/cve-monitor/cve-monitor/pkg/types"
)

type Scheduler interface {
	Run(ctx context.Context, items []types.SourceItem, maxAge time.Duration) (scheduler.Result, error)
}

type Enricher interface {
	Enrich(ctx context.Context, records []types.Record) []types.Record
}

type Writer interface {
	Write(records []types.Record) (types.Snapshot, error)
}

// Params are the per-run knobs.
type Params struct {
	// MaxAge is the listing window and the recency cutoff. Zero disables both.
	MaxAge time.Duration

	// SinceLastRun narrows the listing window to the time elapsed since the
	// last successful run, when one is recorded.
	SinceLastRun bool

	Filter filter.Options
}

type Summary struct {
	RunID        string
	Listed       int
	Written      int
	Failures     []scheduler.Failure
	Stale        int
	Repaired     int
	Skipped      int
	Filtered     int
	Distribution types.SeverityDistribution
	Snapshot     types.Snapshot
}

type Option func(*Pipeline)

func WithEnricher(e Enricher) Option {
	return func(p *Pipeline) {
		p.enricher = e
	}
}

func WithDB(dbc db.Operations) Option {
	return func(p *Pipeline) {
		p.dbc = dbc
	}
}

// WithMetricsFile writes the run metrics in textfile format after every run.
func WithMetricsFile(path string) Option {
	return func(p *Pipeline) {
		p.metricsFile = path
	}
}

func WithClock(clock clock.PassiveClock) Option {
	return func(p *Pipeline) {
		p.clock = clock
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

type Pipeline struct {
	source      cvelist.Source
	scheduler   Scheduler
	writer      Writer
	enricher    Enricher
	dbc         db.Operations
	metricsFile string
	clock       clock.PassiveClock
	logger      *log.Logger
}

func New(source cvelist.Source, s Scheduler, w Writer, opts ...Option) Pipeline {
	p := &Pipeline{
		source:    source,
		scheduler: s,
		writer:    w,
		clock:     clock.RealClock{},
		logger:    log.WithPrefix("pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return *p
}

// Run executes one ingestion. A listing, scheduling or write failure aborts
// the run and leaves the previous snapshot in place. Run-state and metrics
// errors are logged only.
func (p Pipeline) Run(ctx context.Context, params Params) (Summary, error) {
	started := p.clock.Now().UTC()
	runID := uuid.NewString()
	logger := p.logger.With(log.String("run_id", runID))
	run := metrics.NewRun()

	listAge := p.listWindow(params)
	logger.Info("Listing changed records", log.String("source", p.source.Name()), log.Duration("window", listAge))
	items, err := p.source.ListChanges(ctx, listAge)
	if err != nil {
		return Summary{}, xerrors.Errorf("source listing error: %w", err)
	}
	run.ItemsListed.Set(float64(len(items)))

	res, err := p.scheduler.Run(ctx, items, params.MaxAge)
	if err != nil {
		return Summary{}, xerrors.Errorf("scheduler error: %w", err)
	}

	records := filter.Dedupe(res.Records)
	filtered := filter.Filter(records, params.Filter)
	filter.Sort(filtered)

	if p.enricher != nil && len(filtered) > 0 {
		logger.Info("Requesting remediation suggestions", log.Int("records", len(filtered)))
		filtered = p.enricher.Enrich(ctx, filtered)
	}

	snap, err := p.writer.Write(filtered)
	if err != nil {
		return Summary{}, xerrors.Errorf("snapshot error: %w", err)
	}

	summary := Summary{
		RunID:        runID,
		Listed:       len(items),
		Written:      snap.Metadata.TotalCount,
		Failures:     res.Failures,
		Stale:        res.Stale,
		Repaired:     res.Repaired,
		Skipped:      res.Skipped,
		Filtered:     len(records) - len(filtered),
		Distribution: snap.Metadata.SeverityDistribution,
		Snapshot:     snap,
	}

	p.saveState(runID, started, res.Failures)
	p.saveMetrics(run, summary, p.clock.Since(started))

	logger.Info("Run finished", log.Int("total", summary.Written),
		log.Int("critical", summary.Distribution.Critical), log.Int("high", summary.Distribution.High),
		log.Int("failures", len(summary.Failures)))
	return summary, nil
}

func (p Pipeline) listWindow(params Params) time.Duration {
	if !params.SinceLastRun || p.dbc == nil {
		return params.MaxAge
	}

	cursor, ok, err := p.dbc.GetCursor()
	if err != nil {
		p.logger.Warn("Failed to read the last run cursor", log.Err(err))
		return params.MaxAge
	} else if !ok {
		return params.MaxAge
	}

	window := p.clock.Since(cursor)
	if window <= 0 {
		return params.MaxAge
	}
	if params.MaxAge > 0 && window > params.MaxAge {
		return params.MaxAge
	}
	return window
}

func (p Pipeline) saveState(runID string, started time.Time, failures []scheduler.Failure) {
	if p.dbc == nil {
		return
	}

	stored := make([]db.Failure, 0, len(failures))
	for _, f := range failures {
		stored = append(stored, db.Failure{
			ID:       f.Item.ID,
			Location: f.Item.Location,
			Stage:    string(f.Stage),
			Error:    f.Err.Error(),
			FailedAt: started,
		})
	}
	if err := p.dbc.ReplaceFailures(stored); err != nil {
		p.logger.Warn("Failed to save failures", log.Err(err))
	}
	if err := p.dbc.SetCursor(started); err != nil {
		p.logger.Warn("Failed to save the run cursor", log.Err(err))
	}
	if err := p.dbc.SetMetadata(db.Metadata{Version: db.SchemaVersion, RunID: runID, UpdatedAt: started}); err != nil {
		p.logger.Warn("Failed to save metadata", log.Err(err))
	}
}

func (p Pipeline) saveMetrics(run *metrics.Run, s Summary, elapsed time.Duration) {
	run.RecordsWritten.Set(float64(s.Written))
	for _, f := range s.Failures {
		run.Failures.WithLabelValues(string(f.Stage)).Inc()
	}
	run.Outcomes.WithLabelValues("stale").Set(float64(s.Stale))
	run.Outcomes.WithLabelValues("repaired").Set(float64(s.Repaired))
	run.Outcomes.WithLabelValues("skipped").Set(float64(s.Skipped))
	run.Outcomes.WithLabelValues("filtered").Set(float64(s.Filtered))
	run.ObserveDistribution(s.Distribution)
	run.ObserveSuccess(s.Snapshot.Metadata.LastUpdated, elapsed)

	if p.metricsFile == "" {
		return
	}
	if err := run.WriteFile(p.metricsFile); err != nil {
		p.logger.Warn("Failed to write metrics", log.FilePath(p.metricsFile), log.Err(err))
	}
}
