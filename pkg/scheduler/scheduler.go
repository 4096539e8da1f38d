package scheduler

import (
	"context"
	"errors"
	"io"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
	pb "gopkg.in/cheggaaa/pb.v1"
	"k8s.io/utils/clock"

	"github.com/cve-monitor/cve-monitor/pkg/fetcher"
	"github.com/cve-monitor/cve-monitor/pkg/log"
	"github.com/cve-monitor/cve-monitor/pkg/set"
	"github.com/cve-monitor/cve-monitor/pkg/types"
)

const (
	DefaultMaxParallel = 5
	MaxParallelLimit   = 64
)

type Fetcher interface {
	Fetch(ctx context.Context, item types.SourceItem) ([]byte, error)
}

type Normalizer interface {
	Normalize(body []byte) (types.Record, error)
}

type Stage string

const (
	StageFetch     Stage = "fetch"
	StageNormalize Stage = "normalize"
)

// Failure is a per-item error. It never aborts the rest of the run.
type Failure struct {
	Item  types.SourceItem
	Stage Stage
	Err   error
}

type Result struct {
	Records  []types.Record
	Failures []Failure

	// Stale counts records dropped by the recency filter.
	Stale    int
	Repaired int
	Skipped  int
}

type Option func(*Scheduler)

// WithMaxParallel bounds the number of items in flight. Values outside
// 1..MaxParallelLimit are clamped.
func WithMaxParallel(n int) Option {
	return func(s *Scheduler) {
		s.maxParallel = min(max(n, 1), MaxParallelLimit)
	}
}

func WithClock(clock clock.PassiveClock) Option {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithProgress renders a progress bar to w while items are processed.
func WithProgress(w io.Writer) Option {
	return func(s *Scheduler) {
		s.progress = w
	}
}

type Scheduler struct {
	fetcher     Fetcher
	normalizer  Normalizer
	maxParallel int
	clock       clock.PassiveClock
	logger      *log.Logger
	progress    io.Writer
}

func New(f Fetcher, n Normalizer, opts ...Option) Scheduler {
	s := &Scheduler{
		fetcher:     f,
		normalizer:  n,
		maxParallel: DefaultMaxParallel,
		clock:       clock.RealClock{},
		logger:      log.WithPrefix("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return *s
}

type outcome struct {
	record  types.Record
	failure *Failure
	skipped bool
	done    bool
}

// Run fetches and normalizes every item with at most maxParallel workers,
// then drops records published more than maxAge ago. A non-positive maxAge
// keeps everything. Cancelling ctx aborts the run and discards all results.
func (s Scheduler) Run(ctx context.Context, items []types.SourceItem, maxAge time.Duration) (Result, error) {
	items = uniqueItems(items)
	slots := make([]outcome, len(items))

	var bar *pb.ProgressBar
	if s.progress != nil && len(items) > 0 {
		bar = pb.New(len(items))
		bar.Output = s.progress
		bar.Start()
	}

	var g errgroup.Group
	g.SetLimit(s.maxParallel)
	for i, item := range items {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			slots[i] = s.process(ctx, item)
			if bar != nil {
				bar.Increment()
			}
			return nil
		})
	}
	_ = g.Wait()

	if bar != nil {
		bar.Finish()
	}
	if err := ctx.Err(); err != nil {
		return Result{}, xerrors.Errorf("ingestion interrupted: %w", err)
	}

	return s.merge(slots, maxAge), nil
}

func (s Scheduler) process(ctx context.Context, item types.SourceItem) outcome {
	body, err := s.fetcher.Fetch(ctx, item)
	if errors.Is(err, fetcher.ErrSkipped) {
		return outcome{skipped: true, done: true}
	} else if err != nil {
		s.logger.Warn("Failed to fetch record", log.CVEID(item.ID), log.Err(err))
		return outcome{failure: &Failure{Item: item, Stage: StageFetch, Err: err}, done: true}
	}

	record, err := s.normalizer.Normalize(body)
	if err != nil {
		s.logger.Warn("Failed to normalize record", log.CVEID(item.ID), log.Err(err))
		return outcome{failure: &Failure{Item: item, Stage: StageNormalize, Err: err}, done: true}
	}
	return outcome{record: record, done: true}
}

func (s Scheduler) merge(slots []outcome, maxAge time.Duration) Result {
	var cutoff time.Time
	if maxAge > 0 {
		cutoff = s.clock.Now().Add(-maxAge)
	}

	var res Result
	for _, o := range slots {
		switch {
		case !o.done:
			continue
		case o.skipped:
			res.Skipped++
		case o.failure != nil:
			res.Failures = append(res.Failures, *o.failure)
		case maxAge > 0 && o.record.PublishedDate.Before(cutoff):
			res.Stale++
		default:
			if o.record.DateRepaired {
				res.Repaired++
			}
			res.Records = append(res.Records, o.record)
		}
	}

	s.logger.Info("Ingestion finished", log.Int("records", len(res.Records)),
		log.Int("failures", len(res.Failures)), log.Int("stale", res.Stale), log.Int("skipped", res.Skipped))
	return res
}

// uniqueItems drops repeated IDs, keeping the first location.
func uniqueItems(items []types.SourceItem) []types.SourceItem {
	seen := set.New[string]()
	uniq := make([]types.SourceItem, 0, len(items))
	for _, item := range items {
		if seen.Add(item.ID) {
			uniq = append(uniq, item)
		}
	}
	return uniq
}
