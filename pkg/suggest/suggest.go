package suggest

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/cve-monitor/cve-monitor/pkg/log"
	"github.com/cve-monitor/cve-monitor/pkg/types"
)

const (
	// Placeholder replaces a suggestion the provider could not produce.
	Placeholder = "No remediation suggestion available."

	DefaultMaxParallel = 3
)

// Provider produces a remediation suggestion for a record. Implementations
// never fail: internal errors yield Placeholder.
type Provider interface {
	Suggest(ctx context.Context, record types.Record) string
}

type Option func(*Enricher)

func WithMaxParallel(n int) Option {
	return func(e *Enricher) {
		e.maxParallel = max(n, 1)
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(e *Enricher) {
		e.logger = logger
	}
}

// Enricher fills the suggestion field of records.
type Enricher struct {
	provider    Provider
	maxParallel int
	logger      *log.Logger
}

func NewEnricher(p Provider, opts ...Option) Enricher {
	e := &Enricher{
		provider:    p,
		maxParallel: DefaultMaxParallel,
		logger:      log.WithPrefix("suggest"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return *e
}

// Enrich returns a copy of records with a suggestion on every entry. Records
// that already carry one keep it. Order is preserved.
func (e Enricher) Enrich(ctx context.Context, records []types.Record) []types.Record {
	enriched := make([]types.Record, len(records))
	copy(enriched, records)

	var g errgroup.Group
	g.SetLimit(e.maxParallel)
	for i := range enriched {
		if enriched[i].Suggestion != "" {
			continue
		}
		g.Go(func() error {
			s := e.provider.Suggest(ctx, enriched[i])
			if s == "" {
				s = Placeholder
			}
			enriched[i].Suggestion = s
			return nil
		})
	}
	_ = g.Wait()

	e.logger.Info("Suggestions generated", log.Int("records", len(enriched)))
	return enriched
}
