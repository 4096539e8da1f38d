package filter

import (
	"cmp"
	"slices"
	"strings"

	"github.com/cve-monitor/cve-monitor/pkg/types"
)

// Options are conjunctive. The zero value keeps every record.
type Options struct {
	MinSeverity float64
	Keywords    []string
	RequirePoC  bool
}

// Dedupe keeps one record per ID: the one with the latest lastModifiedDate,
// or the first seen on a tie. Records keep the position of their first
// occurrence.
func Dedupe(records []types.Record) []types.Record {
	index := make(map[string]int, len(records))
	deduped := make([]types.Record, 0, len(records))
	for _, r := range records {
		i, ok := index[r.ID]
		if !ok {
			index[r.ID] = len(deduped)
			deduped = append(deduped, r)
			continue
		}
		if newer(r, deduped[i]) {
			deduped[i] = r
		}
	}
	return deduped
}

func newer(a, b types.Record) bool {
	switch {
	case a.LastModifiedDate == nil:
		return false
	case b.LastModifiedDate == nil:
		return true
	default:
		return a.LastModifiedDate.After(*b.LastModifiedDate)
	}
}

// Sort orders records by severity (highest first, N/A as 0.0), then by
// publishedDate (newest first), then by ID.
func Sort(records []types.Record) {
	slices.SortStableFunc(records, compare)
}

func compare(a, b types.Record) int {
	if c := cmp.Compare(b.Severity.Value(), a.Severity.Value()); c != 0 {
		return c
	}
	if c := b.PublishedDate.Compare(a.PublishedDate); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// Filter returns the records matching every option, in input order.
func Filter(records []types.Record, opts Options) []types.Record {
	keywords := normalizeKeywords(opts.Keywords)

	filtered := make([]types.Record, 0, len(records))
	for _, r := range records {
		if r.Severity.Value() < opts.MinSeverity {
			continue
		}
		if opts.RequirePoC && !r.HasPoC() {
			continue
		}
		if len(keywords) > 0 && !matchAny(r.Description, keywords) {
			continue
		}
		filtered = append(filtered, r)
	}
	return filtered
}

func normalizeKeywords(keywords []string) []string {
	var normalized []string
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			normalized = append(normalized, k)
		}
	}
	return normalized
}

func matchAny(text string, keywords []string) bool {
	text = strings.ToLower(text)
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}
