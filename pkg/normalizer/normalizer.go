package normalizer

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	gocvss31 "github.com/pandatix/go-cvss/31"
	"golang.org/x/xerrors"
	"k8s.io/utils/clock"

	"github.com/cve-monitor/cve-monitor/pkg/log"
	"github.com/cve-monitor/cve-monitor/pkg/types"
)

const exploitTag = "exploit"

var (
	ErrMissingID   = xerrors.New("missing CVE ID")
	ErrInvalidID   = xerrors.New("malformed CVE ID")
	ErrInvalidDate = xerrors.New("unparsable published date")
)

// NormalizeError describes a raw record that cannot become a types.Record.
type NormalizeError struct {
	ID  string
	Err error
}

func (e *NormalizeError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("normalize: %v", e.Err)
	}
	return fmt.Sprintf("normalize %s: %v", e.ID, e.Err)
}

func (e *NormalizeError) Unwrap() error {
	return e.Err
}

type Option func(*Normalizer)

func WithClock(clock clock.PassiveClock) Option {
	return func(n *Normalizer) {
		n.clock = clock
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(n *Normalizer) {
		n.logger = logger
	}
}

// Normalizer converts raw CVE List V5 bodies into canonical records.
type Normalizer struct {
	clock  clock.PassiveClock
	logger *log.Logger
}

func New(opts ...Option) Normalizer {
	n := &Normalizer{
		clock:  clock.RealClock{},
		logger: log.WithPrefix("normalizer"),
	}
	for _, opt := range opts {
		opt(n)
	}
	return *n
}

// Normalize resolves identifier and dates from the metadata block, then
// overlays the CNA container when one is present.
func (n Normalizer) Normalize(body []byte) (types.Record, error) {
	var raw rawRecord
	if err := json.Unmarshal(body, &raw); err != nil {
		return types.Record{}, &NormalizeError{Err: xerrors.Errorf("json decode error: %w", err)}
	}

	meta := raw.metadata()
	if meta.CveID == "" {
		return types.Record{}, &NormalizeError{Err: ErrMissingID}
	} else if !types.ValidID(meta.CveID) {
		return types.Record{}, &NormalizeError{ID: meta.CveID, Err: ErrInvalidID}
	}

	record := types.Record{
		ID:           meta.CveID,
		Severity:     types.ScoreNotAvailable(),
		ProblemTypes: []string{},
		References: []types.Reference{
			{URL: meta.CveOrgLink, Kind: types.ReferenceKindReference},
			{URL: meta.GithubLink, Kind: types.ReferenceKindReference},
		},
	}

	if meta.DatePublished == nil || strings.TrimSpace(*meta.DatePublished) == "" {
		record.PublishedDate = n.clock.Now().UTC()
		record.DateRepaired = true
		n.logger.Warn("Published date missing, substituting ingestion time", log.CVEID(record.ID))
	} else {
		published, err := parseTime(*meta.DatePublished)
		if err != nil {
			return types.Record{}, &NormalizeError{ID: record.ID, Err: xerrors.Errorf("%q: %w", *meta.DatePublished, ErrInvalidDate)}
		}
		record.PublishedDate = published
	}

	if meta.DateUpdated != nil && *meta.DateUpdated != "" {
		updated, err := parseTime(*meta.DateUpdated)
		if err != nil {
			n.logger.Warn("Ignoring unparsable update date", log.CVEID(record.ID),
				log.String("value", *meta.DateUpdated))
		} else {
			record.LastModifiedDate = &updated
		}
	}

	if cna := raw.cna(); cna != nil {
		n.overlay(&record, cna)
	}

	return record, nil
}

func (n Normalizer) overlay(record *types.Record, cna *rawCNA) {
	record.Description = description(cna.Descriptions)
	record.Severity = n.severity(record.ID, cna.Metrics)
	record.Affected = cna.Affected

	record.References = make([]types.Reference, 0, len(cna.References))
	for _, ref := range cna.References {
		kind := types.ReferenceKindReference
		if hasTag(ref.Tags, exploitTag) {
			kind = types.ReferenceKindPoC
		}
		record.References = append(record.References, types.Reference{URL: ref.URL, Kind: kind})
	}

	record.ProblemTypes = []string{}
	for _, pt := range cna.ProblemTypes {
		for _, d := range pt.Descriptions {
			if d.Description != "" {
				record.ProblemTypes = append(record.ProblemTypes, d.Description)
			}
		}
	}
}

// severity returns the base score of the first CVSS v3.1 metric.
func (n Normalizer) severity(id string, metrics []rawMetric) types.Score {
	for _, m := range metrics {
		if m.CvssV31 == nil {
			continue
		}

		var score float64
		switch {
		case m.CvssV31.BaseScore != nil:
			score = float64(*m.CvssV31.BaseScore)
		case m.CvssV31.VectorString != "":
			cvss, err := gocvss31.ParseVector(m.CvssV31.VectorString)
			if err != nil {
				n.logger.Warn("Unable to score CVSS vector", log.CVEID(id),
					log.String("vector", m.CvssV31.VectorString), log.Err(err))
				return types.ScoreNotAvailable()
			}
			score = cvss.BaseScore()
		default:
			return types.ScoreNotAvailable()
		}

		if math.IsNaN(score) || math.IsInf(score, 0) || score < 0 || score > 10 {
			n.logger.Warn("CVSS score out of range", log.CVEID(id), log.Float64("score", score))
			return types.ScoreNotAvailable()
		}
		return types.NewScore(score)
	}
	return types.ScoreNotAvailable()
}

// metadata merges the metadata block with top-level fallbacks.
func (r rawRecord) metadata() rawMetadata {
	var m rawMetadata
	if r.CveMetadata != nil {
		m = *r.CveMetadata
	}
	if m.CveID == "" {
		m.CveID = r.CveID
	}
	if m.DatePublished == nil {
		m.DatePublished = r.DatePublished
	}
	if m.DateUpdated == nil {
		m.DateUpdated = r.DateUpdated
	}
	if m.CveOrgLink == "" {
		m.CveOrgLink = r.CveOrgLink
	}
	if m.GithubLink == "" {
		m.GithubLink = r.GithubLink
	}
	m.CveID = strings.TrimSpace(m.CveID)
	return m
}

func (r rawRecord) cna() *rawCNA {
	if r.Containers == nil {
		return nil
	}
	return r.Containers.CNA
}

// description prefers an English entry and falls back to the first one.
func description(descs []rawDescription) string {
	for _, d := range descs {
		if strings.HasPrefix(strings.ToLower(d.Lang), "en") && d.Value != "" {
			return d.Value
		}
	}
	if len(descs) > 0 {
		return descs[0].Value
	}
	return ""
}

func hasTag(tags []string, want string) bool {
	for _, tag := range tags {
		if strings.EqualFold(tag, want) {
			return true
		}
	}
	return false
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTime accepts ISO-8601 timestamps with or without a zone designator.
// Timestamps without a zone are taken as UTC.
func parseTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	var lastErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
