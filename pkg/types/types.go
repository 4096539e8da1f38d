package types

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
	"time"

	"github.com/fatih/color"
	"golang.org/x/xerrors"
)

const (
	SnapshotDataType    = "CVE_MONITOR_SNAPSHOT"
	SnapshotDataVersion = "1.0"

	// NotAvailable is the wire form of a missing CVSS score.
	NotAvailable = "N/A"
)

var idPattern = regexp.MustCompile(`^CVE-\d{4}-\d{4,}$`)

// ValidID reports whether id looks like CVE-<year>-<sequence>.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Score is a CVSS base score, or the "not available" sentinel.
// The zero value is the sentinel.
type Score struct {
	value     float64
	available bool
}

func NewScore(v float64) Score {
	return Score{value: v, available: true}
}

func ScoreNotAvailable() Score {
	return Score{}
}

func (s Score) Available() bool {
	return s.available
}

// Value returns the numeric score. The sentinel compares as 0.0.
func (s Score) Value() float64 {
	if !s.available {
		return 0
	}
	return s.value
}

func (s Score) String() string {
	if !s.available {
		return NotAvailable
	}
	return strconv.FormatFloat(s.value, 'f', 1, 64)
}

func (s Score) MarshalJSON() ([]byte, error) {
	if !s.available {
		return json.Marshal(NotAvailable)
	}
	return json.Marshal(s.value)
}

func (s *Score) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*s = ScoreNotAvailable()
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		if str == NotAvailable || str == "" {
			*s = ScoreNotAvailable()
			return nil
		}
		v, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return xerrors.Errorf("invalid score %q: %w", str, err)
		}
		*s = NewScore(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return xerrors.Errorf("invalid score: %w", err)
	}
	*s = NewScore(v)
	return nil
}

type ReferenceKind string

const (
	ReferenceKindReference ReferenceKind = "reference"
	ReferenceKindPoC       ReferenceKind = "poc"
)

type Reference struct {
	URL  string        `json:"url"`
	Kind ReferenceKind `json:"type"`
}

// Record is a normalized CVE entry.
type Record struct {
	ID               string          `json:"id"`
	PublishedDate    time.Time       `json:"publishedDate"`
	LastModifiedDate *time.Time      `json:"lastModifiedDate,omitempty"`
	Description      string          `json:"description"`
	Severity         Score           `json:"severity"`
	References       []Reference     `json:"references"`
	Affected         json.RawMessage `json:"affected"`
	ProblemTypes     []string        `json:"problemType"`
	Suggestion       string          `json:"remediation,omitempty"`

	// DateRepaired is set when the source omitted the published date and the
	// normalizer substituted the ingestion time.
	DateRepaired bool `json:"-"`
}

// HasPoC reports whether at least one reference links to exploit code.
func (r Record) HasPoC() bool {
	for _, ref := range r.References {
		if ref.Kind == ReferenceKindPoC {
			return true
		}
	}
	return false
}

// SourceItem is one entry returned by a record source.
type SourceItem struct {
	ID       string
	Location string
}

type Bucket int

const (
	BucketNone Bucket = iota
	BucketLow
	BucketMedium
	BucketHigh
	BucketCritical
)

var (
	BucketNames = []string{
		"none",
		"low",
		"medium",
		"high",
		"critical",
	}
	BucketColor = []func(a ...interface{}) string{
		color.New(color.FgCyan).SprintFunc(),
		color.New(color.FgBlue).SprintFunc(),
		color.New(color.FgYellow).SprintFunc(),
		color.New(color.FgHiRed).SprintFunc(),
		color.New(color.FgRed).SprintFunc(),
	}
)

// BucketOf places a score into its severity bucket.
func BucketOf(s Score) Bucket {
	v := s.Value()
	switch {
	case v >= 9.0:
		return BucketCritical
	case v >= 7.0:
		return BucketHigh
	case v >= 4.0:
		return BucketMedium
	case v > 0.0:
		return BucketLow
	default:
		return BucketNone
	}
}

func (b Bucket) String() string {
	return BucketNames[b]
}

// Colorize renders text in the color of the bucket.
func (b Bucket) Colorize(text string) string {
	return BucketColor[b](text)
}

type SeverityDistribution struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	None     int `json:"none"`
}

func (d *SeverityDistribution) Add(b Bucket) {
	switch b {
	case BucketCritical:
		d.Critical++
	case BucketHigh:
		d.High++
	case BucketMedium:
		d.Medium++
	case BucketLow:
		d.Low++
	default:
		d.None++
	}
}

func (d SeverityDistribution) Total() int {
	return d.Critical + d.High + d.Medium + d.Low + d.None
}

type SnapshotMetadata struct {
	TotalCount           int                  `json:"total_count"`
	LastUpdated          time.Time            `json:"last_updated"`
	SeverityDistribution SeverityDistribution `json:"severity_distribution"`
}

// Snapshot is the persisted output of one pipeline run.
type Snapshot struct {
	DataType    string           `json:"dataType"`
	DataVersion string           `json:"dataVersion"`
	Metadata    SnapshotMetadata `json:"metadata"`
	Records     []Record         `json:"cves"`
}
