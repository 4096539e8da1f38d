package normalizer_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ct "k8s.io/utils/clock/testing"

	"github.com/cve-monitor/cve-monitor/pkg/log"
	"github.com/cve-monitor/cve-monitor/pkg/normalizer"
	"github.com/cve-monitor/cve-monitor/pkg/types"
	"github.com/cve-monitor/cve-monitor/pkg/utils"
)

var now = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func newNormalizer() normalizer.Normalizer {
	return normalizer.New(
		normalizer.WithClock(ct.NewFakePassiveClock(now)),
		normalizer.WithLogger(log.Discard()),
	)
}

func readTestdata(t *testing.T, name string) []byte {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return b
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func TestNormalizer_Normalize(t *testing.T) {
	tests := []struct {
		name         string
		file         string
		want         types.Record
		wantAffected string
	}{
		{
			name: "full record",
			file: "CVE-2024-1234.json",
			want: types.Record{
				ID:               "CVE-2024-1234",
				PublishedDate:    *utils.MustTimeParse("2024-03-01T12:30:00Z"),
				LastModifiedDate: utils.MustTimeParse("2024-03-05T08:00:00Z"),
				Description:      "Buffer overflow in the example parser allows remote code execution.",
				Severity:         types.NewScore(9.8),
				References: []types.Reference{
					{URL: "https://example.com/advisory/1234", Kind: types.ReferenceKindReference},
					{URL: "https://github.com/example/poc-1234", Kind: types.ReferenceKindPoC},
				},
				ProblemTypes: []string{
					"CWE-787 Out-of-bounds Write",
					"CWE-787 Out-of-bounds Write",
				},
			},
			wantAffected: `[{"vendor":"example","product":"parser","versions":[{"version":"1.0","status":"affected"}]}]`,
		},
		{
			name: "metadata only",
			file: "CVE-2023-0042.json",
			want: types.Record{
				ID:            "CVE-2023-0042",
				PublishedDate: time.Date(2023, 11, 20, 10, 15, 0, 0, time.UTC),
				Severity:      types.ScoreNotAvailable(),
				References: []types.Reference{
					{URL: "https://www.cve.org/CVERecord?id=CVE-2023-0042", Kind: types.ReferenceKindReference},
					{URL: "https://raw.githubusercontent.com/CVEProject/cvelistV5/main/cves/2023/0xxx/CVE-2023-0042.json", Kind: types.ReferenceKindReference},
				},
				ProblemTypes: []string{},
			},
		},
		{
			name: "score computed from vector",
			file: "vector-only.json",
			want: types.Record{
				ID:            "CVE-2024-2000",
				PublishedDate: time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC),
				Description:   "Vector only.",
				Severity:      types.NewScore(7.5),
				References:    []types.Reference{},
				ProblemTypes:  []string{},
			},
		},
		{
			name: "delta entry without published date",
			file: "delta-entry.json",
			want: types.Record{
				ID:               "CVE-2024-3000",
				PublishedDate:    now,
				LastModifiedDate: timePtr(time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)),
				Severity:         types.ScoreNotAvailable(),
				References: []types.Reference{
					{URL: "https://www.cve.org/CVERecord?id=CVE-2024-3000", Kind: types.ReferenceKindReference},
					{URL: "https://raw.githubusercontent.com/CVEProject/cvelistV5/main/cves/2024/3xxx/CVE-2024-3000.json", Kind: types.ReferenceKindReference},
				},
				ProblemTypes: []string{},
				DateRepaired: true,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := newNormalizer().Normalize(readTestdata(t, tt.file))
			require.NoError(t, err)

			if tt.wantAffected != "" {
				assert.JSONEq(t, tt.wantAffected, string(got.Affected))
			} else {
				assert.Nil(t, got.Affected)
			}
			got.Affected = nil
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizer_Normalize_Severity(t *testing.T) {
	tests := []struct {
		name    string
		metrics string
		want    types.Score
	}{
		{
			name:    "no metrics",
			metrics: `[]`,
			want:    types.ScoreNotAvailable(),
		},
		{
			name:    "only other formats",
			metrics: `[{"format":"other","other":{}}]`,
			want:    types.ScoreNotAvailable(),
		},
		{
			name:    "first cvss v3.1 wins",
			metrics: `[{"cvssV3_1":{"baseScore":4.3}},{"cvssV3_1":{"baseScore":9.1}}]`,
			want:    types.NewScore(4.3),
		},
		{
			name:    "string score",
			metrics: `[{"cvssV3_1":{"baseScore":"6.1"}}]`,
			want:    types.NewScore(6.1),
		},
		{
			name:    "zero score",
			metrics: `[{"cvssV3_1":{"baseScore":0}}]`,
			want:    types.NewScore(0),
		},
		{
			name:    "out of range",
			metrics: `[{"cvssV3_1":{"baseScore":12.5}}]`,
			want:    types.ScoreNotAvailable(),
		},
		{
			name:    "not a number",
			metrics: `[{"cvssV3_1":{"baseScore":"NaN"}}]`,
			want:    types.ScoreNotAvailable(),
		},
		{
			name:    "infinite score",
			metrics: `[{"cvssV3_1":{"baseScore":"-Inf"}}]`,
			want:    types.ScoreNotAvailable(),
		},
		{
			name:    "invalid vector",
			metrics: `[{"cvssV3_1":{"vectorString":"AV:N/garbage"}}]`,
			want:    types.ScoreNotAvailable(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := `{"cveMetadata":{"cveId":"CVE-2024-0001","datePublished":"2024-01-01T00:00:00Z"},` +
				`"containers":{"cna":{"metrics":` + tt.metrics + `}}}`
			got, err := newNormalizer().Normalize([]byte(body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Severity)
		})
	}
}

func TestNormalizer_Normalize_Dates(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Time
	}{
		{
			name:  "zulu with fraction",
			value: "2024-01-02T03:04:05.678Z",
			want:  time.Date(2024, 1, 2, 3, 4, 5, 678000000, time.UTC),
		},
		{
			name:  "offset",
			value: "2024-01-02T05:04:05+02:00",
			want:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		{
			name:  "naive",
			value: "2024-01-02T03:04:05",
			want:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		{
			name:  "naive with fraction",
			value: "2024-01-02T03:04:05.5",
			want:  time.Date(2024, 1, 2, 3, 4, 5, 500000000, time.UTC),
		},
		{
			name:  "date only",
			value: "2024-01-02",
			want:  time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := `{"cveMetadata":{"cveId":"CVE-2024-0001","datePublished":"` + tt.value + `"}}`
			got, err := newNormalizer().Normalize([]byte(body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.PublishedDate)
			assert.False(t, got.DateRepaired)
		})
	}
}

func TestNormalizer_Normalize_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantID  string
		wantErr error
	}{
		{
			name:    "missing id",
			body:    `{"cveMetadata":{"datePublished":"2024-01-01T00:00:00Z"}}`,
			wantErr: normalizer.ErrMissingID,
		},
		{
			name:    "malformed id",
			body:    `{"cveMetadata":{"cveId":"GHSA-1234","datePublished":"2024-01-01T00:00:00Z"}}`,
			wantID:  "GHSA-1234",
			wantErr: normalizer.ErrInvalidID,
		},
		{
			name:    "unparsable published date",
			body:    `{"cveMetadata":{"cveId":"CVE-2024-0001","datePublished":"yesterday"}}`,
			wantID:  "CVE-2024-0001",
			wantErr: normalizer.ErrInvalidDate,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newNormalizer().Normalize([]byte(tt.body))
			var normErr *normalizer.NormalizeError
			require.ErrorAs(t, err, &normErr)
			assert.Equal(t, tt.wantID, normErr.ID)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("invalid json", func(t *testing.T) {
		_, err := newNormalizer().Normalize([]byte(`{"cveMetadata":`))
		var normErr *normalizer.NormalizeError
		require.ErrorAs(t, err, &normErr)
		assert.Empty(t, normErr.ID)
	})
}

func TestNormalizer_Normalize_BadUpdateDate(t *testing.T) {
	body := `{"cveMetadata":{"cveId":"CVE-2024-0001","datePublished":"2024-01-01T00:00:00Z","dateUpdated":"soon"}}`
	got, err := newNormalizer().Normalize([]byte(body))
	require.NoError(t, err)
	assert.Nil(t, got.LastModifiedDate)
}

// A record rendered back into the raw schema normalizes to itself.
func TestNormalizer_Normalize_Idempotent(t *testing.T) {
	n := newNormalizer()
	first, err := n.Normalize(readTestdata(t, "CVE-2024-1234.json"))
	require.NoError(t, err)

	refs := make([]map[string]interface{}, 0, len(first.References))
	for _, ref := range first.References {
		r := map[string]interface{}{"url": ref.URL}
		if ref.Kind == types.ReferenceKindPoC {
			r["tags"] = []string{"exploit"}
		}
		refs = append(refs, r)
	}
	var problemTypes []map[string]interface{}
	for _, pt := range first.ProblemTypes {
		problemTypes = append(problemTypes, map[string]interface{}{
			"descriptions": []map[string]string{{"lang": "en", "description": pt}},
		})
	}

	raw := map[string]interface{}{
		"cveMetadata": map[string]interface{}{
			"cveId":         first.ID,
			"datePublished": first.PublishedDate.Format(time.RFC3339Nano),
			"dateUpdated":   first.LastModifiedDate.Format(time.RFC3339Nano),
		},
		"containers": map[string]interface{}{
			"cna": map[string]interface{}{
				"descriptions": []map[string]string{{"lang": "en", "value": first.Description}},
				"metrics":      []map[string]interface{}{{"cvssV3_1": map[string]float64{"baseScore": first.Severity.Value()}}},
				"references":   refs,
				"affected":     first.Affected,
				"problemTypes": problemTypes,
			},
		},
	}
	body, err := json.Marshal(raw)
	require.NoError(t, err)

	second, err := n.Normalize(body)
	require.NoError(t, err)

	assert.JSONEq(t, string(first.Affected), string(second.Affected))
	first.Affected, second.Affected = nil, nil
	assert.Equal(t, first, second)
}
