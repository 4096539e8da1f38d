package snapshot_test

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
	"github.com/cve-monitor/cve-monitor/pkg/snapshot"
	"github.com/cve-monitor/cve-monitor/pkg/types"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newClient(path string) snapshot.Client {
	return snapshot.NewClient(path,
		snapshot.WithClock(ct.NewFakePassiveClock(now)),
		snapshot.WithLogger(log.Discard()),
	)
}

func testRecords() []types.Record {
	return []types.Record{
		{
			ID:            "CVE-2024-0001",
			PublishedDate: time.Date(2024, 5, 30, 0, 0, 0, 0, time.UTC),
			Description:   "Remote code execution via <script> tags & friends",
			Severity:      types.NewScore(9.8),
			References:    []types.Reference{{URL: "https://example.com/poc?a=1&b=2", Kind: types.ReferenceKindPoC}},
			Affected:      json.RawMessage(`[{"vendor":"example"}]`),
			ProblemTypes:  []string{"CWE-79"},
		},
		{
			ID:            "CVE-2024-0002",
			PublishedDate: time.Date(2024, 5, 29, 0, 0, 0, 0, time.UTC),
			Severity:      types.NewScore(5.0),
			References:    []types.Reference{},
			ProblemTypes:  []string{},
		},
		{
			ID:            "CVE-2024-0003",
			PublishedDate: time.Date(2024, 5, 28, 0, 0, 0, 0, time.UTC),
			Severity:      types.ScoreNotAvailable(),
			References:    []types.Reference{},
			ProblemTypes:  []string{},
		},
	}
}

func TestDistribution(t *testing.T) {
	tests := []struct {
		name   string
		scores []types.Score
		want   types.SeverityDistribution
	}{
		{
			name: "empty",
		},
		{
			name: "boundaries",
			scores: []types.Score{
				types.NewScore(10), types.NewScore(9.0), types.NewScore(8.9), types.NewScore(7.0),
				types.NewScore(6.9), types.NewScore(4.0), types.NewScore(3.9), types.NewScore(0.1),
				types.NewScore(0), types.ScoreNotAvailable(),
			},
			want: types.SeverityDistribution{Critical: 2, High: 2, Medium: 2, Low: 2, None: 2},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var records []types.Record
			for _, s := range tt.scores {
				records = append(records, types.Record{Severity: s})
			}
			got := snapshot.Distribution(records)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, len(records), got.Total())
		})
	}
}

func TestClient_Write(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out", "cves.json")
	c := newClient(path)

	got, err := c.Write(testRecords())
	require.NoError(t, err)

	assert.Equal(t, types.SnapshotDataType, got.DataType)
	assert.Equal(t, types.SnapshotDataVersion, got.DataVersion)
	assert.Equal(t, 3, got.Metadata.TotalCount)
	assert.Equal(t, now, got.Metadata.LastUpdated)
	assert.Equal(t, types.SeverityDistribution{Critical: 1, Medium: 1, None: 1}, got.Metadata.SeverityDistribution)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"Remote code execution via <script> tags & friends"`)
	assert.Contains(t, string(b), `"severity": "N/A"`)
	assert.Contains(t, string(b), `"cves": [`)
	assert.Contains(t, string(b), `"total_count": 3`)

	read, err := c.Read()
	require.NoError(t, err)
	assert.Equal(t, got.Metadata, read.Metadata)
	require.Len(t, read.Records, 3)
	for i, r := range read.Records {
		assert.Equal(t, got.Records[i].ID, r.ID)
		assert.Equal(t, got.Records[i].Severity, r.Severity)
		assert.Equal(t, got.Records[i].PublishedDate, r.PublishedDate)
	}
	assert.JSONEq(t, `[{"vendor":"example"}]`, string(read.Records[0].Affected))
}

func TestClient_Write_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cves.json")
	got, err := newClient(path).Write(nil)
	require.NoError(t, err)
	assert.Zero(t, got.Metadata.TotalCount)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"cves": []`)
}

func TestClient_Write_Failure(t *testing.T) {
	t.Run("encode error keeps previous file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "cves.json")
		c := newClient(path)

		_, err := c.Write(testRecords()[:1])
		require.NoError(t, err)
		before, err := os.ReadFile(path)
		require.NoError(t, err)

		bad := testRecords()
		bad[1].Affected = json.RawMessage(`{not json`)
		_, err = c.Write(bad)

		var writeErr *snapshot.WriteError
		require.ErrorAs(t, err, &writeErr)
		assert.Equal(t, path, writeErr.Path)

		after, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, before, after)

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Len(t, entries, 1, "temporary file must be removed")
	})

	t.Run("parent is a file", func(t *testing.T) {
		dir := t.TempDir()
		parent := filepath.Join(dir, "not-a-dir")
		require.NoError(t, os.WriteFile(parent, []byte("x"), 0o644))

		path := filepath.Join(parent, "cves.json")
		_, err := newClient(path).Write(testRecords())

		var writeErr *snapshot.WriteError
		require.ErrorAs(t, err, &writeErr)
		assert.Equal(t, path, writeErr.Path)
	})
}

func TestClient_Read(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing file",
			wantErr: "file open error",
		},
		{
			name:    "broken json",
			content: `{"dataType":`,
			wantErr: "json decode error",
		},
		{
			name:    "foreign file",
			content: `{"dataType":"CVE_RECORD"}`,
			wantErr: "unexpected data type",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "cves.json")
			if tt.content != "" {
				require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			}
			_, err := newClient(path).Read()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
