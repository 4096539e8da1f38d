package db_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cve-monitor/cve-monitor/pkg/db"
	"github.com/cve-monitor/cve-monitor/pkg/dbtest"
)

func TestConfig_ListFailures(t *testing.T) {
	_ = dbtest.InitDB(t, []string{"testdata/fixtures/failures.yaml"})

	got, err := db.Config{}.ListFailures()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "CVE-2024-0001", got[0].ID)
	assert.Equal(t, "normalize", got[0].Stage)
	assert.Equal(t, "CVE-2024-0002", got[1].ID)
	assert.Equal(t, "fetch", got[1].Stage)
	assert.Equal(t, time.Date(2024, 5, 31, 6, 0, 0, 0, time.UTC), got[1].FailedAt)
}

func TestConfig_ReplaceFailures(t *testing.T) {
	cacheDir := dbtest.InitDB(t, []string{"testdata/fixtures/failures.yaml"})

	failedAt := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	newFailures := []db.Failure{
		{
			ID:       "CVE-2024-0100",
			Location: "https://example.com/CVE-2024-0100.json",
			Stage:    "fetch",
			Error:    "status code 500",
			FailedAt: failedAt,
		},
	}
	require.NoError(t, db.Config{}.ReplaceFailures(newFailures))

	got, err := db.Config{}.ListFailures()
	require.NoError(t, err)
	assert.Equal(t, newFailures, got)

	require.NoError(t, db.Config{}.ReplaceFailures(nil))
	got, err = db.Config{}.ListFailures()
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, db.Close())
	dbtest.NoBucket(t, db.Path(cacheDir), "failures")
}
