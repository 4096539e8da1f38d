package dbtest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	fixtures "github.com/aquasecurity/bolt-fixtures"
	"github.com/cve-monitor/cve-monitor/pkg/db"
)

// InitDB loads the fixture files into a fresh run-state database and opens it.
func InitDB(t *testing.T, fixtureFiles []string) string {
	t.Helper()

	// Create a temp dir
	cacheDir := t.TempDir()
	dbPath := db.Path(cacheDir)

	// Load testdata into BoltDB
	require.NoError(t, os.MkdirAll(filepath.Dir(dbPath), 0o700))
	loader, err := fixtures.New(dbPath, fixtureFiles)
	require.NoError(t, err)
	require.NoError(t, loader.Load())
	require.NoError(t, loader.Close())

	// Initialize DB
	require.NoError(t, db.Init(cacheDir))
	t.Cleanup(func() { _ = db.Close() })

	return cacheDir
}
