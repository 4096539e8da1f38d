package cvelist

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/cve-monitor/cve-monitor/pkg/types"
)

const (
	owner = "CVEProject"
	repo  = "cvelistV5"

	recordsDir = "cves"
)

// Source lists the records that changed within a time window.
type Source interface {
	Name() string
	ListChanges(ctx context.Context, maxAge time.Duration) ([]types.SourceItem, error)
}

// SourceListError is returned when the change listing itself fails. It is
// fatal for the run.
type SourceListError struct {
	Source string
	Err    error
}

func (e *SourceListError) Error() string {
	return fmt.Sprintf("%s source listing: %v", e.Source, e.Err)
}

func (e *SourceListError) Unwrap() error {
	return e.Err
}

// years returns every calendar year touched by the window ending at now.
// A non-positive maxAge covers the current year only.
func years(now time.Time, maxAge time.Duration) []int {
	to := now.UTC().Year()
	from := to
	if maxAge > 0 {
		from = now.UTC().Add(-maxAge).Year()
	}

	var ys []int
	for y := from; y <= to; y++ {
		ys = append(ys, y)
	}
	return ys
}

// recordID returns the CVE ID of a record file name such as CVE-2024-0001.json.
func recordID(fileName string) (string, bool) {
	base := path.Base(fileName)
	if !strings.HasPrefix(base, "CVE-") || !strings.HasSuffix(base, ".json") {
		return "", false
	}
	id := strings.TrimSuffix(base, ".json")
	return id, types.ValidID(id)
}
