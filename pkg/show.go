package pkg

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"github.com/urfave/cli"
	"golang.org/x/xerrors"

	"github.com/cve-monitor/cve-monitor/pkg/filter"
	"github.com/cve-monitor/cve-monitor/pkg/snapshot"
	"github.com/cve-monitor/cve-monitor/pkg/types"
)

const descriptionWidth = 72

func show(c *cli.Context) error {
	snap, err := snapshot.NewClient(c.String("output")).Read()
	if err != nil {
		return xerrors.Errorf("snapshot read error: %w", err)
	}

	records := filter.Filter(snap.Records, filter.Options{
		MinSeverity: c.Float64("min-severity"),
		Keywords:    c.StringSlice("keyword"),
		RequirePoC:  c.Bool("require-poc"),
	})
	if limit := c.Int("limit"); limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	printTable(c.App.Writer, snap, records)
	return nil
}

func printTable(w io.Writer, snap types.Snapshot, records []types.Record) {
	bold := color.New(color.Bold).SprintFunc()
	fmt.Fprintf(w, "%s %d records, updated %s\n\n", bold("Snapshot:"), snap.Metadata.TotalCount,
		snap.Metadata.LastUpdated.Format("2006-01-02 15:04:05 MST"))

	fmt.Fprintf(w, "%-18s %-8s %-10s %-4s %s\n", bold("ID"), bold("SCORE"), bold("PUBLISHED"), bold("POC"), bold("DESCRIPTION"))
	for _, r := range records {
		bucket := types.BucketOf(r.Severity)
		poc := ""
		if r.HasPoC() {
			poc = "yes"
		}
		fmt.Fprintf(w, "%-18s %s %-10s %-4s %s\n", r.ID,
			bucket.Colorize(fmt.Sprintf("%-8s", r.Severity)),
			r.PublishedDate.Format("2006-01-02"), poc, truncate(r.Description, descriptionWidth))
	}
}

// truncate collapses whitespace and cuts s to the given display width.
func truncate(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	return runewidth.Truncate(s, width, "...")
}
