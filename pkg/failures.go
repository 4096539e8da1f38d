package pkg

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/urfave/cli"
	"golang.org/x/xerrors"

	"github.com/cve-monitor/cve-monitor/pkg/db"
)

func failures(c *cli.Context) error {
	if err := db.Init(c.String("cache-dir")); err != nil {
		return xerrors.Errorf("db initialize error: %w", err)
	}
	defer db.Close()

	list, err := db.Config{}.ListFailures()
	if err != nil {
		return xerrors.Errorf("failed to list failures: %w", err)
	}

	w := c.App.Writer
	metadata, err := db.GetMetadata()
	if err != nil {
		return xerrors.Errorf("failed to get metadata: %w", err)
	}
	if metadata.RunID != "" {
		fmt.Fprintf(w, "Last run %s at %s\n", metadata.RunID, metadata.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
	}

	if len(list) == 0 {
		fmt.Fprintln(w, "No failures recorded by the last update")
		return nil
	}

	for _, f := range list {
		fmt.Fprintf(w, "%-18s %-10s %s\n", f.ID, color.RedString(f.Stage), f.FailedAt.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(w, "  location: %s\n", f.Location)
		fmt.Fprintf(w, "  error:    %s\n", f.Error)
	}
	return nil
}
