package pkg

import (
	"context"
	"fmt"

	"github.com/urfave/cli"
	"golang.org/x/xerrors"

	"github.com/cve-monitor/cve-monitor/pkg/log"
	"github.com/cve-monitor/cve-monitor/pkg/snapshot"
)

// suggestSnapshot fills missing suggestions of an existing snapshot and
// rewrites it in place.
func suggestSnapshot(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log.InitLogger(cfg.Debug)

	apiKey := c.String("api-key")
	if apiKey == "" {
		return xerrors.New("OPENAI_API_KEY is not set")
	}

	client := snapshot.NewClient(cfg.Output.Path)
	snap, err := client.Read()
	if err != nil {
		return xerrors.Errorf("snapshot read error: %w", err)
	}

	records := newEnricher(cfg, apiKey).Enrich(context.Background(), snap.Records)
	if _, err = client.Write(records); err != nil {
		return xerrors.Errorf("snapshot write error: %w", err)
	}

	fmt.Fprintf(c.App.Writer, "Suggestions written to %s (%d records)\n", cfg.Output.Path, len(records))
	return nil
}
