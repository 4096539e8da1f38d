package pkg

import (
	"time"

	"github.com/urfave/cli"

	"github.com/cve-monitor/cve-monitor/pkg/config"
	"github.com/cve-monitor/cve-monitor/pkg/cvelist"
	"github.com/cve-monitor/cve-monitor/pkg/scheduler"
	"github.com/cve-monitor/cve-monitor/pkg/suggest"
	"github.com/cve-monitor/cve-monitor/pkg/utils"
)

func NewApp(version string) *cli.App {
	app := cli.NewApp()
	app.Name = "cve-monitor"
	app.Version = version
	app.Usage = "CVE feed ingestion and snapshot tool"

	app.Commands = []cli.Command{
		{
			Name:   "update",
			Usage:  "ingest changed records and replace the snapshot",
			Action: update,
			Flags: append([]cli.Flag{
				configFlag,
				outputFlag,
				cli.StringFlag{
					Name:  "source",
					Usage: "record source (deltalog, github, local)",
					Value: config.SourceDeltaLog,
				},
				cli.StringFlag{
					Name:  "source-dir",
					Usage: "local clone of the feed repository (local source)",
				},
				cli.StringFlag{
					Name:  "source-url",
					Usage: "delta log URL (deltalog source)",
					Value: cvelist.DefaultDeltaLogURL,
				},
				cli.IntFlag{
					Name:  "days-back",
					Usage: "listing window and recency cutoff in days (0 disables)",
					Value: 7,
				},
				cli.BoolFlag{
					Name:  "since-last-run",
					Usage: "narrow the listing window to the time since the last successful run",
				},
				cli.IntFlag{
					Name:  "workers",
					Usage: "number of records fetched in parallel (1-64)",
					Value: scheduler.DefaultMaxParallel,
				},
				cli.DurationFlag{
					Name:  "pace",
					Usage: "delay before every record fetch",
					Value: 100 * time.Millisecond,
				},
				cli.DurationFlag{
					Name:  "timeout",
					Usage: "abort the run after this duration (0 disables)",
				},
				cli.StringFlag{
					Name:   "token",
					Usage:  "GitHub token for the feed repository",
					EnvVar: "GITHUB_TOKEN",
				},
				cli.BoolFlag{
					Name:  "suggest",
					Usage: "request a remediation suggestion for every written record",
				},
				cli.StringFlag{
					Name:  "suggest-url",
					Usage: "base URL of the OpenAI-compatible API",
					Value: suggest.DefaultBaseURL,
				},
				cli.StringFlag{
					Name:  "suggest-model",
					Usage: "chat model used for suggestions",
					Value: suggest.DefaultModel,
				},
				cli.IntFlag{
					Name:  "suggest-workers",
					Usage: "number of suggestions requested in parallel",
					Value: suggest.DefaultMaxParallel,
				},
				apiKeyFlag,
				cli.StringFlag{
					Name:  "overrides-dir",
					Usage: "directory holding config.yaml and jd patches applied to raw records",
				},
				cli.StringFlag{
					Name:  "metrics-file",
					Usage: "write run metrics in Prometheus textfile format",
				},
				cli.BoolFlag{
					Name:  "progress",
					Usage: "show a spinner and a progress bar",
				},
				cli.StringFlag{
					Name:  "cache-dir",
					Usage: "cache directory path",
					Value: utils.CacheDir(),
				},
				debugFlag,
			}, filterFlags...),
		},
		{
			Name:   "show",
			Usage:  "print the snapshot as a table",
			Action: show,
			Flags: append([]cli.Flag{
				outputFlag,
				cli.IntFlag{
					Name:  "limit",
					Usage: "maximum number of rows (0 prints all)",
				},
			}, filterFlags...),
		},
		{
			Name:   "suggest",
			Usage:  "add remediation suggestions to an existing snapshot",
			Action: suggestSnapshot,
			Flags: []cli.Flag{
				configFlag,
				outputFlag,
				cli.StringFlag{
					Name:  "suggest-url",
					Usage: "base URL of the OpenAI-compatible API",
					Value: suggest.DefaultBaseURL,
				},
				cli.StringFlag{
					Name:  "suggest-model",
					Usage: "chat model used for suggestions",
					Value: suggest.DefaultModel,
				},
				cli.IntFlag{
					Name:  "suggest-workers",
					Usage: "number of suggestions requested in parallel",
					Value: suggest.DefaultMaxParallel,
				},
				apiKeyFlag,
				debugFlag,
			},
		},
		{
			Name:   "serve",
			Usage:  "serve the snapshot over a read-only JSON API",
			Action: serve,
			Flags: []cli.Flag{
				outputFlag,
				cli.StringFlag{
					Name:  "listen",
					Usage: "listen address",
					Value: ":8080",
				},
				debugFlag,
			},
		},
		{
			Name:   "failures",
			Usage:  "list the records that failed during the last update",
			Action: failures,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "cache-dir",
					Usage: "cache directory path",
					Value: utils.CacheDir(),
				},
			},
		},
	}

	return app
}

var (
	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "YAML or TOML config file; flags set explicitly take precedence",
	}
	outputFlag = cli.StringFlag{
		Name:  "output",
		Usage: "snapshot file path",
		Value: config.Default().Output.Path,
	}
	apiKeyFlag = cli.StringFlag{
		Name:   "api-key",
		Usage:  "API key of the suggestion provider",
		EnvVar: "OPENAI_API_KEY",
	}
	debugFlag = cli.BoolFlag{
		Name:  "debug",
		Usage: "debug mode",
	}

	filterFlags = []cli.Flag{
		cli.Float64Flag{
			Name:  "min-severity",
			Usage: "drop records scored below this value",
		},
		cli.StringSliceFlag{
			Name:  "keyword",
			Usage: "keep records whose description contains one of the keywords (repeatable)",
		},
		cli.BoolFlag{
			Name:  "require-poc",
			Usage: "keep records with a proof-of-concept reference only",
		},
	}
)
