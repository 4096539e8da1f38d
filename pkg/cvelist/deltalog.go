package cvelist

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/oauth2"
	"golang.org/x/xerrors"
	"k8s.io/utils/clock"

	"github.com/cve-monitor/cve-monitor/pkg/log"
	"github.com/cve-monitor/cve-monitor/pkg/set"
	"github.com/cve-monitor/cve-monitor/pkg/types"
)

const DefaultDeltaLogURL = "https://raw.githubusercontent.com/CVEProject/cvelistV5/main/cves/deltaLog.json"

type deltaEntry struct {
	FetchTime       time.Time     `json:"fetchTime"`
	NumberOfChanges int           `json:"numberOfChanges"`
	New             []deltaChange `json:"new"`
	Updated         []deltaChange `json:"updated"`
}

type deltaChange struct {
	CveID       string `json:"cveId"`
	CveOrgLink  string `json:"cveOrgLink"`
	GithubLink  string `json:"githubLink"`
	DateUpdated string `json:"dateUpdated"`
}

type DeltaLogOption func(*DeltaLog)

func WithDeltaLogURL(url string) DeltaLogOption {
	return func(d *DeltaLog) {
		d.url = url
	}
}

func WithHTTPClient(hc *http.Client) DeltaLogOption {
	return func(d *DeltaLog) {
		d.httpClient = hc
	}
}

// WithDeltaLogToken attaches a bearer token to the change log download. An
// empty token leaves the request unauthenticated.
func WithDeltaLogToken(token string) DeltaLogOption {
	return func(d *DeltaLog) {
		d.token = token
	}
}

func WithRetry(initialInterval time.Duration, maxRetries uint64) DeltaLogOption {
	return func(d *DeltaLog) {
		d.initialInterval = initialInterval
		d.maxRetries = maxRetries
	}
}

func WithDeltaLogClock(clock clock.PassiveClock) DeltaLogOption {
	return func(d *DeltaLog) {
		d.clock = clock
	}
}

func WithDeltaLogLogger(logger *log.Logger) DeltaLogOption {
	return func(d *DeltaLog) {
		d.logger = logger
	}
}

// DeltaLog lists changes from the feed's published change log.
type DeltaLog struct {
	url             string
	httpClient      *http.Client
	token           string
	initialInterval time.Duration
	maxRetries      uint64
	clock           clock.PassiveClock
	logger          *log.Logger
}

func NewDeltaLog(opts ...DeltaLogOption) DeltaLog {
	d := &DeltaLog{
		url:             DefaultDeltaLogURL,
		httpClient:      &http.Client{Timeout: 60 * time.Second},
		initialInterval: time.Second,
		maxRetries:      3,
		clock:           clock.RealClock{},
		logger:          log.WithPrefix("deltalog"),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, d.httpClient)
		d.httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: d.token}))
	}
	return *d
}

func (d DeltaLog) Name() string {
	return "deltalog"
}

// ListChanges returns every record created or updated in change-log entries
// fetched within maxAge. Newer entries win on duplicate IDs.
func (d DeltaLog) ListChanges(ctx context.Context, maxAge time.Duration) ([]types.SourceItem, error) {
	entries, err := d.download(ctx)
	if err != nil {
		return nil, &SourceListError{Source: d.Name(), Err: err}
	}

	var cutoff time.Time
	if maxAge > 0 {
		cutoff = d.clock.Now().Add(-maxAge)
	}

	seen := set.New[string]()
	var items []types.SourceItem
	for _, entry := range entries {
		if maxAge > 0 && entry.FetchTime.Before(cutoff) {
			continue
		}
		for _, changes := range [][]deltaChange{entry.New, entry.Updated} {
			for _, change := range changes {
				if change.CveID == "" || !seen.Add(change.CveID) {
					continue
				}
				items = append(items, types.SourceItem{ID: change.CveID, Location: change.GithubLink})
			}
		}
	}

	d.logger.Info("Listed changes", log.Int("entries", len(entries)), log.Int("items", len(items)))
	return items, nil
}

func (d DeltaLog) download(ctx context.Context) ([]deltaEntry, error) {
	var entries []deltaEntry
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := d.httpClient.Do(req)
		if err != nil {
			return xerrors.Errorf("request error: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
			_, _ = io.Copy(io.Discard, resp.Body)
			return xerrors.Errorf("status code %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			_, _ = io.Copy(io.Discard, resp.Body)
			return backoff.Permanent(xerrors.Errorf("status code %d", resp.StatusCode))
		}

		if err = json.NewDecoder(resp.Body).Decode(&entries); err != nil {
			return backoff.Permanent(xerrors.Errorf("json decode error: %w", err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.initialInterval
	b := backoff.WithContext(backoff.WithMaxRetries(bo, d.maxRetries), ctx)
	err := backoff.RetryNotify(operation, b, func(err error, next time.Duration) {
		d.logger.Warn("Retrying change log download", log.Duration("after", next), log.Err(err))
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to download %s: %w", d.url, err)
	}
	return entries, nil
}
