package fetcher

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/xerrors"
	"k8s.io/utils/clock"

	"github.com/cve-monitor/cve-monitor/pkg/log"
	"github.com/cve-monitor/cve-monitor/pkg/override"
	"github.com/cve-monitor/cve-monitor/pkg/types"
)

const (
	DefaultPace = 100 * time.Millisecond

	userAgent = "cve-monitor"
)

// ErrSkipped is returned when an override patch removes the record entirely.
var ErrSkipped = xerrors.New("record skipped by override")

// FetchError describes a record that could not be retrieved.
type FetchError struct {
	ID         string
	Location   string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s (%s): status code %d", e.ID, e.Location, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s (%s): %v", e.ID, e.Location, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithToken attaches a bearer token to every HTTP request. An empty token
// leaves requests unauthenticated.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

func WithPace(pace time.Duration) Option {
	return func(c *Client) {
		c.pace = pace
	}
}

func WithClock(clock clock.Clock) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

func WithOverrides(patches *override.Patches) Option {
	return func(c *Client) {
		c.patches = patches
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client retrieves raw record bodies from HTTP(S) URLs or local paths.
// It keeps no per-run state and never retries.
type Client struct {
	httpClient *http.Client
	token      string
	pace       time.Duration
	clock      clock.Clock
	patches    *override.Patches
	logger     *log.Logger
}

func NewClient(opts ...Option) Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		pace:       DefaultPace,
		clock:      clock.RealClock{},
		logger:     log.WithPrefix("fetcher"),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, c.httpClient)
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.token})
		c.httpClient = oauth2.NewClient(ctx, ts)
	}
	return *c
}

// Fetch waits for the pacing delay and returns the raw body of the record.
func (c Client) Fetch(ctx context.Context, item types.SourceItem) ([]byte, error) {
	if c.pace > 0 {
		c.clock.Sleep(c.pace)
	}
	if err := ctx.Err(); err != nil {
		return nil, &FetchError{ID: item.ID, Location: item.Location, Err: err}
	}

	c.logger.Debug("Fetching record", log.CVEID(item.ID), log.Location(item.Location))

	var body []byte
	var err error
	if isRemote(item.Location) {
		body, err = c.get(ctx, item)
	} else {
		body, err = c.read(item)
	}
	if err != nil {
		return nil, err
	}

	body, err = unwrapContents(body)
	if err != nil {
		return nil, &FetchError{ID: item.ID, Location: item.Location, Err: err}
	}

	return c.applyOverride(item, body)
}

func (c Client) get(ctx context.Context, item types.SourceItem) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.Location, nil)
	if err != nil {
		return nil, &FetchError{ID: item.ID, Location: item.Location, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{ID: item.ID, Location: item.Location, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &FetchError{ID: item.ID, Location: item.Location, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{ID: item.ID, Location: item.Location, Err: xerrors.Errorf("read error: %w", err)}
	}
	return body, nil
}

func (c Client) read(item types.SourceItem) ([]byte, error) {
	body, err := os.ReadFile(strings.TrimPrefix(item.Location, "file://"))
	if err != nil {
		return nil, &FetchError{ID: item.ID, Location: item.Location, Err: err}
	}
	return body, nil
}

func (c Client) applyOverride(item types.SourceItem, body []byte) ([]byte, error) {
	patch, ok := c.patches.Match(item)
	if !ok {
		return body, nil
	}

	patched, err := patch.Apply(body)
	if err != nil {
		return nil, &FetchError{ID: item.ID, Location: item.Location, Err: err}
	}
	if len(patched) == 0 {
		c.logger.Debug("Skipping record due to override", log.CVEID(item.ID))
		return nil, ErrSkipped
	}
	c.logger.Debug("Applied override patch", log.CVEID(item.ID))
	return patched, nil
}

func isRemote(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

// contentsEnvelope is the GitHub contents API response for a single file.
type contentsEnvelope struct {
	Content  *string `json:"content"`
	Encoding string  `json:"encoding"`
}

// unwrapContents decodes a GitHub contents API payload. Any other body is
// returned unchanged.
func unwrapContents(body []byte) ([]byte, error) {
	if !bytes.Contains(body, []byte(`"encoding"`)) {
		return body, nil
	}
	var env contentsEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Content == nil || env.Encoding != "base64" {
		return body, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(*env.Content, "\n", ""))
	if err != nil {
		return nil, xerrors.Errorf("base64 decode error: %w", err)
	}
	return decoded, nil
}
