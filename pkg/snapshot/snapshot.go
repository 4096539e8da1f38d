package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/samber/oops"
	"k8s.io/utils/clock"

	"github.com/cve-monitor/cve-monitor/pkg/log"
	"github.com/cve-monitor/cve-monitor/pkg/types"
	"github.com/cve-monitor/cve-monitor/pkg/utils"
)

const DefaultFileName = "cves.json"

// WriteError is returned when the snapshot cannot be persisted. The previous
// file at Path, if any, is left untouched.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("snapshot write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

type Option func(*Client)

func WithClock(clock clock.PassiveClock) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client reads and writes the snapshot file
type Client struct {
	filePath string
	clock    clock.PassiveClock
	logger   *log.Logger
}

// NewClient is the factory method for the snapshot Client
func NewClient(filePath string, opts ...Option) Client {
	c := &Client{
		filePath: filePath,
		clock:    clock.RealClock{},
		logger:   log.WithPrefix("snapshot"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return *c
}

func (c Client) Path() string {
	return c.filePath
}

// Distribution counts records per severity bucket.
func Distribution(records []types.Record) types.SeverityDistribution {
	var d types.SeverityDistribution
	for _, r := range records {
		d.Add(types.BucketOf(r.Severity))
	}
	return d
}

// Build wraps records into a snapshot stamped with the current time.
func (c Client) Build(records []types.Record) types.Snapshot {
	if records == nil {
		records = []types.Record{}
	}
	return types.Snapshot{
		DataType:    types.SnapshotDataType,
		DataVersion: types.SnapshotDataVersion,
		Metadata: types.SnapshotMetadata{
			TotalCount:           len(records),
			LastUpdated:          c.clock.Now().UTC(),
			SeverityDistribution: Distribution(records),
		},
		Records: records,
	}
}

// Write replaces the snapshot file with records. The new content is written
// to a temporary file in the same directory and renamed over the target.
func (c Client) Write(records []types.Record) (types.Snapshot, error) {
	snap := c.Build(records)
	if err := c.write(snap); err != nil {
		return types.Snapshot{}, &WriteError{Path: c.filePath, Err: err}
	}

	c.logger.Info("Snapshot written", log.FilePath(c.filePath),
		log.Int("total", snap.Metadata.TotalCount))
	return snap, nil
}

func (c Client) write(snap types.Snapshot) error {
	dir := filepath.Dir(c.filePath)
	eb := oops.With("file_path", c.filePath)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eb.Wrapf(err, "mkdir error")
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(c.filePath)+".*.tmp")
	if err != nil {
		return eb.Wrapf(err, "temp file create error")
	}
	tmpPath := f.Name()
	committed := false
	defer func() {
		if !committed {
			_ = f.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err = enc.Encode(snap); err != nil {
		return eb.Wrapf(err, "json encode error")
	}
	if err = f.Sync(); err != nil {
		return eb.Wrapf(err, "fsync error")
	}
	if err = f.Close(); err != nil {
		return eb.Wrapf(err, "file close error")
	}
	if err = os.Chmod(tmpPath, 0o644); err != nil {
		return eb.Wrapf(err, "chmod error")
	}
	if err = os.Rename(tmpPath, c.filePath); err != nil {
		return eb.Wrapf(err, "rename error")
	}
	committed = true
	return nil
}

// Read returns the current snapshot
func (c Client) Read() (types.Snapshot, error) {
	var snap types.Snapshot
	if err := utils.UnmarshalJSONFile(&snap, c.filePath); err != nil {
		return types.Snapshot{}, err
	}
	if snap.DataType != types.SnapshotDataType {
		return types.Snapshot{}, oops.With("file_path", c.filePath).Errorf("unexpected data type %q", snap.DataType)
	}
	return snap, nil
}
