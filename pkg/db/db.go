package db

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/xerrors"

	"github.com/cve-monitor/cve-monitor/pkg/log"
)

const (
	SchemaVersion = 1

	stateBucket    = "state"
	failuresBucket = "failures"
)

var (
	db    *bolt.DB
	dbDir string
)

// Operations is the run-state API used by the pipeline.
type Operations interface {
	SetMetadata(Metadata) error
	GetCursor() (time.Time, bool, error)
	SetCursor(time.Time) error
	ReplaceFailures([]Failure) error
	ListFailures() ([]Failure, error)
}

type Metadata struct {
	Version   int
	RunID     string
	UpdatedAt time.Time
}

type Config struct {
}

func Init(cacheDir string) (err error) {
	dbPath := Path(cacheDir)
	dbDir = filepath.Dir(dbPath)
	if err = os.MkdirAll(dbDir, 0700); err != nil {
		return xerrors.Errorf("failed to mkdir: %w", err)
	}

	log.Debug("Opening run state", log.FilePath(dbPath))
	db, err = bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return xerrors.Errorf("failed to open db: %w", err)
	}
	return nil
}

func Path(cacheDir string) string {
	dbDir = filepath.Join(cacheDir, "db")
	dbPath := filepath.Join(dbDir, "cve-monitor.db")
	return dbPath
}

func Close() error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return xerrors.Errorf("failed to close DB: %w", err)
	}
	db = nil
	return nil
}

func GetMetadata() (Metadata, error) {
	var metadata Metadata
	value, err := Config{}.get(stateBucket, "metadata")
	if err != nil {
		return Metadata{}, err
	} else if value == nil {
		return Metadata{}, nil
	}
	if err = json.Unmarshal(value, &metadata); err != nil {
		return Metadata{}, xerrors.Errorf("json unmarshal error: %w", err)
	}
	return metadata, nil
}

func (dbc Config) SetMetadata(metadata Metadata) error {
	err := dbc.update(stateBucket, "metadata", metadata)
	if err != nil {
		return xerrors.Errorf("failed to save metadata: %w", err)
	}
	return nil
}

func (dbc Config) update(bucket, key string, value interface{}) error {
	err := db.Update(func(tx *bolt.Tx) error {
		return dbc.put(tx, bucket, key, value)
	})
	if err != nil {
		return xerrors.Errorf("error in db update: %w", err)
	}
	return nil
}

func (dbc Config) put(tx *bolt.Tx, bucket, key string, value interface{}) error {
	b, err := tx.CreateBucketIfNotExists([]byte(bucket))
	if err != nil {
		return xerrors.Errorf("failed to create a bucket: %w", err)
	}
	v, err := json.Marshal(value)
	if err != nil {
		return xerrors.Errorf("failed to marshal JSON: %w", err)
	}
	return b.Put([]byte(key), v)
}

func (dbc Config) get(bucket, key string) (value []byte, err error) {
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			value = make([]byte, len(v))
			copy(value, v)
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to get data from db: %w", err)
	}
	return value, nil
}

// forEach visits the bucket in key order.
func (dbc Config) forEach(bucket string, fn func(k, v []byte) error) error {
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(fn)
	})
	if err != nil {
		return xerrors.Errorf("failed to iterate bucket %s: %w", bucket, err)
	}
	return nil
}
