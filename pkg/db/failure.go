package db

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

// Failure is an item that could not be ingested by the last run.
type Failure struct {
	ID       string    `json:"-"`
	Location string    `json:"location"`
	Stage    string    `json:"stage"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// ReplaceFailures drops the failures of the previous run and stores the new ones.
func (dbc Config) ReplaceFailures(failures []Failure) error {
	err := db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(failuresBucket)) != nil {
			if err := tx.DeleteBucket([]byte(failuresBucket)); err != nil {
				return xerrors.Errorf("failed to delete bucket: %w", err)
			}
		}
		for _, f := range failures {
			if err := dbc.put(tx, failuresBucket, f.ID, f); err != nil {
				return xerrors.Errorf("failed to put %s: %w", f.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return xerrors.Errorf("failed to save failures: %w", err)
	}
	return nil
}

// ListFailures returns the stored failures ordered by ID.
func (dbc Config) ListFailures() ([]Failure, error) {
	var failures []Failure
	err := dbc.forEach(failuresBucket, func(k, v []byte) error {
		var f Failure
		if err := json.Unmarshal(v, &f); err != nil {
			return xerrors.Errorf("json unmarshal error (%s): %w", k, err)
		}
		f.ID = string(k)
		failures = append(failures, f)
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to list failures: %w", err)
	}
	return failures, nil
}
