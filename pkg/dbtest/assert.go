package dbtest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

var (
	ErrNoBucket = xerrors.New("no such bucket")
)

// JSONEq asserts that bucket/key in the closed database at dbPath holds want.
func JSONEq(t *testing.T, dbPath, bucket, key string, want interface{}, msgAndArgs ...interface{}) {
	t.Helper()

	wantByte, err := json.Marshal(want)
	require.NoError(t, err, msgAndArgs...)

	got, err := get(dbPath, bucket, key)
	require.NoError(t, err, msgAndArgs...)

	assert.JSONEq(t, string(wantByte), string(got), msgAndArgs...)
}

// NoBucket asserts that bucket does not exist.
func NoBucket(t *testing.T, dbPath, bucket string, msgAndArgs ...interface{}) {
	t.Helper()

	_, err := get(dbPath, bucket, "")
	assert.ErrorIs(t, err, ErrNoBucket, msgAndArgs...)
}

func get(dbPath, bucket, key string) ([]byte, error) {
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var b []byte
	err = db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucket))
		if bkt == nil {
			return xerrors.Errorf("bucket error %s: %w", bucket, ErrNoBucket)
		}
		res := bkt.Get([]byte(key))

		// Copy the returned value
		b = make([]byte, len(res))
		copy(b, res)
		return nil
	})
	return b, err
}
