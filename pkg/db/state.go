package db

import (
	"encoding/json"
	"time"

	"golang.org/x/xerrors"
)

const cursorKey = "cursor"

// GetCursor returns the time of the last successful run. The bool is false
// when no run has completed yet.
func (dbc Config) GetCursor() (time.Time, bool, error) {
	value, err := dbc.get(stateBucket, cursorKey)
	if err != nil {
		return time.Time{}, false, xerrors.Errorf("failed to get cursor: %w", err)
	} else if value == nil {
		return time.Time{}, false, nil
	}

	var cursor time.Time
	if err = json.Unmarshal(value, &cursor); err != nil {
		return time.Time{}, false, xerrors.Errorf("json unmarshal error: %w", err)
	}
	return cursor, true, nil
}

func (dbc Config) SetCursor(cursor time.Time) error {
	if err := dbc.update(stateBucket, cursorKey, cursor.UTC()); err != nil {
		return xerrors.Errorf("failed to save cursor: %w", err)
	}
	return nil
}
