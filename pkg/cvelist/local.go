package cvelist

import (
	"context"
	"io/fs"
	"path/filepath"
	"strconv"
	"time"

	"github.com/samber/oops"
	"k8s.io/utils/clock"

	"github.com/cve-monitor/cve-monitor/pkg/log"
	"github.com/cve-monitor/cve-monitor/pkg/types"
	"github.com/cve-monitor/cve-monitor/pkg/utils"
)

// Local lists records from a clone of the feed repository.
type Local struct {
	Dir    string
	Clock  clock.PassiveClock
	Logger *log.Logger
}

func NewLocal(dir string) Local {
	return Local{
		Dir:    dir,
		Clock:  clock.RealClock{},
		Logger: log.WithPrefix("local"),
	}
}

func (l Local) Name() string {
	return "local"
}

func (l Local) ListChanges(ctx context.Context, maxAge time.Duration) ([]types.SourceItem, error) {
	var items []types.SourceItem
	for _, year := range years(l.Clock.Now(), maxAge) {
		yearItems, err := l.walkYear(ctx, year)
		if err != nil {
			return nil, &SourceListError{Source: l.Name(), Err: err}
		}
		items = append(items, yearItems...)
	}
	l.Logger.Info("Listed records", log.DirPath(l.Dir), log.Int("items", len(items)))
	return items, nil
}

func (l Local) walkYear(ctx context.Context, year int) ([]types.SourceItem, error) {
	root := filepath.Join(l.Dir, recordsDir, strconv.Itoa(year))
	eb := oops.With("dir_path", root)

	if ok, err := utils.Exists(root); err != nil {
		return nil, eb.Wrapf(err, "stat error")
	} else if !ok {
		l.Logger.Warn("Year directory not found", log.DirPath(root))
		return nil, nil
	}

	var items []types.SourceItem
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err = ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if id, ok := recordID(d.Name()); ok {
			items = append(items, types.SourceItem{ID: id, Location: path})
		}
		return nil
	})
	if err != nil {
		return nil, eb.Wrapf(err, "walk error")
	}
	return items, nil
}
