package cvelist

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v28/github"
	"golang.org/x/oauth2"
	"golang.org/x/xerrors"
	"k8s.io/utils/clock"

	"github.com/cve-monitor/cve-monitor/pkg/log"
	"github.com/cve-monitor/cve-monitor/pkg/types"
)

type RepositoryInterface interface {
	GetContents(ctx context.Context, path string) (*github.RepositoryContent, []*github.RepositoryContent, *github.Response, error)
}

type Repository struct {
	repository *github.RepositoriesService
	owner      string
	repoName   string
}

func (r Repository) GetContents(ctx context.Context, path string) (*github.RepositoryContent, []*github.RepositoryContent, *github.Response, error) {
	return r.repository.GetContents(ctx, r.owner, r.repoName, path, nil)
}

// GitHub lists records by walking the feed repository with the contents API.
// The contents API cannot tell when a record changed, so every record of each
// year touched by the window is listed and the recency filter runs after
// normalization.
type GitHub struct {
	Clock      clock.PassiveClock
	Repository RepositoryInterface
	Logger     *log.Logger
}

// NewGitHub returns a source backed by api.github.com. An empty token sends
// unauthenticated requests.
func NewGitHub(ctx context.Context, token string) GitHub {
	var hc *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: token},
		)
		hc = oauth2.NewClient(ctx, ts)
	}
	gc := github.NewClient(hc)

	repo := Repository{
		repository: gc.Repositories,
		owner:      owner,
		repoName:   repo,
	}

	return GitHub{
		Clock:      clock.RealClock{},
		Repository: repo,
		Logger:     log.WithPrefix("github"),
	}
}

func (g GitHub) Name() string {
	return "github"
}

func (g GitHub) ListChanges(ctx context.Context, maxAge time.Duration) ([]types.SourceItem, error) {
	var items []types.SourceItem
	for _, year := range years(g.Clock.Now(), maxAge) {
		yearItems, err := g.listYear(ctx, year)
		if err != nil {
			return nil, &SourceListError{Source: g.Name(), Err: err}
		}
		items = append(items, yearItems...)
	}
	g.Logger.Info("Listed records", log.Int("items", len(items)))
	return items, nil
}

func (g GitHub) listYear(ctx context.Context, year int) ([]types.SourceItem, error) {
	yearPath := fmt.Sprintf("%s/%d", recordsDir, year)
	g.Logger.Debug("Listing directory", log.DirPath(yearPath))

	_, dirs, res, err := g.Repository.GetContents(ctx, yearPath)
	if res != nil && res.StatusCode == http.StatusNotFound {
		g.Logger.Warn("Year directory not found", log.DirPath(yearPath))
		return nil, nil
	} else if err != nil {
		return nil, xerrors.Errorf("failed to list %s: %w", yearPath, err)
	}

	var items []types.SourceItem
	for _, dir := range dirs {
		if dir.GetType() != "dir" || !strings.HasSuffix(dir.GetName(), "xxx") {
			continue
		}

		_, files, _, err := g.Repository.GetContents(ctx, dir.GetPath())
		if err != nil {
			return nil, xerrors.Errorf("failed to list %s: %w", dir.GetPath(), err)
		}
		for _, file := range files {
			id, ok := recordID(file.GetName())
			if !ok {
				continue
			}
			location := file.GetURL()
			if location == "" {
				location = file.GetDownloadURL()
			}
			items = append(items, types.SourceItem{ID: id, Location: location})
		}
	}
	return items, nil
}
