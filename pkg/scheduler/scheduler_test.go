package scheduler_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ct "k8s.io/utils/clock/testing"

	"github.com/cve-monitor/cve-monitor/pkg/fetcher"
	"github.com/cve-monitor/cve-monitor/pkg/log"
	"github.com/cve-monitor/cve-monitor/pkg/normalizer"
	"github.com/cve-monitor/cve-monitor/pkg/scheduler"
	"github.com/cve-monitor/cve-monitor/pkg/types"
)

var now = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

// fakeFetcher serves a minimal record for every item. Items listed in fail
// return an error, items listed in broken return undecodable JSON.
type fakeFetcher struct {
	fail      map[string]bool
	broken    map[string]bool
	skip      map[string]bool
	published map[string]string
	delay     time.Duration

	inFlight atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32
}

func (f *fakeFetcher) Fetch(ctx context.Context, item types.SourceItem) ([]byte, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, &fetcher.FetchError{ID: item.ID, Location: item.Location, Err: ctx.Err()}
		}
	}

	switch {
	case f.fail[item.ID]:
		return nil, &fetcher.FetchError{ID: item.ID, Location: item.Location, StatusCode: 500}
	case f.broken[item.ID]:
		return []byte(`{"cveMetadata":`), nil
	case f.skip[item.ID]:
		return nil, fetcher.ErrSkipped
	}

	published := "2024-05-30T00:00:00Z"
	if p, ok := f.published[item.ID]; ok {
		published = p
	}
	if published == "" {
		return []byte(fmt.Sprintf(`{"cveMetadata":{"cveId":%q}}`, item.ID)), nil
	}
	return []byte(fmt.Sprintf(`{"cveMetadata":{"cveId":%q,"datePublished":%q}}`, item.ID, published)), nil
}

func newItems(n int) []types.SourceItem {
	items := make([]types.SourceItem, 0, n)
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("CVE-2024-%04d", i)
		items = append(items, types.SourceItem{ID: id, Location: "https://example.com/" + id + ".json"})
	}
	return items
}

func newScheduler(f scheduler.Fetcher, opts ...scheduler.Option) scheduler.Scheduler {
	n := normalizer.New(
		normalizer.WithClock(ct.NewFakePassiveClock(now)),
		normalizer.WithLogger(log.Discard()),
	)
	opts = append([]scheduler.Option{
		scheduler.WithClock(ct.NewFakePassiveClock(now)),
		scheduler.WithLogger(log.Discard()),
	}, opts...)
	return scheduler.New(f, n, opts...)
}

func TestScheduler_Run(t *testing.T) {
	f := &fakeFetcher{
		fail: map[string]bool{
			"CVE-2024-0007": true,
			"CVE-2024-0021": true,
			"CVE-2024-0042": true,
		},
		delay: time.Millisecond,
	}
	s := newScheduler(f, scheduler.WithMaxParallel(5))

	got, err := s.Run(context.Background(), newItems(50), 7*24*time.Hour)
	require.NoError(t, err)

	assert.Len(t, got.Records, 47)
	require.Len(t, got.Failures, 3)
	for _, failure := range got.Failures {
		assert.Equal(t, scheduler.StageFetch, failure.Stage)
		var fetchErr *fetcher.FetchError
		assert.ErrorAs(t, failure.Err, &fetchErr)
	}
	assert.Equal(t, "CVE-2024-0007", got.Failures[0].Item.ID)
	assert.Equal(t, "CVE-2024-0021", got.Failures[1].Item.ID)
	assert.Equal(t, "CVE-2024-0042", got.Failures[2].Item.ID)
	assert.LessOrEqual(t, f.peak.Load(), int32(5))
	assert.EqualValues(t, 50, f.calls.Load())
}

func TestScheduler_Run_Outcomes(t *testing.T) {
	f := &fakeFetcher{
		broken: map[string]bool{"CVE-2024-0002": true},
		skip:   map[string]bool{"CVE-2024-0003": true},
		published: map[string]string{
			"CVE-2024-0004": "2024-01-01T00:00:00Z",
			"CVE-2024-0005": "",
		},
	}
	items := append(newItems(5), types.SourceItem{ID: "CVE-2024-0001", Location: "https://example.com/duplicate.json"})

	tests := []struct {
		name         string
		maxAge       time.Duration
		wantIDs      []string
		wantStale    int
		wantRepaired int
	}{
		{
			name:         "recency filter",
			maxAge:       30 * 24 * time.Hour,
			wantIDs:      []string{"CVE-2024-0001", "CVE-2024-0005"},
			wantStale:    1,
			wantRepaired: 1,
		},
		{
			name:         "recency filter disabled",
			maxAge:       0,
			wantIDs:      []string{"CVE-2024-0001", "CVE-2024-0004", "CVE-2024-0005"},
			wantRepaired: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := newScheduler(f).Run(context.Background(), items, tt.maxAge)
			require.NoError(t, err)

			var ids []string
			for _, r := range got.Records {
				ids = append(ids, r.ID)
			}
			assert.Equal(t, tt.wantIDs, ids)
			assert.Equal(t, tt.wantStale, got.Stale)
			assert.Equal(t, tt.wantRepaired, got.Repaired)
			assert.Equal(t, 1, got.Skipped)

			require.Len(t, got.Failures, 1)
			assert.Equal(t, "CVE-2024-0002", got.Failures[0].Item.ID)
			assert.Equal(t, scheduler.StageNormalize, got.Failures[0].Stage)
			var normErr *normalizer.NormalizeError
			assert.ErrorAs(t, got.Failures[0].Err, &normErr)
		})
	}
}

func TestScheduler_Run_Canceled(t *testing.T) {
	t.Run("before start", func(t *testing.T) {
		f := &fakeFetcher{}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		got, err := newScheduler(f).Run(ctx, newItems(10), 0)
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
		assert.Empty(t, got.Records)
		assert.Zero(t, f.calls.Load())
	})

	t.Run("timeout while running", func(t *testing.T) {
		f := &fakeFetcher{delay: time.Second}
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		got, err := newScheduler(f, scheduler.WithMaxParallel(2)).Run(ctx, newItems(20), 0)
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
		assert.Empty(t, got.Records)
		assert.Less(t, f.calls.Load(), int32(20))
	})
}

func TestScheduler_Run_Progress(t *testing.T) {
	var buf bytes.Buffer
	got, err := newScheduler(&fakeFetcher{}, scheduler.WithProgress(&buf)).Run(context.Background(), newItems(3), 0)
	require.NoError(t, err)
	assert.Len(t, got.Records, 3)
	assert.NotEmpty(t, buf.String())
}

func TestWithMaxParallel(t *testing.T) {
	for _, n := range []int{-1, 0, 1, 100} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			f := &fakeFetcher{delay: time.Millisecond}
			_, err := newScheduler(f, scheduler.WithMaxParallel(n)).Run(context.Background(), newItems(80), 0)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, f.peak.Load(), int32(1))
			assert.LessOrEqual(t, f.peak.Load(), int32(scheduler.MaxParallelLimit))
		})
	}
}
