package collect

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exportsales/internal/esr"
	"exportsales/internal/store"
)

// fakeFeed answers metadata and export requests from canned maps and
// counts export fetches per commodity/year pair.
type fakeFeed struct {
	metadata map[string][]map[string]any
	releases []esr.ReleaseDate
	exports  map[[2]int][]map[string]any
	failures map[[2]int]error

	exportCalls map[[2]int]int
}

func (f *fakeFeed) Request(ctx context.Context, endpoint string) ([]map[string]any, error) {
	return f.metadata[endpoint], nil
}

func (f *fakeFeed) ReleaseDates(ctx context.Context) ([]esr.ReleaseDate, error) {
	return f.releases, nil
}

func (f *fakeFeed) CommodityExports(ctx context.Context, commodityCode, marketYear int) ([]map[string]any, error) {
	pair := [2]int{commodityCode, marketYear}
	if f.exportCalls == nil {
		f.exportCalls = make(map[[2]int]int)
	}
	f.exportCalls[pair]++
	if err := f.failures[pair]; err != nil {
		return nil, err
	}
	return f.exports[pair], nil
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		metadata: map[string][]map[string]any{
			"/regions":        {{"regionId": float64(1), "regionName": "Asia"}},
			"/unitsOfMeasure": {{"unitId": float64(1), "unitNames": "Metric Tons"}},
			"/commodities":    {{"commodityCode": float64(101), "commodityName": "Wheat", "unitId": float64(1)}},
			"/countries":      {{"countryCode": "KR", "countryName": "Korea, South"}},
		},
		releases: []esr.ReleaseDate{
			{CommodityCode: 101, MarketYear: 2023, ReleaseStamp: "2023-06-01T12:00:00",
				MarketYearStart: "2022-09-01", MarketYearEnd: "2023-08-31"},
		},
		exports: map[[2]int][]map[string]any{
			{101, 2023}: {{
				"commodity_code": 101, "market_year": 2023,
				"weekEndingDate": "2023-01-05T00:00:00", "countryCode": "KR",
				"unitId": float64(1), "weeklyExports": 100.0,
			}},
		},
		failures: map[[2]int]error{},
	}
}

func newTestRunner(t *testing.T, feed Feed) (*Runner, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "esr_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(feed, st, logger), st
}

func TestRunCollectsAndRecordsRelease(t *testing.T) {
	feed := newFakeFeed()
	runner, st := newTestRunner(t, feed)

	stats, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, stats.Run)
	assert.Equal(t, 1, stats.Checked)
	assert.Equal(t, 1, stats.Updated)
	assert.Equal(t, 0, stats.Skipped)
	assert.Equal(t, 0, stats.Failed)

	commodities, err := st.Commodities(context.Background())
	require.NoError(t, err)
	require.Len(t, commodities, 1)
	assert.Equal(t, "Wheat", commodities[0].Name)

	rows, err := st.ExportRows(context.Background(), 101, 2023, 2023)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestRunSkipsFreshReleases(t *testing.T) {
	feed := newFakeFeed()
	runner, _ := newTestRunner(t, feed)
	ctx := context.Background()

	_, err := runner.Run(ctx)
	require.NoError(t, err)

	stats, err := runner.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 0, stats.Updated)
	assert.Equal(t, 1, feed.exportCalls[[2]int{101, 2023}], "fresh pairs are not refetched")
}

func TestRunRefetchesOnNewerStamp(t *testing.T) {
	feed := newFakeFeed()
	runner, _ := newTestRunner(t, feed)
	ctx := context.Background()

	_, err := runner.Run(ctx)
	require.NoError(t, err)

	feed.releases[0].ReleaseStamp = "2023-06-08T12:00:00"
	stats, err := runner.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)
	assert.Equal(t, 2, feed.exportCalls[[2]int{101, 2023}])
}

func TestRunContinuesPastPairFailure(t *testing.T) {
	feed := newFakeFeed()
	feed.releases = append(feed.releases, esr.ReleaseDate{
		CommodityCode: 102, MarketYear: 2023, ReleaseStamp: "2023-06-01T12:00:00",
	})
	feed.failures[[2]int{101, 2023}] = errors.New("upstream flaked")
	runner, _ := newTestRunner(t, feed)

	stats, err := runner.Run(context.Background())
	require.NoError(t, err, "pair failures never abort the run")
	assert.Equal(t, 2, stats.Checked)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Skipped, "the pair with no export rows is skipped")
}

func TestRunFailedPairRetriedNextRun(t *testing.T) {
	feed := newFakeFeed()
	feed.failures[[2]int{101, 2023}] = errors.New("upstream flaked")
	runner, _ := newTestRunner(t, feed)
	ctx := context.Background()

	stats, err := runner.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	// The release was never recorded, so the next run tries again.
	delete(feed.failures, [2]int{101, 2023})
	stats, err = runner.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)
}

func TestRunAbortsOnEmptyMetadata(t *testing.T) {
	feed := newFakeFeed()
	feed.metadata["/commodities"] = nil
	runner, _ := newTestRunner(t, feed)

	_, err := runner.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commodities")
}

func TestRunAbortsOnEmptyReleaseDates(t *testing.T) {
	feed := newFakeFeed()
	feed.releases = nil
	runner, _ := newTestRunner(t, feed)

	_, err := runner.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "release dates")
}
