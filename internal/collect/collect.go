// Package collect orchestrates one collection run: wholesale metadata
// sync, release-date diffing and incremental fetch/upsert of stale
// commodity/year partitions. Per-pair failures are logged and skipped; the
// run carries on.
package collect

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"exportsales/internal/esr"
	"exportsales/internal/model"
	"exportsales/internal/store"
	"exportsales/internal/upsert"
)

// Feed is the upstream surface the runner consumes. *esr.Client satisfies
// it; tests substitute fakes.
type Feed interface {
	Request(ctx context.Context, endpoint string) ([]map[string]any, error)
	ReleaseDates(ctx context.Context) ([]esr.ReleaseDate, error)
	CommodityExports(ctx context.Context, commodityCode, marketYear int) ([]map[string]any, error)
}

// metadataEndpoints are synced wholesale at the start of every run.
var metadataEndpoints = []struct {
	name     string
	endpoint string
}{
	{"regions", "/regions"},
	{"units", "/unitsOfMeasure"},
	{"commodities", "/commodities"},
	{"countries", "/countries"},
}

// Stats summarizes one run.
type Stats struct {
	Run     string
	Checked int
	Updated int
	Skipped int
	Failed  int
}

// Runner drives the collection pipeline.
type Runner struct {
	feed   Feed
	store  *store.Store
	engine *upsert.Engine
	log    *slog.Logger
}

func New(feed Feed, st *store.Store, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		feed:   feed,
		store:  st,
		engine: upsert.New(st.DB(), logger),
		log:    logger,
	}
}

// Run executes one collection. Metadata failures abort the run; per-pair
// export failures are counted and skipped.
func (r *Runner) Run(ctx context.Context) (Stats, error) {
	stats := Stats{Run: uuid.NewString()}
	log := r.log.With("run", stats.Run)

	log.Info("updating metadata tables")
	for _, meta := range metadataEndpoints {
		rows, err := r.feed.Request(ctx, meta.endpoint)
		if err != nil {
			return stats, fmt.Errorf("collect: fetch %s: %w", meta.name, err)
		}
		if len(rows) == 0 {
			return stats, fmt.Errorf("collect: failed to fetch %s data", meta.name)
		}
		if err := r.engine.Upsert(ctx, "metadata_"+meta.name, rows); err != nil {
			return stats, fmt.Errorf("collect: sync %s: %w", meta.name, err)
		}
	}

	releases, err := r.feed.ReleaseDates(ctx)
	if err != nil {
		return stats, fmt.Errorf("collect: fetch release dates: %w", err)
	}
	if len(releases) == 0 {
		return stats, fmt.Errorf("collect: failed to fetch release dates")
	}

	for _, release := range releases {
		stats.Checked++
		pairLog := log.With("commodity", release.CommodityCode, "year", release.MarketYear)

		need, err := r.store.NeedsRefresh(ctx, release.CommodityCode, release.MarketYear, release.ReleaseStamp)
		if err != nil {
			pairLog.Error("release check failed", "error", err)
			stats.Failed++
			continue
		}
		if !need {
			stats.Skipped++
			continue
		}

		pairLog.Info("fetching export data")
		rows, err := r.feed.CommodityExports(ctx, release.CommodityCode, release.MarketYear)
		if err != nil {
			pairLog.Error("export fetch failed", "error", err)
			stats.Failed++
			continue
		}
		if len(rows) == 0 {
			stats.Skipped++
			continue
		}

		if err := r.engine.Upsert(ctx, "commodity_exports", rows); err != nil {
			pairLog.Error("export upsert failed", "error", err)
			stats.Failed++
			continue
		}

		if err := r.store.RecordRelease(ctx, model.ReleaseRecord{
			CommodityCode:   release.CommodityCode,
			MarketYear:      release.MarketYear,
			ReleaseStamp:    release.ReleaseStamp,
			MarketYearStart: release.MarketYearStart,
			MarketYearEnd:   release.MarketYearEnd,
		}); err != nil {
			pairLog.Error("release record failed", "error", err)
			stats.Failed++
			continue
		}
		stats.Updated++
	}

	log.Info("collection run complete",
		"checked", stats.Checked, "updated", stats.Updated,
		"skipped", stats.Skipped, "failed", stats.Failed)
	return stats, nil
}
