// Package store is the read side of the persisted export sales database
// and the release tracker that drives incremental collection.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"exportsales/internal/model"
)

// Store wraps the single local sqlite file. The upsert engine shares the
// same handle via DB().
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and ensures the
// release-tracking table exists.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: path is required")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying handle for the upsert engine.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	statements := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS data_releases (
			commodityCode INTEGER,
			marketYear INTEGER,
			releaseTimeStamp TEXT,
			recorded_at TIMESTAMP,
			marketYearStart TEXT,
			marketYearEnd TEXT,
			PRIMARY KEY (commodityCode, marketYear)
		);`,
	}
	for _, statement := range statements {
		if _, err := s.db.Exec(statement); err != nil {
			return err
		}
	}
	return nil
}

// NeedsRefresh reports whether the upstream release stamp is newer than the
// recorded one. A missing record always needs a refresh. Stamps compare
// lexicographically, as published.
func (s *Store) NeedsRefresh(ctx context.Context, commodityCode, marketYear int, releaseStamp string) (bool, error) {
	var recorded string
	err := s.db.QueryRowContext(ctx,
		`SELECT releaseTimeStamp FROM data_releases WHERE commodityCode = ? AND marketYear = ?`,
		commodityCode, marketYear,
	).Scan(&recorded)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return releaseStamp > recorded, nil
}

// RecordRelease upserts the release record for one commodity/year pair.
func (s *Store) RecordRelease(ctx context.Context, rec model.ReleaseRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO data_releases
		(commodityCode, marketYear, releaseTimeStamp, recorded_at, marketYearStart, marketYearEnd)
		VALUES (?, ?, ?, datetime('now'), ?, ?)
	`, rec.CommodityCode, rec.MarketYear, rec.ReleaseStamp, rec.MarketYearStart, rec.MarketYearEnd)
	return err
}

// Commodities lists the available commodities ordered by name.
func (s *Store) Commodities(ctx context.Context) ([]model.Commodity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT commodityCode, commodityName, unitId
		FROM metadata_commodities
		ORDER BY commodityName
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	commodities := make([]model.Commodity, 0)
	for rows.Next() {
		var c model.Commodity
		if err := rows.Scan(&c.Code, &c.Name, &c.UnitID); err != nil {
			return nil, err
		}
		commodities = append(commodities, c)
	}
	return commodities, rows.Err()
}

// Countries lists the known countries ordered by name.
func (s *Store) Countries(ctx context.Context) ([]model.Country, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT countryCode, countryName
		FROM metadata_countries
		ORDER BY countryName
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	countries := make([]model.Country, 0)
	for rows.Next() {
		var c model.Country
		if err := rows.Scan(&c.Code, &c.Name); err != nil {
			return nil, err
		}
		countries = append(countries, c)
	}
	return countries, rows.Err()
}

// CountriesWithData returns country names holding export data for the
// commodity and year range, ranked by total weekly exports descending.
func (s *Store) CountriesWithData(ctx context.Context, commodityCode, startYear, endYear int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			mc.countryName,
			SUM(COALESCE(e.weeklyExports, 0)) AS total_exports
		FROM commodity_exports e
		JOIN metadata_countries mc ON e.countryCode = mc.countryCode
		WHERE e.commodity_code = ?
		AND e.market_year BETWEEN ? AND ?
		GROUP BY mc.countryName
		ORDER BY total_exports DESC
	`, commodityCode, startYear, endYear)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		var total float64
		if err := rows.Scan(&name, &total); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// MarketingYears returns the released marketing-year calendar for a
// commodity plus one synthetic projected year 12 months past the latest,
// so charts can show an in-progress year before upstream publishes it.
func (s *Store) MarketingYears(ctx context.Context, commodityCode int) ([]model.MarketingYear, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT marketYear, marketYearStart, marketYearEnd
		FROM data_releases
		WHERE commodityCode = ?
		ORDER BY marketYear
	`, commodityCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	years := make([]model.MarketingYear, 0)
	for rows.Next() {
		var (
			year       int
			start, end string
		)
		if err := rows.Scan(&year, &start, &end); err != nil {
			return nil, err
		}
		startDate, err := parseFeedDate(start)
		if err != nil {
			return nil, fmt.Errorf("store: marketing year %d start: %w", year, err)
		}
		endDate, err := parseFeedDate(end)
		if err != nil {
			return nil, fmt.Errorf("store: marketing year %d end: %w", year, err)
		}
		years = append(years, model.MarketingYear{
			CommodityCode: commodityCode,
			Year:          year,
			Start:         startDate,
			End:           endDate,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(years) == 0 {
		return nil, fmt.Errorf("store: no marketing year data for commodity %d", commodityCode)
	}

	latest := years[len(years)-1]
	years = append(years, model.MarketingYear{
		CommodityCode: commodityCode,
		Year:          latest.Year + 1,
		Start:         latest.Start.AddDate(1, 0, 0),
		End:           latest.End.AddDate(1, 0, 0),
		Projected:     true,
	})
	return years, nil
}

// UnitInfo carries a commodity's display-unit metadata.
type UnitInfo struct {
	CommodityCode int
	CommodityName string
	UnitID        int
	UnitName      string
}

// Unit returns unit metadata for one commodity.
func (s *Store) Unit(ctx context.Context, commodityCode int) (UnitInfo, error) {
	var info UnitInfo
	err := s.db.QueryRowContext(ctx, `
		SELECT m.commodityCode, m.commodityName, m.unitId, u.unitNames
		FROM metadata_commodities m
		JOIN metadata_units u ON m.unitId = u.unitId
		WHERE m.commodityCode = ?
	`, commodityCode).Scan(&info.CommodityCode, &info.CommodityName, &info.UnitID, &info.UnitName)
	if err == sql.ErrNoRows {
		return UnitInfo{}, fmt.Errorf("store: no commodity found with code %d", commodityCode)
	}
	if err != nil {
		return UnitInfo{}, err
	}
	return info, nil
}

// exportColumns are the raw metric columns the reshape engine consumes.
// The fact table's schema is inferred from the feed, so any of these may be
// absent; missing ones are selected as NULL.
var exportColumns = []string{
	"weeklyExports",
	"accumulatedExports",
	"outstandingSales",
	"grossNewSales",
	"currentMYNetSales",
	"currentMYTotalCommitment",
	"nextMYNetSales",
	"nextMYOutstandingSales",
}

// ExportRows reads the raw export observations for a commodity and year
// range, joined with metadata names, ordered by week-ending date.
func (s *Store) ExportRows(ctx context.Context, commodityCode, startYear, endYear int) ([]model.ExportRow, error) {
	present, err := s.factColumns(ctx)
	if err != nil {
		return nil, err
	}
	if present == nil {
		return nil, nil
	}

	selects := make([]string, 0, len(exportColumns))
	for _, col := range exportColumns {
		if _, ok := present[col]; ok {
			selects = append(selects, fmt.Sprintf("e.%q", col))
		} else {
			selects = append(selects, fmt.Sprintf("NULL AS %q", col))
		}
	}

	query := fmt.Sprintf(`
		SELECT
			e.commodity_code,
			e.market_year,
			e.weekEndingDate,
			e.countryCode,
			c.commodityName,
			mc.countryName,
			u.unitNames,
			%s
		FROM commodity_exports e
		JOIN metadata_commodities c ON e.commodity_code = c.commodityCode
		JOIN metadata_countries mc ON e.countryCode = mc.countryCode
		JOIN metadata_units u ON e.unitId = u.unitId
		WHERE e.commodity_code = ?
		AND e.market_year BETWEEN ? AND ?
		ORDER BY e.weekEndingDate
	`, strings.Join(selects, ",\n\t\t\t"))

	rows, err := s.db.QueryContext(ctx, query, commodityCode, startYear, endYear)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.ExportRow, 0)
	for rows.Next() {
		var (
			row     model.ExportRow
			weekRaw string
		)
		if err := rows.Scan(
			&row.CommodityCode,
			&row.MarketYear,
			&weekRaw,
			&row.CountryCode,
			&row.CommodityName,
			&row.CountryName,
			&row.Unit,
			&row.WeeklyExports,
			&row.AccumulatedExports,
			&row.OutstandingSales,
			&row.GrossNewSales,
			&row.CurrentMYNetSales,
			&row.CurrentMYTotalCommitment,
			&row.NextMYNetSales,
			&row.NextMYOutstandingSales,
		); err != nil {
			return nil, err
		}
		week, err := parseFeedDate(weekRaw)
		if err != nil {
			return nil, fmt.Errorf("store: week ending date %q: %w", weekRaw, err)
		}
		row.WeekEndingDate = week
		out = append(out, row)
	}
	return out, rows.Err()
}

// factColumns returns the fact table's column set, or nil when the table
// has not been created yet (no collection has run).
func (s *Store) factColumns(ctx context.Context) (map[string]struct{}, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'commodity_exports'`,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `PRAGMA table_info("commodity_exports")`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns := make(map[string]struct{})
	for rows.Next() {
		var (
			cid        int
			colName    string
			colType    string
			notNull    int
			defaultVal sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &defaultVal, &primaryKey); err != nil {
			return nil, err
		}
		columns[colName] = struct{}{}
	}
	return columns, rows.Err()
}

// feedDateLayouts covers the date shapes the feed and sqlite hand back.
var feedDateLayouts = []string{
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseFeedDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range feedDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", raw)
}
