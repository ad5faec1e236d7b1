// Package reshape turns raw release-versioned export rows into one
// canonical longitudinal series. Each weekly feed record carries both the
// running totals for its own marketing year and a preview of the next
// year's totals; using the row's nominal year directly would under-count
// the new year's early weeks and double-count transition weeks, so every
// row is split into a current-year observation and a re-keyed next-year
// observation before merging.
package reshape

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"exportsales/internal/model"
	"exportsales/internal/store"
)

// ValidationError reports a bad year range or a calendar gap. Not retried;
// surfaced straight to the caller.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return "reshape: " + e.Msg
}

// Source is the store surface the engine reads from.
type Source interface {
	MarketingYears(ctx context.Context, commodityCode int) ([]model.MarketingYear, error)
	Unit(ctx context.Context, commodityCode int) (store.UnitInfo, error)
	ExportRows(ctx context.Context, commodityCode, startYear, endYear int) ([]model.ExportRow, error)
}

// Engine builds canonical observations on demand. The output is a pure,
// disposable projection; nothing here writes to the store.
type Engine struct {
	src Source
}

func New(src Source) *Engine {
	return &Engine{src: src}
}

// calendar indexes marketing years by year number.
type calendar map[int]model.MarketingYear

func newCalendar(years []model.MarketingYear) calendar {
	c := make(calendar, len(years))
	for _, y := range years {
		c[y.Year] = y
	}
	return c
}

// weeksInto computes the 1-indexed whole-week offset of week from its
// marketing year's start. Rows whose year has no calendar entry get an
// invalid index.
func (c calendar) weeksInto(year int, week time.Time) model.WeekIndex {
	my, ok := c[year]
	if !ok {
		return model.WeekIndex{}
	}
	days := int(week.Sub(my.Start) / (24 * time.Hour))
	return model.Week(floorDiv(days, 7) + 1)
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// Load builds the canonical observation sequence for one commodity over an
// inclusive marketing-year range.
func (e *Engine) Load(ctx context.Context, commodityCode, startYear, endYear int) ([]model.Observation, error) {
	if startYear > endYear {
		return nil, &ValidationError{Msg: "start marketing year must be <= end marketing year"}
	}

	years, err := e.src.MarketingYears(ctx, commodityCode)
	if err != nil {
		return nil, err
	}
	cal := newCalendar(years)
	for year := startYear; year <= endYear; year++ {
		if _, ok := cal[year]; !ok {
			return nil, &ValidationError{Msg: fmt.Sprintf("marketing year %d not found for commodity %d", year, commodityCode)}
		}
	}

	unit, err := e.src.Unit(ctx, commodityCode)
	if err != nil {
		return nil, err
	}

	rows, err := e.src.ExportRows(ctx, commodityCode, startYear, endYear)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	observations := make([]model.Observation, 0, 2*len(rows))
	observations = append(observations, currentStream(rows)...)
	observations = append(observations, nextStream(rows, cal)...)

	observations = dedupe(observations)

	for i := range observations {
		observations[i].DisplayUnits = unit.UnitName
		observations[i].WeeksIntoMY = cal.weeksInto(observations[i].MarketYear, observations[i].WeekEndingDate)
	}

	sort.SliceStable(observations, func(i, j int) bool {
		return observations[i].WeekEndingDate.Before(observations[j].WeekEndingDate)
	})
	return observations, nil
}

// currentStream keeps the current-marketing-year fields of every raw row,
// dropping the next-year previews entirely.
func currentStream(rows []model.ExportRow) []model.Observation {
	out := make([]model.Observation, 0, len(rows))
	for _, row := range rows {
		out = append(out, model.Observation{
			WeekEndingDate:     row.WeekEndingDate,
			MarketYear:         row.MarketYear,
			CountryCode:        row.CountryCode,
			CountryName:        row.CountryName,
			NetSales:           toValue(row.CurrentMYNetSales),
			TotalCommitment:    toValue(row.CurrentMYTotalCommitment),
			OutstandingSales:   toValue(row.OutstandingSales),
			AccumulatedExports: toValue(row.AccumulatedExports),
			WeeklyExports:      toValue(row.WeeklyExports),
			GrossNewSales:      toValue(row.GrossNewSales),
		})
	}
	return out
}

// nextStream re-keys each row's next-marketing-year preview into an
// observation of that next year. Rows sitting in week 1 of their own year
// are forward-looking previews of the upcoming year: they are kept only
// when at least one next-year field is present and non-zero, since the
// rest are zero-fill that would pollute the start of the next year's
// series. All other weeks pass through.
func nextStream(rows []model.ExportRow, cal calendar) []model.Observation {
	out := make([]model.Observation, 0, len(rows))
	for _, row := range rows {
		netSales := toValue(row.NextMYNetSales)
		outstanding := toValue(row.NextMYOutstandingSales)

		weeks := cal.weeksInto(row.MarketYear, row.WeekEndingDate)
		if weeks.Valid && weeks.Int == 1 {
			meaningful := (netSales.Valid && netSales.Float64 != 0) ||
				(outstanding.Valid && outstanding.Float64 != 0)
			if !meaningful {
				continue
			}
		}

		out = append(out, model.Observation{
			WeekEndingDate:   row.WeekEndingDate,
			MarketYear:       row.MarketYear + 1,
			CountryCode:      row.CountryCode,
			CountryName:      row.CountryName,
			NetSales:         netSales,
			OutstandingSales: outstanding,
		})
	}
	return out
}

// dedupe drops later duplicates on (weekEndingDate, marketYear,
// countryCode). Current-year observations come first in the slice, so they
// win over next-year previews for the same key.
func dedupe(observations []model.Observation) []model.Observation {
	type key struct {
		week    time.Time
		year    int
		country string
	}
	seen := make(map[key]struct{}, len(observations))
	out := observations[:0]
	for _, obs := range observations {
		k := key{week: obs.WeekEndingDate, year: obs.MarketYear, country: obs.CountryCode}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, obs)
	}
	return out
}

// toValue coerces a raw stored value to a numeric metric. Anything
// non-numeric becomes invalid, never zero.
func toValue(raw any) model.Value {
	switch typed := raw.(type) {
	case nil:
		return model.Value{}
	case float64:
		return model.Float(typed)
	case float32:
		return model.Float(float64(typed))
	case int:
		return model.Float(float64(typed))
	case int64:
		return model.Float(float64(typed))
	case bool:
		if typed {
			return model.Float(1)
		}
		return model.Float(0)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil {
			return model.Value{}
		}
		return model.Float(parsed)
	case []byte:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(string(typed)), 64)
		if err != nil {
			return model.Value{}
		}
		return model.Float(parsed)
	default:
		return model.Value{}
	}
}
