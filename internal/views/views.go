// Package views derives chart-ready aggregates from canonical
// observations. Everything here is a pure function over the input slice.
package views

import (
	"sort"
	"time"

	"exportsales/internal/model"
)

// AllCountries is the filter sentinel meaning "no country filter".
const AllCountries = "All Countries"

// filterByCountry keeps observations for the named countries. A nil/empty
// list or one containing the AllCountries sentinel passes everything.
func filterByCountry(data []model.Observation, countries []string) []model.Observation {
	if len(countries) == 0 {
		return data
	}
	allowed := make(map[string]struct{}, len(countries))
	for _, name := range countries {
		if name == AllCountries {
			return data
		}
		allowed[name] = struct{}{}
	}
	out := make([]model.Observation, 0, len(data))
	for _, obs := range data {
		if _, ok := allowed[obs.CountryName]; ok {
			out = append(out, obs)
		}
	}
	return out
}

// Summary is the latest-week headline for one metric.
type Summary struct {
	LatestWeek float64 `json:"latest_week"`
	Units      string  `json:"units"`
	LatestDate string  `json:"latest_date"`
}

// GetSummary sums the metric over the latest week-ending date present.
// Empty input yields a placeholder rather than an error.
func GetSummary(data []model.Observation, metric model.Metric, countries []string) Summary {
	if len(data) == 0 {
		return Summary{Units: "N/A", LatestDate: "N/A"}
	}

	filtered := filterByCountry(data, countries)
	if len(filtered) == 0 {
		return Summary{Units: data[0].DisplayUnits, LatestDate: "N/A"}
	}

	latest := filtered[0].WeekEndingDate
	for _, obs := range filtered[1:] {
		if obs.WeekEndingDate.After(latest) {
			latest = obs.WeekEndingDate
		}
	}

	var total float64
	for _, obs := range filtered {
		if !obs.WeekEndingDate.Equal(latest) {
			continue
		}
		if v := obs.MetricValue(metric); v.Valid {
			total += v.Float64
		}
	}

	return Summary{
		LatestWeek: total,
		Units:      filtered[0].DisplayUnits,
		LatestDate: latest.Format("2006-01-02"),
	}
}

// WeeklyPoint is one (marketing year, week) aggregate.
type WeeklyPoint struct {
	MarketYear     int       `json:"market_year"`
	WeekEndingDate time.Time `json:"week_ending_date"`
	Value          float64   `json:"value"`
}

// GetWeeklySeries sums the metric grouped by marketing year and
// week-ending date, ordered by year then date.
func GetWeeklySeries(data []model.Observation, metric model.Metric, countries []string) []WeeklyPoint {
	filtered := filterByCountry(data, countries)
	if len(filtered) == 0 {
		return nil
	}

	type key struct {
		year int
		week time.Time
	}
	sums := make(map[key]float64)
	for _, obs := range filtered {
		k := key{year: obs.MarketYear, week: obs.WeekEndingDate}
		if _, ok := sums[k]; !ok {
			sums[k] = 0
		}
		if v := obs.MetricValue(metric); v.Valid {
			sums[k] += v.Float64
		}
	}

	out := make([]WeeklyPoint, 0, len(sums))
	for k, total := range sums {
		out = append(out, WeeklyPoint{MarketYear: k.year, WeekEndingDate: k.week, Value: total})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MarketYear != out[j].MarketYear {
			return out[i].MarketYear < out[j].MarketYear
		}
		return out[i].WeekEndingDate.Before(out[j].WeekEndingDate)
	})
	return out
}

// CountryPoint is one (marketing year, week, country) aggregate.
type CountryPoint struct {
	MarketYear     int       `json:"market_year"`
	WeekEndingDate time.Time `json:"week_ending_date"`
	CountryName    string    `json:"country_name"`
	Value          float64   `json:"value"`
}

// GetWeeklySeriesByCountry sums the metric grouped by marketing year,
// week-ending date and country name.
func GetWeeklySeriesByCountry(data []model.Observation, metric model.Metric, countries []string) []CountryPoint {
	filtered := filterByCountry(data, countries)
	if len(filtered) == 0 {
		return nil
	}

	type key struct {
		year    int
		week    time.Time
		country string
	}
	sums := make(map[key]float64)
	for _, obs := range filtered {
		k := key{year: obs.MarketYear, week: obs.WeekEndingDate, country: obs.CountryName}
		if _, ok := sums[k]; !ok {
			sums[k] = 0
		}
		if v := obs.MetricValue(metric); v.Valid {
			sums[k] += v.Float64
		}
	}

	out := make([]CountryPoint, 0, len(sums))
	for k, total := range sums {
		out = append(out, CountryPoint{
			MarketYear:     k.year,
			WeekEndingDate: k.week,
			CountryName:    k.country,
			Value:          total,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MarketYear != out[j].MarketYear {
			return out[i].MarketYear < out[j].MarketYear
		}
		if !out[i].WeekEndingDate.Equal(out[j].WeekEndingDate) {
			return out[i].WeekEndingDate.Before(out[j].WeekEndingDate)
		}
		return out[i].CountryName < out[j].CountryName
	})
	return out
}

// AlignedSeries is one marketing year's metric summed per week index.
// Weeks[i] holds week i+1; missing weeks stay invalid, not zero, so
// comparison charts line up week-for-week across years.
type AlignedSeries struct {
	MarketYear int           `json:"market_year"`
	Weeks      []model.Value `json:"weeks"`
}

// GetMarketingYearAligned builds one series per year in the inclusive
// range, all sharing the week-index domain [1, maxObservedWeek] across
// every year. Rows without a valid week index are skipped. Empty (or
// fully filtered) input yields nil.
func GetMarketingYearAligned(data []model.Observation, metric model.Metric, countries []string, startYear, endYear int) []AlignedSeries {
	filtered := filterByCountry(data, countries)
	if len(filtered) == 0 {
		return nil
	}

	type key struct {
		year int
		week int
	}
	sums := make(map[key]float64)
	present := make(map[key]struct{})
	maxWeek := 0
	for _, obs := range filtered {
		if obs.MarketYear < startYear || obs.MarketYear > endYear || !obs.WeeksIntoMY.Valid {
			continue
		}
		k := key{year: obs.MarketYear, week: obs.WeeksIntoMY.Int}
		present[k] = struct{}{}
		if v := obs.MetricValue(metric); v.Valid {
			sums[k] += v.Float64
		}
		if k.week > maxWeek {
			maxWeek = k.week
		}
	}
	if maxWeek == 0 {
		return nil
	}

	out := make([]AlignedSeries, 0, endYear-startYear+1)
	for year := startYear; year <= endYear; year++ {
		weeks := make([]model.Value, maxWeek)
		for week := 1; week <= maxWeek; week++ {
			k := key{year: year, week: week}
			if _, ok := present[k]; ok {
				weeks[week-1] = model.Float(sums[k])
			}
		}
		out = append(out, AlignedSeries{MarketYear: year, Weeks: weeks})
	}
	return out
}
