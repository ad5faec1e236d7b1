package views

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exportsales/internal/model"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func obs(week time.Time, year int, country string, weeklyExports float64, weekIdx int) model.Observation {
	return model.Observation{
		WeekEndingDate: week,
		MarketYear:     year,
		CountryCode:    country,
		CountryName:    country,
		WeeklyExports:  model.Float(weeklyExports),
		WeeksIntoMY:    model.Week(weekIdx),
		DisplayUnits:   "Metric Tons",
	}
}

func sampleData() []model.Observation {
	return []model.Observation{
		obs(day(2023, time.January, 5), 2023, "KR", 100, 19),
		obs(day(2023, time.January, 5), 2023, "JP", 40, 19),
		obs(day(2023, time.January, 12), 2023, "KR", 150, 20),
		obs(day(2024, time.January, 11), 2024, "KR", 75, 20),
	}
}

func TestGetSummaryEmptyInput(t *testing.T) {
	got := GetSummary(nil, model.MetricWeeklyExports, nil)
	assert.Equal(t, Summary{Units: "N/A", LatestDate: "N/A"}, got)
}

func TestGetSummaryFilteredToNothingKeepsUnits(t *testing.T) {
	got := GetSummary(sampleData(), model.MetricWeeklyExports, []string{"Brazil"})
	assert.Equal(t, Summary{Units: "Metric Tons", LatestDate: "N/A"}, got)
}

func TestGetSummarySumsLatestWeekOnly(t *testing.T) {
	got := GetSummary(sampleData(), model.MetricWeeklyExports, nil)
	assert.Equal(t, 75.0, got.LatestWeek)
	assert.Equal(t, "2024-01-11", got.LatestDate)
	assert.Equal(t, "Metric Tons", got.Units)
}

func TestGetSummaryCountryFilter(t *testing.T) {
	got := GetSummary(sampleData(), model.MetricWeeklyExports, []string{"JP"})
	assert.Equal(t, 40.0, got.LatestWeek)
	assert.Equal(t, "2023-01-05", got.LatestDate)

	unfiltered := GetSummary(sampleData(), model.MetricWeeklyExports, []string{AllCountries})
	assert.Equal(t, 75.0, unfiltered.LatestWeek)
}

func TestGetSummarySkipsInvalidValues(t *testing.T) {
	data := sampleData()
	data[3].WeeklyExports = model.Value{}

	got := GetSummary(data, model.MetricWeeklyExports, nil)
	assert.Equal(t, 0.0, got.LatestWeek, "a week of only missing values sums to zero")
	assert.Equal(t, "2024-01-11", got.LatestDate)
}

func TestGetWeeklySeriesGroupsAndSorts(t *testing.T) {
	got := GetWeeklySeries(sampleData(), model.MetricWeeklyExports, nil)
	require.Len(t, got, 3)

	assert.Equal(t, WeeklyPoint{MarketYear: 2023, WeekEndingDate: day(2023, time.January, 5), Value: 140}, got[0])
	assert.Equal(t, WeeklyPoint{MarketYear: 2023, WeekEndingDate: day(2023, time.January, 12), Value: 150}, got[1])
	assert.Equal(t, WeeklyPoint{MarketYear: 2024, WeekEndingDate: day(2024, time.January, 11), Value: 75}, got[2])
}

func TestGetWeeklySeriesAllInvalidGroupIsZero(t *testing.T) {
	data := []model.Observation{
		{WeekEndingDate: day(2023, time.January, 5), MarketYear: 2023, CountryName: "KR"},
	}
	got := GetWeeklySeries(data, model.MetricWeeklyExports, nil)
	require.Len(t, got, 1)
	assert.Equal(t, 0.0, got[0].Value, "the group exists even when every value is missing")
}

func TestGetWeeklySeriesByCountry(t *testing.T) {
	got := GetWeeklySeriesByCountry(sampleData(), model.MetricWeeklyExports, nil)
	require.Len(t, got, 4)

	// Same week sorts by country name.
	assert.Equal(t, "JP", got[0].CountryName)
	assert.Equal(t, 40.0, got[0].Value)
	assert.Equal(t, "KR", got[1].CountryName)
	assert.Equal(t, 100.0, got[1].Value)

	filtered := GetWeeklySeriesByCountry(sampleData(), model.MetricWeeklyExports, []string{"KR"})
	require.Len(t, filtered, 3)
	for _, point := range filtered {
		assert.Equal(t, "KR", point.CountryName)
	}
}

func TestGetMarketingYearAlignedSharedDomain(t *testing.T) {
	got := GetMarketingYearAligned(sampleData(), model.MetricWeeklyExports, nil, 2023, 2024)
	require.Len(t, got, 2, "one series per requested year")

	// Max observed week is 20, shared by every series.
	for _, series := range got {
		assert.Len(t, series.Weeks, 20)
	}

	y2023 := got[0]
	assert.Equal(t, 2023, y2023.MarketYear)
	assert.Equal(t, model.Float(140), y2023.Weeks[18], "week 19 sums both countries")
	assert.Equal(t, model.Float(150), y2023.Weeks[19])
	assert.False(t, y2023.Weeks[0].Valid, "unobserved weeks are missing, not zero")

	y2024 := got[1]
	assert.Equal(t, 2024, y2024.MarketYear)
	assert.Equal(t, model.Float(75), y2024.Weeks[19])
	assert.False(t, y2024.Weeks[18].Valid)
}

func TestGetMarketingYearAlignedEmptyYearStillPresent(t *testing.T) {
	got := GetMarketingYearAligned(sampleData(), model.MetricWeeklyExports, nil, 2023, 2025)
	require.Len(t, got, 3)

	y2025 := got[2]
	assert.Equal(t, 2025, y2025.MarketYear)
	assert.Len(t, y2025.Weeks, 20)
	for _, week := range y2025.Weeks {
		assert.False(t, week.Valid)
	}
}

func TestGetMarketingYearAlignedSkipsInvalidWeekIndexes(t *testing.T) {
	data := sampleData()
	data = append(data, model.Observation{
		WeekEndingDate: day(2023, time.June, 1),
		MarketYear:     2024,
		CountryName:    "KR",
		WeeklyExports:  model.Float(999),
	})

	got := GetMarketingYearAligned(data, model.MetricWeeklyExports, nil, 2024, 2024)
	require.Len(t, got, 1)
	for _, week := range got[0].Weeks {
		if week.Valid {
			assert.NotEqual(t, 999.0, week.Float64, "rows without a week index never land in a bucket")
		}
	}
}

func TestGetMarketingYearAlignedNoUsableRows(t *testing.T) {
	assert.Nil(t, GetMarketingYearAligned(nil, model.MetricWeeklyExports, nil, 2023, 2024))
	assert.Nil(t, GetMarketingYearAligned(sampleData(), model.MetricWeeklyExports, nil, 2030, 2031))
}
