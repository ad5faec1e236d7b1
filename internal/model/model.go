package model

import "time"

// Metric names a canonical observation column.
type Metric string

const (
	MetricWeeklyExports      Metric = "weeklyExports"
	MetricAccumulatedExports Metric = "accumulatedExports"
	MetricOutstandingSales   Metric = "outstandingSales"
	MetricGrossNewSales      Metric = "grossNewSales"
	MetricNetSales           Metric = "netSales"
	MetricTotalCommitment    Metric = "totalCommitment"
)

// MetricLabels maps metric names to their chart-facing labels.
var MetricLabels = map[Metric]string{
	MetricWeeklyExports:      "Weekly Exports",
	MetricAccumulatedExports: "Accumulated Exports",
	MetricOutstandingSales:   "Outstanding Sales",
	MetricGrossNewSales:      "Gross New Sales",
	MetricNetSales:           "Net Sales",
	MetricTotalCommitment:    "Total Commitment",
}

// Metrics lists the canonical metric columns in display order.
var Metrics = []Metric{
	MetricWeeklyExports,
	MetricAccumulatedExports,
	MetricOutstandingSales,
	MetricGrossNewSales,
	MetricNetSales,
	MetricTotalCommitment,
}

// Value is a nullable metric value. A missing observation stays
// distinguishable from a true zero.
type Value struct {
	Float64 float64
	Valid   bool
}

func Float(f float64) Value {
	return Value{Float64: f, Valid: true}
}

// WeekIndex is a nullable weeks-into-marketing-year offset. Rows with no
// matching calendar entry carry an invalid index.
type WeekIndex struct {
	Int   int
	Valid bool
}

func Week(n int) WeekIndex {
	return WeekIndex{Int: n, Valid: true}
}

type Commodity struct {
	Code   int
	Name   string
	UnitID int
}

type Country struct {
	Code        string
	Name        string
	Description string
	RegionID    int
}

type Unit struct {
	ID    int
	Names string
}

type Region struct {
	ID   int
	Name string
}

// MarketingYear is one commodity-specific 12-month accounting period.
// Projected marks the synthetic next year derived from the latest released
// calendar so charts can show an in-progress year early.
type MarketingYear struct {
	CommodityCode int
	Year          int
	Start         time.Time
	End           time.Time
	Projected     bool
}

// ReleaseRecord tracks the last-seen upstream release per commodity and
// marketing year. Release stamps compare lexicographically, as published.
type ReleaseRecord struct {
	CommodityCode   int
	MarketYear      int
	ReleaseStamp    string
	RecordedAt      time.Time
	MarketYearStart string
	MarketYearEnd   string
}

// ExportRow is one raw persisted export observation joined with metadata
// names. Metric fields hold the stored values uncoerced; the reshape engine
// turns them into Values, with non-numeric content becoming invalid rather
// than zero.
type ExportRow struct {
	CommodityCode  int
	MarketYear     int
	WeekEndingDate time.Time
	CountryCode    string
	CountryName    string
	CommodityName  string
	Unit           string

	WeeklyExports            any
	AccumulatedExports       any
	OutstandingSales         any
	GrossNewSales            any
	CurrentMYNetSales        any
	CurrentMYTotalCommitment any
	NextMYNetSales           any
	NextMYOutstandingSales   any
}

// Observation is the canonical longitudinal record produced by the reshape
// engine. Never persisted; rebuilt on every load.
type Observation struct {
	WeekEndingDate time.Time
	MarketYear     int
	CountryCode    string
	CountryName    string

	NetSales           Value
	TotalCommitment    Value
	OutstandingSales   Value
	AccumulatedExports Value
	WeeklyExports      Value
	GrossNewSales      Value

	WeeksIntoMY  WeekIndex
	DisplayUnits string
}

// MetricValue returns the named metric column of the observation.
func (o Observation) MetricValue(m Metric) Value {
	switch m {
	case MetricNetSales:
		return o.NetSales
	case MetricTotalCommitment:
		return o.TotalCommitment
	case MetricOutstandingSales:
		return o.OutstandingSales
	case MetricAccumulatedExports:
		return o.AccumulatedExports
	case MetricWeeklyExports:
		return o.WeeklyExports
	case MetricGrossNewSales:
		return o.GrossNewSales
	default:
		return Value{}
	}
}
