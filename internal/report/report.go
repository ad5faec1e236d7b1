// Package report is the presentation boundary. The web layer consumes
// these calls; errors become structured failure responses instead of
// escaping past the boundary.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"exportsales/internal/model"
	"exportsales/internal/reshape"
	"exportsales/internal/store"
	"exportsales/internal/views"
)

// Service bundles the store, the reshape engine and the aggregation views
// behind one surface.
type Service struct {
	store  *store.Store
	engine *reshape.Engine
	log    *slog.Logger
}

func NewService(st *store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		engine: reshape.New(st),
		log:    logger,
	}
}

// CommodityOption is one selectable commodity.
type CommodityOption struct {
	Code int    `json:"code"`
	Name string `json:"name"`
}

// Commodities lists the selectable commodities ordered by name.
func (s *Service) Commodities(ctx context.Context) ([]CommodityOption, error) {
	commodities, err := s.store.Commodities(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]CommodityOption, 0, len(commodities))
	for _, c := range commodities {
		out = append(out, CommodityOption{Code: c.Code, Name: c.Name})
	}
	return out, nil
}

// CountryOption is one selectable country.
type CountryOption struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// Countries lists the known countries ordered by name.
func (s *Service) Countries(ctx context.Context) ([]CountryOption, error) {
	countries, err := s.store.Countries(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]CountryOption, 0, len(countries))
	for _, c := range countries {
		out = append(out, CountryOption{Code: c.Code, Name: c.Name})
	}
	return out, nil
}

// MarketingYearInfo is one calendar entry, including the synthetic
// projected year.
type MarketingYearInfo struct {
	Year      int       `json:"year"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Projected bool      `json:"projected"`
}

// MarketingYearInfo returns the marketing-year calendar for a commodity.
func (s *Service) MarketingYearInfo(ctx context.Context, commodityCode int) ([]MarketingYearInfo, error) {
	years, err := s.store.MarketingYears(ctx, commodityCode)
	if err != nil {
		return nil, err
	}
	out := make([]MarketingYearInfo, 0, len(years))
	for _, y := range years {
		out = append(out, MarketingYearInfo{Year: y.Year, Start: y.Start, End: y.End, Projected: y.Projected})
	}
	return out, nil
}

// CountriesWithData ranks country names by total weekly exports descending
// over the requested range.
func (s *Service) CountriesWithData(ctx context.Context, commodityCode, startYear, endYear int) ([]string, error) {
	return s.store.CountriesWithData(ctx, commodityCode, startYear, endYear)
}

// UnitInfo carries a commodity's display-unit metadata.
type UnitInfo struct {
	CommodityCode int    `json:"commodity_code"`
	CommodityName string `json:"commodity_name"`
	UnitID        int    `json:"unit_id"`
	UnitName      string `json:"unit_name"`
}

// UnitInfo returns unit metadata for one commodity.
func (s *Service) UnitInfo(ctx context.Context, commodityCode int) (UnitInfo, error) {
	info, err := s.store.Unit(ctx, commodityCode)
	if err != nil {
		return UnitInfo{}, err
	}
	return UnitInfo{
		CommodityCode: info.CommodityCode,
		CommodityName: info.CommodityName,
		UnitID:        info.UnitID,
		UnitName:      info.UnitName,
	}, nil
}

// LoadData builds the canonical observation sequence for a commodity over
// an inclusive marketing-year range.
func (s *Service) LoadData(ctx context.Context, commodityCode, startYear, endYear int) ([]model.Observation, error) {
	return s.engine.Load(ctx, commodityCode, startYear, endYear)
}

// Summary, weekly and aligned views delegate to the pure aggregation
// functions so the web layer only ever talks to this service.

func (s *Service) Summary(data []model.Observation, metric model.Metric, countries []string) views.Summary {
	return views.GetSummary(data, metric, countries)
}

func (s *Service) WeeklySeries(data []model.Observation, metric model.Metric, countries []string) []views.WeeklyPoint {
	return views.GetWeeklySeries(data, metric, countries)
}

func (s *Service) WeeklySeriesByCountry(data []model.Observation, metric model.Metric, countries []string) []views.CountryPoint {
	return views.GetWeeklySeriesByCountry(data, metric, countries)
}

func (s *Service) MarketingYearAligned(data []model.Observation, metric model.Metric, countries []string, startYear, endYear int) []views.AlignedSeries {
	return views.GetMarketingYearAligned(data, metric, countries, startYear, endYear)
}

// MetricLabels exposes the chart-facing metric names.
func (s *Service) MetricLabels() map[model.Metric]string {
	return model.MetricLabels
}

// Response is the structured payload returned across the boundary. A
// ValidationError or unexpected failure becomes Success=false with a
// message rather than a raised error.
type Response struct {
	Success bool   `json:"success"`
	Report  any    `json:"report,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(report any) Response {
	return Response{Success: true, Report: report}
}

func fail(err error) Response {
	return Response{Success: false, Error: err.Error()}
}

// Report is the generated report payload. Generation beyond the headline
// unit info is not implemented yet; the payload says so explicitly.
type Report struct {
	CommodityInfo *UnitInfo `json:"commodity_info,omitempty"`
	ReportDate    string    `json:"report_date,omitempty"`
	ReportType    string    `json:"report_type"`
	DataAvailable bool      `json:"data_available"`
	Message       string    `json:"message"`
}

// GenerateReport builds the weekly, monthly or yearly report payload for a
// commodity. Unknown report types and lookup failures come back as failure
// responses.
func (s *Service) GenerateReport(ctx context.Context, commodityCode int, reportType string) Response {
	switch reportType {
	case "", "weekly":
		info, err := s.UnitInfo(ctx, commodityCode)
		if err != nil {
			s.log.Error("report generation failed", "commodity", commodityCode, "error", err)
			return fail(err)
		}
		return ok(Report{
			CommodityInfo: &info,
			ReportType:    "weekly",
			DataAvailable: false,
			Message:       "This is a placeholder for the weekly report. Full implementation coming soon.",
		})
	case "monthly":
		return ok(Report{
			ReportType:    "monthly",
			DataAvailable: false,
			Message:       "Monthly report generation will be implemented in a future update.",
		})
	case "yearly":
		return ok(Report{
			ReportType:    "yearly",
			DataAvailable: false,
			Message:       "Marketing Year report generation will be implemented in a future update.",
		})
	default:
		return fail(fmt.Errorf("unknown report type: %s", reportType))
	}
}
