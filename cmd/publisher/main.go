package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"exportsales/internal/model"
	"exportsales/internal/report"
	"exportsales/internal/store"
)

type metaFile struct {
	GeneratedAt string `json:"generated_at"`
	Commodity   int    `json:"commodity"`
	FromYear    int    `json:"from_year"`
	ToYear      int    `json:"to_year"`
	Metric      string `json:"metric"`
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "build":
		build(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func build(args []string) {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	outDir := fs.String("out", "site/data", "output directory")
	dbPath := fs.String("db", "data/esr_data.db", "sqlite database path")
	commodity := fs.Int("commodity", 0, "commodity code")
	fromYear := fs.Int("from", 0, "start marketing year")
	toYear := fs.Int("to", 0, "end marketing year")
	metric := fs.String("metric", string(model.MetricWeeklyExports), "metric column")
	countriesCSV := fs.String("countries", "", "comma-separated country name filter (empty = all)")
	fs.Parse(args)

	if *commodity == 0 || *fromYear == 0 || *toYear == 0 {
		fmt.Fprintln(os.Stderr, "publisher: -commodity, -from and -to are required")
		os.Exit(2)
	}
	if _, ok := model.MetricLabels[model.Metric(*metric)]; !ok {
		fmt.Fprintln(os.Stderr, "publisher: unknown metric:", *metric)
		os.Exit(2)
	}

	if err := runBuild(*dbPath, *outDir, *commodity, *fromYear, *toYear, model.Metric(*metric), parseList(*countriesCSV)); err != nil {
		fmt.Fprintln(os.Stderr, "publisher build failed:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: publisher build -commodity N -from Y1 -to Y2 [options]")
}

func runBuild(dbPath, outDir string, commodity, fromYear, toYear int, metric model.Metric, countries []string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	svc := report.NewService(st, logger)
	ctx := context.Background()

	data, err := svc.LoadData(ctx, commodity, fromYear, toYear)
	if err != nil {
		return err
	}

	meta := metaFile{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Commodity:   commodity,
		FromYear:    fromYear,
		ToYear:      toYear,
		Metric:      string(metric),
	}
	files := map[string]any{
		"meta.json":       meta,
		"summary.json":    svc.Summary(data, metric, countries),
		"weekly.json":     svc.WeeklySeries(data, metric, countries),
		"by_country.json": svc.WeeklySeriesByCountry(data, metric, countries),
		"aligned.json":    svc.MarketingYearAligned(data, metric, countries, fromYear, toYear),
	}
	for name, payload := range files {
		if err := writeJSON(filepath.Join(outDir, name), payload); err != nil {
			return err
		}
	}

	fmt.Printf("publisher build complete (commodity=%d years=%d-%d observations=%d)\n",
		commodity, fromYear, toYear, len(data),
	)
	return nil
}

func writeJSON(path string, payload any) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func parseList(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
