package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"exportsales/internal/collect"
	"exportsales/internal/config"
	"exportsales/internal/esr"
	"exportsales/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		run(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func run(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config (empty = defaults + env)")
	dbPath := fs.String("db", "", "sqlite database path (overrides config)")
	envFile := fs.String("env", ".env", "env file with ESR_API_KEYS (missing file is ignored)")
	verbose := fs.Bool("verbose", false, "debug logging")
	fs.Parse(args)

	if err := runCollector(*configPath, *dbPath, *envFile, *verbose); err != nil {
		fmt.Fprintln(os.Stderr, "collector run failed:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: collector run [options]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "options:")
	fmt.Fprintln(os.Stderr, "  -config   path to YAML config file")
	fmt.Fprintln(os.Stderr, "  -db       sqlite database path (overrides config)")
	fmt.Fprintln(os.Stderr, "  -env      env file with ESR_API_KEYS (default: .env)")
	fmt.Fprintln(os.Stderr, "  -verbose  debug logging")
}

func runCollector(configPath, dbPath, envFile string, verbose bool) error {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	client, err := esr.New(cfg, logger)
	if err != nil {
		return err
	}

	runner := collect.New(client, st, logger)
	stats, err := runner.Run(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("collector run complete (run=%s checked=%d updated=%d skipped=%d failed=%d)\n",
		stats.Run, stats.Checked, stats.Updated, stats.Skipped, stats.Failed,
	)
	return nil
}
