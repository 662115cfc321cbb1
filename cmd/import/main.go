package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"symptomtracker/internal/app"
	"symptomtracker/internal/config"
	"symptomtracker/internal/logger"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to the YAML config file")
	csvPath := flag.String("file", "observations.csv", "CSV file to replay")
	numWorkers := flag.Int("workers", 8, "number of subject partitions processed in parallel")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if cfg.Store.Backend == config.BackendMemory {
		log.Warn("importing into the memory-only store, records are discarded on exit")
	}
	core, err := app.NewCore(cfg, log)
	if err != nil {
		log.Fatal("failed to build tracker", "error", err)
	}
	defer core.Close()

	file, err := os.Open(*csvPath)
	if err != nil {
		log.Fatal("failed to open CSV file", "path", *csvPath, "error", err)
	}
	defer file.Close()

	rows, bad, err := readRows(file)
	if err != nil {
		log.Fatal("failed to read CSV", "path", *csvPath, "error", err)
	}
	for line, err := range bad {
		log.Warn("skipping unparsable row", "line", line, "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("replaying observations", "rows", len(rows), "workers", *numWorkers)
	summary := replay(ctx, core.Service, rows, *numWorkers, log)

	log.Info("import complete",
		"imported", summary.Imported,
		"rejected", summary.Rejected+len(bad),
		"anomalies", summary.Anomalies,
		"alerts", summary.Alerts,
		"duration", summary.Duration.String(),
	)
}
