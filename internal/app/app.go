// Package app assembles the tracking core from configuration for the binaries
package app

import (
	"fmt"

	"symptomtracker/internal/analysis"
	"symptomtracker/internal/config"
	"symptomtracker/internal/detector"
	"symptomtracker/internal/logger"
	"symptomtracker/internal/store"
	"symptomtracker/internal/tracker"
)

// Core is the wired tracking service with the parts the binaries manage directly
type Core struct {
	Store    *store.Store
	Registry *detector.Registry
	Service  *tracker.Service
}

// NewCore opens the configured backend and builds the registry, analyzer and service
func NewCore(cfg *config.Config, log *logger.Logger, opts ...tracker.Option) (*Core, error) {
	backend, err := OpenBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s record store: %w", cfg.Store.Backend, err)
	}
	st := store.New(backend, log)

	registry := detector.NewRegistry(DetectorOptions(cfg))
	analyzer := analysis.New(registry, Thresholds(cfg), log)

	return &Core{
		Store:    st,
		Registry: registry,
		Service:  tracker.NewService(st, analyzer, log, opts...),
	}, nil
}

// Close flushes pending alert publishes, then closes the backend
func (c *Core) Close() error {
	c.Service.Close()
	return c.Store.Close()
}

// OpenBackend returns the durable backend, or nil for the memory-only store
func OpenBackend(cfg *config.Config) (store.Backend, error) {
	switch cfg.Store.Backend {
	case config.BackendSQLite:
		b, err := store.NewSQLiteBackend(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BackendMySQL:
		b, err := store.NewMySQLBackend(cfg.GetDatabaseDSN())
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, nil
	}
}

func DetectorOptions(cfg *config.Config) detector.Options {
	return detector.Options{
		Trees:         cfg.Analysis.Trees,
		MaxSamples:    cfg.Analysis.MaxSamples,
		Contamination: cfg.Analysis.Contamination,
		Seed:          cfg.Analysis.Seed,
		RetrainEvery:  cfg.Analysis.RetrainEvery,
	}
}

func Thresholds(cfg *config.Config) analysis.Thresholds {
	return analysis.Thresholds{
		MinHistory:    cfg.Analysis.MinHistory,
		AnomalyScore:  cfg.Analysis.AnomalyScore,
		HighRiskScore: cfg.Analysis.HighRiskScore,
	}
}
