package cli

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/propledger/reconciler/internal/cache"
	"github.com/propledger/reconciler/internal/confidence"
	"github.com/propledger/reconciler/internal/config"
	"github.com/propledger/reconciler/internal/ingestion"
	"github.com/propledger/reconciler/internal/matching"
	"github.com/propledger/reconciler/internal/reconciliation"
	"github.com/propledger/reconciler/internal/repository"
	"github.com/propledger/reconciler/internal/tiering"
	"github.com/propledger/reconciler/internal/worker"
)

// app holds the wired services shared by every command.
type app struct {
	db        *sql.DB
	repos     reconciliation.Repos
	tiering   *tiering.Service
	recon     *reconciliation.Service
	ingestion *ingestion.Service
	runner    *worker.Runner
	logger    *logrus.Logger
}

func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*app, error) {
	logger.WithField("path", cfg.Database.Path).Info("initializing database")
	db, err := repository.InitDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("init db: %w", err)
	}

	repos := reconciliation.Repos{
		Records:       repository.NewRecordRepo(db),
		Sessions:      repository.NewSessionRepo(db),
		Matches:       repository.NewMatchRepo(db),
		Discrepancies: repository.NewDiscrepancyRepo(db),
		Config:        repository.NewConfigRepo(db),
		Health:        repository.NewHealthRepo(db),
	}
	tier := tiering.NewService(
		&repository.ReviewStore{Matches: repos.Matches, Discrepancies: repos.Discrepancies},
		cfg.Thresholds(), logger)
	engine := matching.NewEngine(cfg.MatchingConfig(), confidence.NewScorer(cfg.ConfidenceParams(), nil), logger)
	runner := worker.NewRunner(cfg.Session.Workers, cfg.Session.QueueSize, logger)

	opts := []reconciliation.Option{reconciliation.WithBudget(cfg.Session.Budget)}
	if cfg.Cache.TTL > 0 {
		opts = append(opts, reconciliation.WithHealthCache(cache.NewHealthCache(cfg.Cache.TTL, 2*cfg.Cache.TTL)))
	}
	recon := reconciliation.NewService(repos, engine, tier, runner, logger, opts...)
	if err := recon.Bootstrap(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &app{
		db:        db,
		repos:     repos,
		tiering:   tier,
		recon:     recon,
		ingestion: ingestion.NewService(repos.Records, logger),
		runner:    runner,
		logger:    logger,
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}
