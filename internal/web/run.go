package web

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bigredeye/relgate/internal/config"
	"github.com/bigredeye/relgate/internal/controller"
	"github.com/bigredeye/relgate/internal/database"
	"github.com/bigredeye/relgate/internal/launch"
)

func Run(ctx context.Context, conf *config.Config, logger *zap.Logger) error {
	var (
		store    runStore
		recorder controller.Recorder
	)
	if conf.HasDataBase() {
		db, err := database.OpenDataBase(logger, conf.DataBaseDSN())
		if err != nil {
			return errors.Wrap(err, "Failed to open database")
		}
		stale, err := db.AbortStaleRuns(ctx, "Server restarted")
		if err != nil {
			return errors.Wrap(err, "Failed to abort stale runs")
		}
		if stale > 0 {
			logger.Warn("Aborted unfinished runs of a previous server", zap.Int64("count", stale))
		}
		store, recorder = db, db
	} else {
		logger.Warn("No database configured, run history is kept in memory")
	}

	if len(conf.Server.Tokens) == 0 {
		logger.Warn("No API tokens configured, the API is open")
	}

	launcher, err := launch.NewLauncher(conf, logger, recorder)
	if err != nil {
		return errors.Wrap(err, "Failed to create launcher")
	}

	s := newServer(ctx, conf, logger, launcher, store)
	return errors.Wrap(s.run(), "Server failed")
}
