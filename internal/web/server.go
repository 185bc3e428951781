package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bigredeye/relgate/internal/config"
	"github.com/bigredeye/relgate/internal/launch"
	"github.com/bigredeye/relgate/internal/models"
)

const shutdownTimeout = 30 * time.Second

// runStore is the subset of the run history the API reads.
type runStore interface {
	FindRun(ctx context.Context, id string) (*models.Run, error)
	ListRuns(ctx context.Context, pipeline string, limit int) ([]*models.Run, error)
}

type server struct {
	config *config.Config
	logger *zap.Logger

	ctx      context.Context
	launcher *launch.Launcher
	db       runStore
	runs     *registry
}

func newServer(
	ctx context.Context,
	config *config.Config,
	logger *zap.Logger,
	launcher *launch.Launcher,
	db runStore,
) *server {
	return &server{
		config:   config,
		logger:   logger,
		ctx:      ctx,
		launcher: launcher,
		db:       db,
		runs:     newRegistry(config.Server.CacheTTL),
	}
}

func (s *server) handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(s.logger, true))

	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong "+fmt.Sprint(time.Now().Unix()))
	})

	setupApiService(s, r)

	return r
}

func (s *server) run() error {
	srv := &http.Server{
		Addr:    s.config.Server.ListenAddress,
		Handler: s.handler(),
	}

	errs := make(chan error, 1)
	go func() {
		s.logger.Info("Starting server", zap.String("bind_address", s.config.Server.ListenAddress))
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-s.ctx.Done():
	}

	s.logger.Info("Shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, c := range s.runs.abortAll() {
		c.Wait()
	}
	s.runs.stop()
	return srv.Shutdown(ctx)
}
