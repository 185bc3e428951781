package web

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bigredeye/relgate/api"
	"github.com/bigredeye/relgate/internal/controller"
	lf "github.com/bigredeye/relgate/internal/logfield"
	"github.com/bigredeye/relgate/internal/models"
)

const abortWait = 10 * time.Second

type apiService struct {
	webService
}

func setupApiService(server *server, r *gin.Engine) {
	s := apiService{webService{server, server.config, server.logger.Named("api")}}

	g := r.Group("/api", server.validateToken)
	g.POST("/runs", s.startRun)
	g.GET("/runs", s.listRuns)
	g.GET("/runs/:id", s.getRun)
	g.POST("/runs/:id/abort", s.abortRun)
}

func (s apiService) fail(c *gin.Context, code int, err error) {
	s.log.Warn("Failed to process request", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(code, &api.Status{
		Ok:    false,
		Error: err.Error(),
	})
}

func (s apiService) startRun(c *gin.Context) {
	req := api.StartRunRequest{}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.fail(c, http.StatusBadRequest, err)
			return
		}
	}

	pipeline, err := s.server.launcher.Load()
	if err != nil {
		s.fail(c, http.StatusUnprocessableEntity, err)
		return
	}
	ctrl, err := s.server.launcher.New(pipeline, req.Tags)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	if err := ctrl.Validate(); err != nil {
		s.fail(c, http.StatusUnprocessableEntity, err)
		return
	}

	s.server.runs.add(ctrl)
	go func() {
		_, _ = ctrl.Run(s.server.ctx)
		ctrl.Wait()
		s.server.runs.complete(ctrl.Snapshot())
	}()

	s.log.Info("Started run", lf.RunID(ctrl.ID()), lf.Pipeline(pipeline.Config.Pipeline))
	c.JSON(http.StatusAccepted, &api.RunResponse{
		Status: api.Status{Ok: true},
		Run:    ctrl.Snapshot(),
	})
}

func (s apiService) getRun(c *gin.Context) {
	id := c.Param("id")
	if run := s.server.runs.get(id); run != nil {
		c.JSON(http.StatusOK, &api.RunResponse{Status: api.Status{Ok: true}, Run: run})
		return
	}

	if s.server.db != nil {
		model, err := s.server.db.FindRun(c.Request.Context(), id)
		if err != nil {
			s.fail(c, http.StatusInternalServerError, errors.Wrap(err, "Failed to find run"))
			return
		}
		if model != nil {
			c.JSON(http.StatusOK, &api.RunResponse{Status: api.Status{Ok: true}, Run: controller.FromModel(model)})
			return
		}
	}

	s.fail(c, http.StatusNotFound, errors.Errorf("Unknown run %s", id))
}

func (s apiService) abortRun(c *gin.Context) {
	id := c.Param("id")
	ctrl := s.server.runs.controller(id)
	if ctrl == nil {
		if run := s.server.runs.get(id); run != nil {
			s.fail(c, http.StatusConflict, errors.Errorf("Run %s is already %s", id, run.State))
			return
		}
		s.fail(c, http.StatusNotFound, errors.Errorf("Unknown active run %s", id))
		return
	}
	if models.IsTerminalState(ctrl.State()) {
		s.fail(c, http.StatusConflict, errors.Errorf("Run %s is already %s", id, ctrl.State()))
		return
	}

	s.log.Info("Aborting run", lf.RunID(id))
	ctrl.Abort()

	select {
	case <-ctrl.Done():
	case <-time.After(abortWait):
	case <-c.Request.Context().Done():
	}
	c.JSON(http.StatusOK, &api.RunResponse{Status: api.Status{Ok: true}, Run: ctrl.Snapshot()})
}

func (s apiService) listRuns(c *gin.Context) {
	req := api.RunsRequest{}
	if err := c.ShouldBindQuery(&req); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}

	infos := make([]api.RunInfo, 0)
	if s.server.db != nil {
		runs, err := s.server.db.ListRuns(c.Request.Context(), req.Pipeline, req.Limit)
		if err != nil {
			s.fail(c, http.StatusInternalServerError, errors.Wrap(err, "Failed to list runs"))
			return
		}
		for _, run := range runs {
			infos = append(infos, modelInfo(run))
		}
	} else {
		for _, run := range s.server.runs.list(req.Pipeline, req.Limit) {
			infos = append(infos, runInfo(run))
		}
	}

	c.JSON(http.StatusOK, &api.RunsResponse{Status: api.Status{Ok: true}, Runs: infos})
}

func runInfo(run *controller.Run) api.RunInfo {
	info := api.RunInfo{
		ID:        run.ID,
		Pipeline:  run.Pipeline,
		State:     run.State,
		Artifact:  run.Artifact,
		StartedAt: run.StartedAt,
	}
	if !run.FinishedAt.IsZero() {
		finished := run.FinishedAt
		info.FinishedAt = &finished
	}
	if run.Decision != nil {
		info.Verdict = run.Decision.Verdict
		info.DeniedBy = run.Decision.CauseStages()
	}
	return info
}

func modelInfo(run *models.Run) api.RunInfo {
	info := api.RunInfo{
		ID:         run.ID,
		Pipeline:   run.Pipeline,
		State:      run.State,
		Verdict:    run.Verdict,
		Artifact:   run.Artifact,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
	if run.DeniedBy != "" {
		info.DeniedBy = strings.Split(run.DeniedBy, ",")
	}
	return info
}
