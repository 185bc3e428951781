// Package checks executes single pipeline stages and turns whatever happens
// to them into an Outcome.
package checks

import (
	"context"

	"github.com/bigredeye/relgate/internal/models"
)

const (
	EnvRunID    = "RELGATE_RUN_ID"
	EnvStage    = "RELGATE_STAGE"
	EnvImage    = "RELGATE_IMAGE"
	EnvTags     = "RELGATE_TAGS"
	EnvReport   = "RELGATE_REPORT"
	EnvPipeline = "RELGATE_PIPELINE"
)

// Runner runs one stage. Implementations must not touch state shared with
// other runners; everything they learn goes into the returned Outcome.
type Runner interface {
	Run(ctx context.Context, stage models.Stage) models.Outcome
}

type RunnerFunc func(ctx context.Context, stage models.Stage) models.Outcome

func (f RunnerFunc) Run(ctx context.Context, stage models.Stage) models.Outcome {
	return f(ctx, stage)
}
