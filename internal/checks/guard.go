package checks

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	lf "github.com/bigredeye/relgate/internal/logfield"
	"github.com/bigredeye/relgate/internal/models"
)

type GuardOption func(g *guard)

type guard struct {
	tracker *sync.WaitGroup
}

// TrackRunners adds every runner goroutine to wg, including runners
// abandoned after a timeout.
func TrackRunners(wg *sync.WaitGroup) GuardOption {
	return func(g *guard) {
		g.tracker = wg
	}
}

// Guard wraps a runner so that it always yields a well-formed Outcome: the
// stage timeout is enforced, panics become Error outcomes and unknown
// statuses are rejected. On cancellation the runner's own outcome is awaited
// for the rest of the stage timeout. A runner still busy when its timeout
// passes is abandoned and its result dropped.
func Guard(runner Runner, logger *zap.Logger, options ...GuardOption) Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &guard{}
	for _, option := range options {
		option(g)
	}

	return RunnerFunc(func(ctx context.Context, stage models.Stage) models.Outcome {
		log := logger.With(lf.Stage(stage.Name))
		started := time.Now()

		parent := ctx
		if stage.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, stage.Timeout)
			defer cancel()
		}
		timedOut := func() bool {
			return stage.Timeout > 0 && parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded)
		}

		results := make(chan models.Outcome, 1)
		if g.tracker != nil {
			g.tracker.Add(1)
		}
		go func() {
			if g.tracker != nil {
				defer g.tracker.Done()
			}
			defer func() {
				if r := recover(); r != nil {
					log.Error("Check runner panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
					results <- models.Outcome{
						Status:  models.OutcomeError,
						Message: fmt.Sprintf("Check runner panicked: %v", r),
					}
				}
			}()
			results <- runner.Run(ctx, stage)
		}()

		var outcome models.Outcome
		select {
		case outcome = <-results:
			if outcome.Status == models.OutcomeError && timedOut() {
				outcome.Message = timeoutMessage(stage.Timeout)
			}
		case <-ctx.Done():
			if timedOut() {
				log.Warn("Check runner timed out, abandoning it", zap.Duration("timeout", stage.Timeout))
				outcome = models.Outcome{Status: models.OutcomeError, Message: timeoutMessage(stage.Timeout)}
				break
			}
			log.Warn("Check runner cancelled, waiting for its outcome", zap.Error(ctx.Err()))
			outcome = awaitCancelled(results, started, stage.Timeout, log)
		}

		return stamp(outcome, stage, started)
	})
}

func awaitCancelled(results <-chan models.Outcome, started time.Time, timeout time.Duration, log *zap.Logger) models.Outcome {
	if timeout <= 0 {
		return <-results
	}
	timer := time.NewTimer(time.Until(started.Add(timeout)))
	defer timer.Stop()
	select {
	case outcome := <-results:
		return outcome
	case <-timer.C:
		log.Warn("Cancelled check runner outlived its timeout, abandoning it")
		return models.Outcome{Status: models.OutcomeError, Message: "Cancelled"}
	}
}

func timeoutMessage(timeout time.Duration) string {
	return fmt.Sprintf("Timed out after %s", units.HumanDuration(timeout))
}

func stamp(outcome models.Outcome, stage models.Stage, started time.Time) models.Outcome {
	outcome = outcome.Clone()
	outcome.Stage = stage.Name
	switch outcome.Status {
	case models.OutcomeSuccess, models.OutcomeFailure, models.OutcomeError, models.OutcomeSkipped:
	default:
		outcome.Message = fmt.Sprintf("Check runner returned unknown status %q", outcome.Status)
		outcome.Status = models.OutcomeError
	}
	if outcome.StartedAt.IsZero() {
		outcome.StartedAt = started
	}
	if outcome.FinishedAt.IsZero() {
		outcome.FinishedAt = time.Now()
	}
	return outcome
}
