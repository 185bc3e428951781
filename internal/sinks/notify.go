package sinks

import (
	"context"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/bigredeye/relgate/internal/controller"
	lf "github.com/bigredeye/relgate/internal/logfield"
	"github.com/bigredeye/relgate/internal/models"
)

type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger.Named("notify")}
}

func (n *LogNotifier) Notify(ctx context.Context, summary controller.Summary) error {
	fields := []zap.Field{
		lf.RunID(summary.RunID),
		lf.Pipeline(summary.Pipeline),
		lf.State(summary.State),
		lf.Elapsed(summary.Duration),
	}

	switch summary.State {
	case models.RunStatePublished:
		n.logger.Info("Pipeline published", append(fields, lf.Artifact(summary.Artifact), zap.Strings("tags", summary.Tags))...)
	case models.RunStateDenied:
		denied := make([]string, 0, len(summary.DeniedBy))
		for _, cause := range summary.DeniedBy {
			denied = append(denied, cause.Stage)
		}
		n.logger.Warn("Pipeline denied by gate", append(fields, lf.Stages(denied))...)
	default:
		n.logger.Error("Pipeline did not publish", append(fields, zap.String("error", summary.Error))...)
	}
	return nil
}

// MultiNotifier fans a summary out to every notifier and combines their
// errors.
type MultiNotifier []controller.Notifier

func (m MultiNotifier) Notify(ctx context.Context, summary controller.Summary) error {
	var err error
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		err = multierr.Append(err, notifier.Notify(ctx, summary))
	}
	return err
}
