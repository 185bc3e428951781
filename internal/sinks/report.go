// Package sinks delivers stage reports and run notifications to external
// systems. Every sink is best effort: errors are returned to the controller,
// which only logs them.
package sinks

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/bigredeye/relgate/api"
	"github.com/bigredeye/relgate/internal/controller"
	lf "github.com/bigredeye/relgate/internal/logfield"
	"github.com/bigredeye/relgate/internal/models"
)

const findingsPath = "/api/findings"

// HTTPReportSink posts every recorded outcome with its findings to a
// findings store.
type HTTPReportSink struct {
	client *resty.Client
	logger *zap.Logger
}

func NewHTTPReportSink(endpoint, token string, timeout time.Duration, logger *zap.Logger) *HTTPReportSink {
	var client *resty.Client
	if token != "" {
		source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
		client = resty.NewWithClient(oauth2.NewClient(context.Background(), source))
	} else {
		client = resty.New()
	}

	client.
		SetBaseURL(endpoint).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(200 * time.Millisecond)

	return &HTTPReportSink{
		client: client,
		logger: logger.Named("reports"),
	}
}

func (s *HTTPReportSink) Report(ctx context.Context, run *controller.Run, outcome models.Outcome) error {
	findings := outcome.Findings
	if findings == nil {
		findings = []models.Finding{}
	}

	res := &api.ReportResponse{}
	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(res).
		SetError(res).
		SetBody(api.FindingsReport{
			RunID:      run.ID,
			Pipeline:   run.Pipeline,
			Stage:      outcome.Stage,
			Status:     outcome.Status,
			Message:    outcome.Message,
			ExitCode:   outcome.ExitCode,
			Attempts:   outcome.Attempts,
			Artifact:   outcome.Artifact,
			Findings:   findings,
			StartedAt:  outcome.StartedAt,
			FinishedAt: outcome.FinishedAt,
		}).
		Post(findingsPath)
	if err != nil {
		return errors.Wrap(err, "Failed to post findings")
	}
	if resp.IsError() {
		return errors.Errorf("Findings store responded %s: %s", resp.Status(), res.Error)
	}
	if !res.Ok {
		return errors.Errorf("Findings store rejected report: %s", res.Error)
	}

	s.logger.Debug("Posted stage report", lf.RunID(run.ID), lf.Stage(outcome.Stage), zap.Int("findings", len(findings)))
	return nil
}
