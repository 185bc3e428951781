// Package launch assembles controllers from the service configuration and a
// pipeline manifest.
package launch

import (
	"path/filepath"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bigredeye/relgate/internal/checks"
	"github.com/bigredeye/relgate/internal/config"
	"github.com/bigredeye/relgate/internal/controller"
	"github.com/bigredeye/relgate/internal/manifest"
	"github.com/bigredeye/relgate/internal/sinks"
	"github.com/bigredeye/relgate/internal/storage"
)

type Launcher struct {
	config *config.Config
	logger *zap.Logger

	Logs      *storage.LogStorage
	maxOutput int64
	reports   controller.ReportSink
	notifier  controller.Notifier
	recorder  controller.Recorder
}

// NewLauncher builds the sinks enabled in the configuration. The recorder
// may be nil when run history is disabled.
func NewLauncher(conf *config.Config, logger *zap.Logger, recorder controller.Recorder) (*Launcher, error) {
	maxOutput, err := units.RAMInBytes(conf.Storage.MaxOutput)
	if err != nil {
		return nil, errors.Wrapf(err, "Invalid max output %q", conf.Storage.MaxOutput)
	}

	l := &Launcher{
		config:    conf,
		logger:    logger,
		Logs:      storage.NewLogStorage(conf.Storage.LogsDir),
		maxOutput: maxOutput,
		recorder:  recorder,
	}

	if conf.Reports.URL != "" {
		l.reports = sinks.NewHTTPReportSink(conf.Reports.URL, conf.Reports.Token, conf.Reports.Timeout, logger)
	}

	notifiers := sinks.MultiNotifier{sinks.NewLogNotifier(logger)}
	telegram, err := sinks.NewTelegramNotifier(conf.Telegram.BotToken, conf.Telegram.ChatID, logger)
	if err != nil {
		return nil, err
	}
	if telegram != nil {
		notifiers = append(notifiers, telegram)
	}
	if conf.GitLab.Token != "" && conf.GitLab.ProjectID != "" && conf.GitLab.CommitSHA != "" {
		gitlab, err := sinks.NewGitLabStatusNotifier(conf.GitLab.BaseURL, conf.GitLab.Token, conf.GitLab.ProjectID, conf.GitLab.CommitSHA, logger)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, gitlab)
	}
	l.notifier = notifiers

	return l, nil
}

func (l *Launcher) ManifestPath() string {
	path := l.config.Workspace.Manifest
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(l.config.Workspace.Dir, path)
}

func (l *Launcher) Load() (*manifest.Pipeline, error) {
	m, err := manifest.Load(l.ManifestPath())
	if err != nil {
		return nil, err
	}
	return m.Pipeline()
}

// New creates a controller for one run of the pipeline. Non-empty tags
// replace the manifest's publish tags.
func (l *Launcher) New(pipeline *manifest.Pipeline, tags []string) (*controller.Controller, error) {
	conf := pipeline.Config
	if len(tags) > 0 {
		sanitized, err := manifest.SanitizeTags(tags)
		if err != nil {
			return nil, err
		}
		conf.Tags = sanitized
	}

	maxOutput := l.maxOutput
	if pipeline.MaxOutput > 0 {
		maxOutput = pipeline.MaxOutput
	}
	runner := checks.NewCommandRunner(l.config.Workspace.Dir, l.Logs, maxOutput, l.logger)

	options := []controller.Option{
		controller.WithLogger(l.logger),
		controller.WithNotifier(l.notifier),
	}
	if l.reports != nil {
		options = append(options, controller.WithReportSink(l.reports))
	}
	if l.recorder != nil {
		options = append(options, controller.WithRecorder(l.recorder))
	}
	return controller.New(pipeline.Stages, conf, runner, options...), nil
}
