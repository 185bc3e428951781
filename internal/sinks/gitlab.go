package sinks

import (
	"context"

	"github.com/pkg/errors"
	"github.com/xanzy/go-gitlab"
	"go.uber.org/zap"

	"github.com/bigredeye/relgate/internal/controller"
	"github.com/bigredeye/relgate/internal/models"
)

const commitStatusName = "relgate"

// GitLabStatusNotifier sets a commit status on the revision the pipeline was
// run for.
type GitLabStatusNotifier struct {
	gitlab    *gitlab.Client
	project   string
	commitSHA string
	logger    *zap.Logger
}

func NewGitLabStatusNotifier(baseURL, token, project, commitSHA string, logger *zap.Logger) (*GitLabStatusNotifier, error) {
	client, err := gitlab.NewClient(token, gitlab.WithBaseURL(baseURL))
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create gitlab client")
	}
	return &GitLabStatusNotifier{
		gitlab:    client,
		project:   project,
		commitSHA: commitSHA,
		logger:    logger.Named("gitlab"),
	}, nil
}

func commitState(state models.RunState) gitlab.BuildStateValue {
	switch state {
	case models.RunStatePublished:
		return gitlab.Success
	case models.RunStateAborted:
		return gitlab.Canceled
	default:
		return gitlab.Failed
	}
}

func (n *GitLabStatusNotifier) Notify(ctx context.Context, summary controller.Summary) error {
	description := summary.Title()
	if len(description) > 255 {
		description = description[:255]
	}

	status, _, err := n.gitlab.Commits.SetCommitStatus(n.project, n.commitSHA, &gitlab.SetCommitStatusOptions{
		State:       commitState(summary.State),
		Name:        gitlab.String(commitStatusName),
		Description: gitlab.String(description),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return errors.Wrap(err, "Failed to set commit status")
	}

	n.logger.Info("Set commit status", zap.String("sha", n.commitSHA), zap.String("status", status.Status))
	return nil
}
