package controller

import (
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/bigredeye/relgate/internal/models"
)

// Summary is what notification sinks receive once a run is terminal.
type Summary struct {
	RunID    string
	Pipeline string
	State    models.RunState
	DeniedBy []models.Outcome
	Artifact string
	Tags     []string
	Error    string
	Duration time.Duration
}

func summarize(run *Run) Summary {
	summary := Summary{
		RunID:    run.ID,
		Pipeline: run.Pipeline,
		State:    run.State,
		Artifact: run.Artifact,
		Tags:     append([]string(nil), run.Tags...),
		Error:    run.Error,
		Duration: run.Duration(),
	}
	if run.State == models.RunStateDenied && run.Decision != nil {
		summary.DeniedBy = append(summary.DeniedBy, run.Decision.Causes...)
	}
	return summary
}

// Title is a one-line status, e.g. "web-api run 1f2e...: DENIED".
func (s Summary) Title() string {
	return fmt.Sprintf("%s run %s: %s", s.Pipeline, s.RunID, strings.ToUpper(s.State))
}

// Message always names the terminal state and, for denied runs, every
// stage that caused the denial.
func (s Summary) Message() string {
	lines := []string{
		fmt.Sprintf("%s after %s", s.Title(), units.HumanDuration(s.Duration)),
	}

	switch s.State {
	case models.RunStateDenied:
		lines = append(lines, "Denied by:")
		for _, cause := range s.DeniedBy {
			line := fmt.Sprintf("  - %s (%s)", cause.Stage, cause.Status)
			if cause.Message != "" {
				line += ": " + cause.Message
			}
			lines = append(lines, line)
		}
	case models.RunStatePublished:
		if s.Artifact != "" {
			lines = append(lines, "Published "+s.Artifact)
		}
		if len(s.Tags) > 0 {
			lines = append(lines, "Tags: "+strings.Join(s.Tags, ", "))
		}
	case models.RunStateFailed, models.RunStateAborted:
		if s.Error != "" {
			lines = append(lines, "Error: "+s.Error)
		}
	}
	return strings.Join(lines, "\n")
}
