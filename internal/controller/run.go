package controller

import (
	"sort"
	"strings"
	"time"

	"github.com/bigredeye/relgate/internal/gate"
	"github.com/bigredeye/relgate/internal/models"
)

type Record struct {
	Seq     int            `json:"seq"`
	Outcome models.Outcome `json:"outcome"`
	// Late outcomes arrived after the run was already terminal.
	Late bool `json:"late,omitempty"`
}

// Run is the ordered record of one pipeline execution.
type Run struct {
	ID       string          `json:"id"`
	Pipeline string          `json:"pipeline"`
	State    models.RunState `json:"state"`
	Records  []Record        `json:"records"`
	Decision *gate.Decision  `json:"decision,omitempty"`
	Artifact string          `json:"artifact,omitempty"`
	Tags     []string        `json:"tags,omitempty"`
	Error    string          `json:"error,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func (r *Run) Clone() *Run {
	res := *r
	res.Records = make([]Record, len(r.Records))
	for i, record := range r.Records {
		record.Outcome = record.Outcome.Clone()
		res.Records[i] = record
	}
	if r.Decision != nil {
		decision := *r.Decision
		decision.Causes = make([]models.Outcome, len(r.Decision.Causes))
		for i, cause := range r.Decision.Causes {
			decision.Causes[i] = cause.Clone()
		}
		res.Decision = &decision
	}
	res.Tags = append([]string(nil), r.Tags...)
	return &res
}

// Outcome returns the first (non-late) outcome recorded for the stage.
func (r *Run) Outcome(stage string) (models.Outcome, bool) {
	for _, record := range r.Records {
		if record.Outcome.Stage == stage && !record.Late {
			return record.Outcome, true
		}
	}
	return models.Outcome{}, false
}

// Order lists stages in the order their outcomes were recorded.
func (r *Run) Order() []string {
	order := make([]string, 0, len(r.Records))
	for _, record := range r.Records {
		order = append(order, record.Outcome.Stage)
	}
	return order
}

func (r *Run) Terminal() bool {
	return models.IsTerminalState(r.State)
}

func (r *Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *Run) Model() *models.Run {
	run := &models.Run{
		ID:        r.ID,
		Pipeline:  r.Pipeline,
		State:     r.State,
		Artifact:  r.Artifact,
		Tags:      strings.Join(r.Tags, ","),
		Error:     r.Error,
		StartedAt: r.StartedAt,
	}
	if !r.FinishedAt.IsZero() {
		finished := r.FinishedAt
		run.FinishedAt = &finished
	}
	if r.Decision != nil {
		run.Verdict = r.Decision.Verdict
		run.DeniedBy = strings.Join(r.Decision.CauseStages(), ",")
	}
	for _, record := range r.Records {
		o := record.Outcome
		run.Stages = append(run.Stages, models.StageResult{
			RunID:      r.ID,
			Seq:        record.Seq,
			Stage:      o.Stage,
			Status:     o.Status,
			Message:    o.Message,
			ExitCode:   o.ExitCode,
			Attempts:   o.Attempts,
			Findings:   len(o.Findings),
			LogPath:    o.LogPath,
			Late:       record.Late,
			StartedAt:  o.StartedAt,
			FinishedAt: o.FinishedAt,
		})
	}
	return run
}

// FromModel rebuilds a run record from its persisted form. Deny causes are
// restored from the stage records.
func FromModel(model *models.Run) *Run {
	run := &Run{
		ID:        model.ID,
		Pipeline:  model.Pipeline,
		State:     model.State,
		Artifact:  model.Artifact,
		Error:     model.Error,
		StartedAt: model.StartedAt,
	}
	if model.Tags != "" {
		run.Tags = strings.Split(model.Tags, ",")
	}
	if model.FinishedAt != nil {
		run.FinishedAt = *model.FinishedAt
	}

	stages := append([]models.StageResult(nil), model.Stages...)
	sort.Slice(stages, func(i, j int) bool {
		return stages[i].Seq < stages[j].Seq
	})
	for _, result := range stages {
		run.Records = append(run.Records, Record{
			Seq: result.Seq,
			Outcome: models.Outcome{
				Stage:      result.Stage,
				Status:     result.Status,
				Message:    result.Message,
				ExitCode:   result.ExitCode,
				Attempts:   result.Attempts,
				LogPath:    result.LogPath,
				StartedAt:  result.StartedAt,
				FinishedAt: result.FinishedAt,
			},
			Late: result.Late,
		})
	}

	if model.Verdict != "" {
		decision := &gate.Decision{Verdict: model.Verdict}
		if model.DeniedBy != "" {
			for _, stage := range strings.Split(model.DeniedBy, ",") {
				outcome, found := run.Outcome(stage)
				if !found {
					outcome = models.Outcome{Stage: stage, Status: models.OutcomeError, Message: "No outcome recorded"}
				}
				decision.Causes = append(decision.Causes, outcome)
			}
		}
		run.Decision = decision
	}
	return run
}
