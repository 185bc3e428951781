// Package gate decides whether a pipeline run may publish.
package gate

import (
	"fmt"
	"strings"

	"github.com/bigredeye/relgate/internal/models"
)

type Policy struct {
	// Required stages must not end in failure or error.
	Required []string
	// ContinueOnError stages are advisory: their problems are reported but
	// never deny.
	ContinueOnError []string
}

type Decision struct {
	Verdict models.Verdict
	// Causes holds the outcomes of the stages that denied, in Required order.
	Causes []models.Outcome
}

func (d Decision) Admitted() bool {
	return d.Verdict == models.VerdictAdmit
}

func (d Decision) CauseStages() []string {
	stages := make([]string, 0, len(d.Causes))
	for _, cause := range d.Causes {
		stages = append(stages, cause.Stage)
	}
	return stages
}

func (d Decision) String() string {
	if d.Admitted() {
		return models.VerdictAdmit
	}
	causes := make([]string, 0, len(d.Causes))
	for _, cause := range d.Causes {
		causes = append(causes, fmt.Sprintf("%s (%s)", cause.Stage, cause.Status))
	}
	return fmt.Sprintf("%s: %s", models.VerdictDeny, strings.Join(causes, ", "))
}

// Evaluate denies iff a required, non-exempt stage ended in failure or error.
// A required stage without any outcome denies as an error. Evaluate has no
// side effects and does not retain its arguments.
func Evaluate(outcomes map[string]models.Outcome, policy Policy) Decision {
	exempt := make(map[string]bool, len(policy.ContinueOnError))
	for _, name := range policy.ContinueOnError {
		exempt[name] = true
	}

	causes := make([]models.Outcome, 0)
	seen := make(map[string]bool, len(policy.Required))
	for _, name := range policy.Required {
		if seen[name] || exempt[name] {
			continue
		}
		seen[name] = true

		outcome, found := outcomes[name]
		if !found {
			causes = append(causes, models.Outcome{
				Stage:   name,
				Status:  models.OutcomeError,
				Message: "No outcome recorded",
			})
			continue
		}
		if outcome.IsProblem() {
			causes = append(causes, outcome.Clone())
		}
	}

	if len(causes) > 0 {
		return Decision{Verdict: models.VerdictDeny, Causes: causes}
	}
	return Decision{Verdict: models.VerdictAdmit}
}
