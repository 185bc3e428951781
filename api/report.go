package api

import (
	"time"

	"github.com/bigredeye/relgate/internal/models"
)

// FindingsReport is posted to the findings store for every recorded stage
// outcome. IDs are strings for compatibility.
type FindingsReport struct {
	RunID    string           `json:"run_id"`
	Pipeline string           `json:"pipeline"`
	Stage    string           `json:"stage"`
	Status   string           `json:"status"`
	Message  string           `json:"message,omitempty"`
	ExitCode int              `json:"exit_code"`
	Attempts int              `json:"attempts"`
	Artifact string           `json:"artifact,omitempty"`
	Findings []models.Finding `json:"findings"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

type ReportResponse struct {
	Status
}
