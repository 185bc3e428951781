package models

import (
	"strings"
	"time"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

type OutcomeStatus = string

const (
	SeverityInfo     = "info"
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

type Severity = string

var severityRanks = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// SeverityRank orders severities from info (0) to critical (4). Unknown
// severities rank as medium so that unrecognised scanner levels are not ignored.
func SeverityRank(severity Severity) int {
	rank, found := severityRanks[strings.ToLower(strings.TrimSpace(severity))]
	if !found {
		return severityRanks[SeverityMedium]
	}
	return rank
}

func IsKnownSeverity(severity Severity) bool {
	_, found := severityRanks[strings.ToLower(strings.TrimSpace(severity))]
	return found
}

type Finding struct {
	ID       string   `json:"id"`
	Severity Severity `json:"severity"`
	Title    string   `json:"title,omitempty"`
	Location string   `json:"location,omitempty"`
}

// Outcome is the terminal result of one stage execution. It is passed by
// value; Findings is copied whenever an outcome changes hands.
type Outcome struct {
	Stage    string        `json:"stage"`
	Status   OutcomeStatus `json:"status"`
	Message  string        `json:"message,omitempty"`
	ExitCode int           `json:"exit_code,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
	Findings []Finding     `json:"findings,omitempty"`
	LogPath  string        `json:"log_path,omitempty"`
	Artifact string        `json:"artifact,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func (o Outcome) Clone() Outcome {
	if o.Findings != nil {
		findings := make([]Finding, len(o.Findings))
		copy(findings, o.Findings)
		o.Findings = findings
	}
	return o
}

func (o Outcome) Duration() time.Duration {
	if o.StartedAt.IsZero() || o.FinishedAt.IsZero() {
		return 0
	}
	return o.FinishedAt.Sub(o.StartedAt)
}

// IsProblem reports whether the outcome is a failure or an error.
func (o Outcome) IsProblem() bool {
	return o.Status == OutcomeFailure || o.Status == OutcomeError
}

func Skipped(stage, reason string) Outcome {
	now := time.Now()
	return Outcome{
		Stage:      stage,
		Status:     OutcomeSkipped,
		Message:    reason,
		StartedAt:  now,
		FinishedAt: now,
	}
}
