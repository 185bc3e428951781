package models

import (
	"time"
)

const (
	RunStatePending   = "pending"
	RunStateRunning   = "running"
	RunStateGated     = "gated"
	RunStateAborted   = "aborted"
	RunStatePublished = "published"
	RunStateDenied    = "denied"
	RunStateFailed    = "failed"
)

type RunState = string

func IsTerminalState(state RunState) bool {
	switch state {
	case RunStateAborted, RunStatePublished, RunStateDenied, RunStateFailed:
		return true
	default:
		return false
	}
}

const (
	VerdictAdmit = "admit"
	VerdictDeny  = "deny"
)

type Verdict = string

// Run is the persisted form of a pipeline run.
type Run struct {
	ID       string `gorm:"primaryKey"`
	Pipeline string `gorm:"index"`

	State    RunState `gorm:"index"`
	Verdict  Verdict
	DeniedBy string
	Artifact string
	Tags     string
	Error    string

	StartedAt  time.Time
	FinishedAt *time.Time

	Stages []StageResult `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE"`
}

type StageResult struct {
	ID    uint   `gorm:"primaryKey"`
	RunID string `gorm:"uniqueIndex:idx_run_seq"`
	Seq   int    `gorm:"uniqueIndex:idx_run_seq"`

	Stage    string `gorm:"index"`
	Status   OutcomeStatus
	Message  string
	ExitCode int
	Attempts int
	Findings int
	LogPath  string
	Late     bool

	StartedAt  time.Time
	FinishedAt time.Time
}
