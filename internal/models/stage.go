package models

import "time"

const (
	ReportFormatFindings = "findings"
	ReportFormatSARIF    = "sarif"
)

type ReportFormat = string

// Action describes what a stage executes. Commands run in order, each one
// through the shell; a stage may produce several reports this way.
type Action struct {
	Commands []string
	Env      map[string]string

	Report         string
	ReportFormat   ReportFormat
	Threshold      Severity
	ErrorExitCodes []int
	Retries        int

	ProducesImage bool
	ImageRefFile  string
}

type Stage struct {
	Name    string
	Needs   []string
	Action  Action
	Timeout time.Duration

	ContinueOnError bool
}

// WithEnv returns a copy of the stage with extra environment entries.
func (s Stage) WithEnv(env map[string]string) Stage {
	merged := make(map[string]string, len(s.Action.Env)+len(env))
	for k, v := range s.Action.Env {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}
	s.Action.Env = merged
	return s
}
