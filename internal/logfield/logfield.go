package lf

import (
	"time"

	"go.uber.org/zap"
)

const (
	FieldModule   = "module"
	FieldToken    = "token"
	FieldRunID    = "run_id"
	FieldPipeline = "pipeline"
	FieldStage    = "stage"
	FieldOutcome  = "outcome"
	FieldState    = "state"
	FieldVerdict  = "verdict"
	FieldAttempt  = "attempt"
	FieldCommand  = "cmd"
	FieldElapsed  = "elapsed"
	FieldArtifact = "artifact"
)

func Module(module string) zap.Field {
	return zap.String(FieldModule, module)
}

func Token(token string) zap.Field {
	return zap.String(FieldToken, token)
}

func RunID(ID string) zap.Field {
	return zap.String(FieldRunID, ID)
}

func Pipeline(name string) zap.Field {
	return zap.String(FieldPipeline, name)
}

func Stage(name string) zap.Field {
	return zap.String(FieldStage, name)
}

func Stages(names []string) zap.Field {
	return zap.Strings(FieldStage+"s", names)
}

func Outcome(status string) zap.Field {
	return zap.String(FieldOutcome, status)
}

func State(state string) zap.Field {
	return zap.String(FieldState, state)
}

func Verdict(verdict string) zap.Field {
	return zap.String(FieldVerdict, verdict)
}

func Attempt(attempt int) zap.Field {
	return zap.Int(FieldAttempt, attempt)
}

func Command(cmd string) zap.Field {
	return zap.String(FieldCommand, cmd)
}

func Elapsed(d time.Duration) zap.Field {
	return zap.Duration(FieldElapsed, d)
}

func Artifact(ref string) zap.Field {
	return zap.String(FieldArtifact, ref)
}
