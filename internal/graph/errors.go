package graph

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("Dependency cycle: %s", strings.Join(e.Path, " -> "))
}

type UnknownDependencyError struct {
	Stage      string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("Stage %q depends on unknown stage %q", e.Stage, e.Dependency)
}

type DuplicateStageError struct {
	Stage string
}

func (e *DuplicateStageError) Error() string {
	return fmt.Sprintf("Stage %q is declared twice", e.Stage)
}

func IsCycle(err error) bool {
	cycle := &CycleError{}
	return errors.As(err, &cycle)
}

func IsUnknownDependency(err error) bool {
	unknown := &UnknownDependencyError{}
	return errors.As(err, &unknown)
}

func IsDuplicateStage(err error) bool {
	duplicate := &DuplicateStageError{}
	return errors.As(err, &duplicate)
}
