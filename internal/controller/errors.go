package controller

import (
	"github.com/pkg/errors"
)

var (
	ErrAborted        = errors.New("Run aborted")
	ErrStalled        = errors.New("No runnable stages left while stages are pending")
	ErrAlreadyStarted = errors.New("Controller already started a run")
)

// ConfigError is a defect in the pipeline definition. Runs of a defective
// pipeline end aborted without dispatching anything.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return "Invalid pipeline configuration: " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func IsConfigError(err error) bool {
	configErr := &ConfigError{}
	return errors.As(err, &configErr)
}
