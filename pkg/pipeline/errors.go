package pipeline

import (
	"errors"
	"fmt"

	"github.com/3leaps/loraforge/pkg/archive"
	"github.com/3leaps/loraforge/pkg/assets"
	"github.com/3leaps/loraforge/pkg/publish"
	"github.com/3leaps/loraforge/pkg/trainer"
)

// Error taxonomy. Each is the sentinel of the component that raises it, so
// errors.Is matches no matter which layer produced the failure.
var (
	ErrInvalidInputFormat = archive.ErrInvalidInputFormat
	ErrAcquisition        = assets.ErrAcquisition
	ErrTraining           = trainer.ErrTraining
	ErrPublication        = publish.ErrPublication

	// ErrMissingDependency reports a stage that needs a collaborator the
	// pipeline was built without.
	ErrMissingDependency = errors.New("pipeline dependency not configured")
)

// StageError records the state a run failed in.
type StageError struct {
	Stage State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// FailedStage returns the state carried by err, or "" when err does not
// wrap a StageError.
func FailedStage(err error) State {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
