package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/3leaps/loraforge/pkg/output"
)

// StageEvent describes one state transition.
type StageEvent struct {
	RunID   string
	From    State
	To      State
	At      time.Time
	Elapsed time.Duration
	Detail  map[string]any
}

// Observer receives state transitions and the final outcome of a run.
//
// Observer errors never affect the run.
type Observer interface {
	StageEntered(ctx context.Context, ev StageEvent) error
	RunFinished(ctx context.Context, res *Result, runErr error) error
}

// Observers fans events out to every member. It reports the first error.
type Observers []Observer

func (o Observers) StageEntered(ctx context.Context, ev StageEvent) error {
	var first error
	for _, ob := range o {
		if ob == nil {
			continue
		}
		if err := ob.StageEntered(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (o Observers) RunFinished(ctx context.Context, res *Result, runErr error) error {
	var first error
	for _, ob := range o {
		if ob == nil {
			continue
		}
		if err := ob.RunFinished(ctx, res, runErr); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// JSONLObserver mirrors a run onto an output.Writer.
type JSONLObserver struct {
	w output.Writer
}

// NewJSONLObserver creates a JSONLObserver.
func NewJSONLObserver(w output.Writer) *JSONLObserver {
	return &JSONLObserver{w: w}
}

func (j *JSONLObserver) StageEntered(ctx context.Context, ev StageEvent) error {
	return j.w.WriteStage(ctx, &output.StageRecord{
		Stage:   string(ev.To),
		From:    string(ev.From),
		Elapsed: ev.Elapsed,
		Detail:  ev.Detail,
	})
}

func (j *JSONLObserver) RunFinished(ctx context.Context, res *Result, runErr error) error {
	if runErr != nil {
		return j.w.WriteError(ctx, &output.ErrorRecord{
			Code:    ErrorCode(runErr),
			Message: runErr.Error(),
			Stage:   string(FailedStage(runErr)),
			Fatal:   true,
		})
	}
	if res == nil {
		return nil
	}
	if res.PublishError != "" {
		if err := j.w.WriteError(ctx, &output.ErrorRecord{
			Code:    output.ErrCodePublication,
			Message: res.PublishError,
			Stage:   string(StatePublish),
			Fatal:   false,
		}); err != nil {
			return err
		}
	}
	return j.w.WriteResult(ctx, &output.ResultRecord{
		ArchivePath:   res.ArchivePath,
		Shortcut:      res.Shortcut,
		Published:     res.Published,
		PublishError:  res.PublishError,
		Duration:      res.Duration,
		DurationHuman: res.Duration.Round(time.Millisecond).String(),
	})
}

// ErrorCode classifies a run error for machine consumers.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return output.ErrCodeTimeout
	case errors.Is(err, ErrInvalidInputFormat):
		return output.ErrCodeInvalidInput
	case FailedStage(err) == StateInit:
		return output.ErrCodeInvalidInput
	case errors.Is(err, ErrAcquisition):
		return output.ErrCodeAcquisition
	case FailedStage(err) == StateCaption:
		return output.ErrCodeCaptioning
	case errors.Is(err, ErrTraining):
		return output.ErrCodeTraining
	case errors.Is(err, ErrPublication):
		return output.ErrCodePublication
	default:
		return output.ErrCodeInternal
	}
}

var (
	_ Observer = Observers(nil)
	_ Observer = (*JSONLObserver)(nil)
)
