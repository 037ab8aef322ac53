package pipeline

import (
	"errors"
	"fmt"

	"github.com/dunamismax/flipcut/internal/domain"
)

type Stage string

const (
	StageReceived         Stage = "received"
	StageNormalize        Stage = "normalize"
	StageRemoveBackground Stage = "remove_background"
	StageTransform        Stage = "transform"
	StageStore            Stage = "store"
)

// Error is the single failure reported for a pipeline run: the stage that
// failed and the underlying cause.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s stage failed (%s): %v", e.Stage, e.Kind(), e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Kind() domain.ErrorKind {
	return domain.KindOf(e.Err)
}

// StageOf reports the failed stage carried by err, if any.
func StageOf(err error) (Stage, bool) {
	var pipelineErr *Error
	if errors.As(err, &pipelineErr) {
		return pipelineErr.Stage, true
	}
	return "", false
}
