package service

import (
	"errors"
	"fmt"
)

// Stage names one step of the session pipeline.
type Stage string

const (
	StageValidation Stage = "validation"
	StageMatching   Stage = "matching"
	StageSuggestion Stage = "suggestion"
	StageRefinement Stage = "refinement"
	StageCommit     Stage = "commit"
)

var (
	// ErrValidation is returned for a request rejected before a session exists.
	ErrValidation = errors.New("invalid request")

	// ErrUnknownSession is returned for a handle that was never issued or was discarded.
	ErrUnknownSession = errors.New("unknown session")
)

// StageError reports the pipeline stage that aborted a session.
type StageError struct {
	Stage     Stage
	SessionID Handle // empty when the session was never created
	Err       error
}

func (e *StageError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("session %s: %s stage failed: %v", e.SessionID, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// FailedStage returns the stage recorded in err, if any.
func FailedStage(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}
