package transport

import (
	"errors"
	"fmt"
)

// Stage names the step of the send pipeline that failed.
type Stage string

const (
	StageUnknown Stage = "unknown"
	StageAcquire Stage = "acquire"
	StageConnect Stage = "connect"
	StageAuth    Stage = "auth"
	StageSend    Stage = "send"
)

var _ error = &Error{}

// Error is a transport failure tagged with the stage it happened in.
type Error struct {
	Stage   Stage
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a stage-tagged transport error.
func NewError(stage Stage, message string, cause error) *Error {
	return &Error{
		Stage:   stage,
		Message: message,
		Cause:   cause,
	}
}

// StageOf returns the stage of the first *Error in err's chain.
func StageOf(err error) Stage {
	var te *Error
	if errors.As(err, &te) {
		return te.Stage
	}
	return StageUnknown
}
