package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline errors so stages can pick a recovery action.
type ErrorKind int

const (
	// KindUnknown is anything that was not classified at its origin.
	KindUnknown ErrorKind = iota
	// KindTransientIO covers collaborator timeouts and connection failures.
	KindTransientIO
	// KindInsufficientData means the window is too short for an indicator.
	KindInsufficientData
	// KindValidation means the input was malformed and is dropped.
	KindValidation
	// KindFatalInit aborts startup.
	KindFatalInit
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransientIO:
		return "transient_io"
	case KindInsufficientData:
		return "insufficient_data"
	case KindValidation:
		return "validation"
	case KindFatalInit:
		return "fatal_init"
	default:
		return "unknown"
	}
}

// PipelineError carries an ErrorKind with an optional cause.
type PipelineError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// NewTransientError wraps a collaborator failure.
func NewTransientError(msg string, err error) error {
	return &PipelineError{Kind: KindTransientIO, Msg: msg, Err: err}
}

// NewInsufficientDataError reports a window shorter than required.
func NewInsufficientDataError(have, need int) error {
	return &PipelineError{
		Kind: KindInsufficientData,
		Msg:  fmt.Sprintf("have %d candles, need %d", have, need),
	}
}

// NewValidationError reports a malformed value.
func NewValidationError(msg string) error {
	return &PipelineError{Kind: KindValidation, Msg: msg}
}

// NewFatalInitError wraps a startup failure.
func NewFatalInitError(msg string, err error) error {
	return &PipelineError{Kind: KindFatalInit, Msg: msg, Err: err}
}

// KindOf returns the kind of the first PipelineError in err's chain.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
