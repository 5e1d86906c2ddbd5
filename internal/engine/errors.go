package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrRunNotFound is returned for unknown run ids.
	ErrRunNotFound = errors.New("execution run not found")

	// ErrRunFinished is returned when cancelling a terminal run.
	ErrRunFinished = errors.New("execution run already finished")

	// ErrStopped is returned by Enqueue after Run has returned.
	ErrStopped = errors.New("engine stopped")
)

// RuntimeErrorCode categorizes run failures.
type RuntimeErrorCode string

const (
	// ErrCodeStepFailed: an action step failed after its retries.
	ErrCodeStepFailed RuntimeErrorCode = "STEP_FAILED"

	// ErrCodeQuotaExceeded: the run executed more than MaxSteps steps.
	ErrCodeQuotaExceeded RuntimeErrorCode = "QUOTA_EXCEEDED"

	// ErrCodeInvalidStep: the step cannot run as configured, for example a
	// goto target out of range or a malformed condition.
	ErrCodeInvalidStep RuntimeErrorCode = "INVALID_STEP"

	// ErrCodeUnknownStep: the step has no action the engine knows.
	ErrCodeUnknownStep RuntimeErrorCode = "UNKNOWN_STEP"
)

// RuntimeError is the error that ends a failed run. Its text is stored as
// the run's LastError.
type RuntimeError struct {
	Code    RuntimeErrorCode
	Message string
	RunID   string
	RuleID  string
	Step    int
	Err     error
}

func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s (run=%s, rule=%s, step=%d)", e.Code, e.Message, e.RunID, e.RuleID, e.Step)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// IsQuotaError reports whether err is a QUOTA_EXCEEDED runtime error.
func IsQuotaError(err error) bool {
	return hasCode(err, ErrCodeQuotaExceeded)
}

// IsStepError reports whether err is a STEP_FAILED runtime error.
func IsStepError(err error) bool {
	return hasCode(err, ErrCodeStepFailed)
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	return errors.As(err, &re) && re.Code == code
}
