// Package outcome defines the result codes a scan can finish with and the
// typed errors that unwind a walk when a scan has to stop.
package outcome

import (
	"errors"
	"fmt"
)

// Code is the process result of a scan run.
type Code int

const (
	Clean                  Code = 0
	GenericFailure         Code = 2
	BadConfiguration       Code = 3
	VirusFound             Code = 24
	PasswordProtected      Code = 26
	ScanAborted            Code = 36
	ReconnectionsExhausted Code = 37
	ManuallyInterrupted    Code = 40
	EnvironmentInterrupted Code = 41
)

func (c Code) String() string {
	switch c {
	case Clean:
		return "clean"
	case GenericFailure:
		return "generic failure"
	case BadConfiguration:
		return "bad configuration"
	case VirusFound:
		return "virus found"
	case PasswordProtected:
		return "password protected"
	case ScanAborted:
		return "scan aborted"
	case ReconnectionsExhausted:
		return "reconnections exhausted"
	case ManuallyInterrupted:
		return "manually interrupted"
	case EnvironmentInterrupted:
		return "environment interrupted"
	default:
		return fmt.Sprintf("code %d", int(c))
	}
}

var (
	// ErrManualInterrupt is returned once the user interrupt has fired.
	ErrManualInterrupt = errors.New("scan manually interrupted")
	// ErrEnvironmentInterrupt is returned on termination or reload requests.
	ErrEnvironmentInterrupt = errors.New("scan interrupted by environment")
)

// AbortError stops the whole scan. Code is the result the run ends with.
type AbortError struct {
	Code   Code
	Reason string
	Err    error
}

// NewAbort builds an AbortError.
func NewAbort(code Code, reason string, err error) *AbortError {
	return &AbortError{Code: code, Reason: reason, Err: err}
}

func (e *AbortError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *AbortError) Unwrap() error {
	return e.Err
}

// FilesystemError reports a failure to inspect a walk's starting point.
type FilesystemError struct {
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("failed to inspect %s: %v", e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error {
	return e.Err
}

// IsControlFlow reports whether err must propagate out of every
// log-and-continue layer instead of being recorded and skipped.
func IsControlFlow(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrManualInterrupt) || errors.Is(err, ErrEnvironmentInterrupt) {
		return true
	}
	var abort *AbortError
	return errors.As(err, &abort)
}

// CodeFor maps a control-flow error to the result code the run exits with.
// Non control-flow errors map to GenericFailure.
func CodeFor(err error) Code {
	switch {
	case err == nil:
		return Clean
	case errors.Is(err, ErrManualInterrupt):
		return ManuallyInterrupted
	case errors.Is(err, ErrEnvironmentInterrupt):
		return EnvironmentInterrupted
	}
	var abort *AbortError
	if errors.As(err, &abort) {
		return abort.Code
	}
	return GenericFailure
}
