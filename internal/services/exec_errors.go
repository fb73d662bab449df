package services

import (
	"errors"
	"fmt"
)

// ErrorClass partitions execution failures by what the worker should do
// with them.
type ErrorClass string

const (
	// ClassValidation is a malformed or self-contradictory request.
	ClassValidation ErrorClass = "validation"
	// ClassPolicy is a well-formed request the session key or risk rules
	// refuse. Never retried.
	ClassPolicy ErrorClass = "policy"
	// ClassRetryable is a transient failure worth another delivery.
	ClassRetryable ErrorClass = "retryable"
	// ClassFatal is a permanent failure; retrying cannot change the outcome.
	ClassFatal ErrorClass = "fatal"
)

// ExecError is a classified execution failure.
type ExecError struct {
	Class ErrorClass
	Err   error
}

func (e *ExecError) Error() string {
	return e.Err.Error()
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// Validationf builds a validation-class error.
func Validationf(format string, args ...any) *ExecError {
	return &ExecError{Class: ClassValidation, Err: fmt.Errorf(format, args...)}
}

// Policyf builds a policy-class error.
func Policyf(format string, args ...any) *ExecError {
	return &ExecError{Class: ClassPolicy, Err: fmt.Errorf(format, args...)}
}

// Retryablef builds a retryable-class error.
func Retryablef(format string, args ...any) *ExecError {
	return &ExecError{Class: ClassRetryable, Err: fmt.Errorf(format, args...)}
}

// Fatalf builds a fatal-class error.
func Fatalf(format string, args ...any) *ExecError {
	return &ExecError{Class: ClassFatal, Err: fmt.Errorf(format, args...)}
}

// WrapRetryable classifies an unclassified error as retryable, preserving an
// existing classification if one is present anywhere in the chain.
func WrapRetryable(err error) *ExecError {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return execErr
	}
	return &ExecError{Class: ClassRetryable, Err: err}
}

// ClassOf returns the error's class. Unclassified errors are treated as
// retryable: an unknown failure mode gets the benefit of bounded redelivery
// rather than being declared permanent on first sight.
func ClassOf(err error) ErrorClass {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return execErr.Class
	}
	return ClassRetryable
}
