package services

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassOfClassifiedErrors(t *testing.T) {
	assert.Equal(t, ClassValidation, ClassOf(Validationf("bad input")))
	assert.Equal(t, ClassPolicy, ClassOf(Policyf("not allowed")))
	assert.Equal(t, ClassRetryable, ClassOf(Retryablef("try again")))
	assert.Equal(t, ClassFatal, ClassOf(Fatalf("no point")))
}

func TestClassOfUnknownErrorDefaultsRetryable(t *testing.T) {
	assert.Equal(t, ClassRetryable, ClassOf(errors.New("mystery")))
}

func TestClassOfSurvivesWrapping(t *testing.T) {
	inner := Policyf("not allowed")
	wrapped := fmt.Errorf("dispatch failed: %w", inner)
	assert.Equal(t, ClassPolicy, ClassOf(wrapped))

	doubleWrapped := fmt.Errorf("outer: %w", wrapped)
	assert.Equal(t, ClassPolicy, ClassOf(doubleWrapped))
}

func TestWrapRetryablePreservesExistingClass(t *testing.T) {
	assert.Equal(t, ClassFatal, WrapRetryable(Fatalf("broken")).Class)
	assert.Equal(t, ClassRetryable, WrapRetryable(errors.New("plain")).Class)
}

func TestExecErrorUnwrap(t *testing.T) {
	sentinel := errors.New("sentinel")
	wrapped := &ExecError{Class: ClassFatal, Err: fmt.Errorf("context: %w", sentinel)}
	assert.True(t, errors.Is(wrapped, sentinel))
}
