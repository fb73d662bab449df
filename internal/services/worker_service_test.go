package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var testBackoff = []time.Duration{10 * time.Second, 30 * time.Second}

func TestDecideRetryNonRetryableTerminates(t *testing.T) {
	for _, class := range []ErrorClass{ClassValidation, ClassPolicy, ClassFatal} {
		action, _ := DecideRetry(class, 1, 3, testBackoff)
		assert.Equal(t, ActionTerminate, action, "class %s", class)
	}
}

func TestDecideRetryFollowsBackoffLadder(t *testing.T) {
	action, delay := DecideRetry(ClassRetryable, 1, 3, testBackoff)
	assert.Equal(t, ActionRetry, action)
	assert.Equal(t, 10*time.Second, delay)

	action, delay = DecideRetry(ClassRetryable, 2, 3, testBackoff)
	assert.Equal(t, ActionRetry, action)
	assert.Equal(t, 30*time.Second, delay)
}

func TestDecideRetryExhaustedDeliveriesTerminate(t *testing.T) {
	action, _ := DecideRetry(ClassRetryable, 3, 3, testBackoff)
	assert.Equal(t, ActionTerminate, action)

	action, _ = DecideRetry(ClassRetryable, 4, 3, testBackoff)
	assert.Equal(t, ActionTerminate, action)
}

func TestDecideRetryClampsPastLadderEnd(t *testing.T) {
	action, delay := DecideRetry(ClassRetryable, 4, 10, testBackoff)
	assert.Equal(t, ActionRetry, action)
	assert.Equal(t, 30*time.Second, delay)
}

func TestDecideRetryDefaultDelayWithoutLadder(t *testing.T) {
	action, delay := DecideRetry(ClassRetryable, 1, 3, nil)
	assert.Equal(t, ActionRetry, action)
	assert.Equal(t, 10*time.Second, delay)
}
