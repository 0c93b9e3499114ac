package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransitions(t *testing.T) {
	allowed := []struct{ from, to TransactionStatus }{
		{StatusPending, StatusProcessing},
		{StatusPending, StatusCompleted},
		{StatusPending, StatusFailed},
		{StatusProcessing, StatusCompleted},
		{StatusProcessing, StatusFailed},
		{StatusCompleted, StatusReversed},
	}
	for _, tc := range allowed {
		assert.True(t, IsValidTransition(tc.from, tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	denied := []struct{ from, to TransactionStatus }{
		{StatusCompleted, StatusFailed},
		{StatusCompleted, StatusPending},
		{StatusFailed, StatusCompleted},
		{StatusFailed, StatusProcessing},
		{StatusReversed, StatusCompleted},
		{StatusCancelled, StatusProcessing},
		{StatusProcessing, StatusPending},
	}
	for _, tc := range denied {
		assert.False(t, IsValidTransition(tc.from, tc.to), "%s -> %s should be denied", tc.from, tc.to)
	}
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.True(t, StatusReversed.IsTerminal())
}
