package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainError_ErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      *DomainError
		expected string
	}{
		{
			name:     "without cause",
			err:      NewValidationError("bad name", nil),
			expected: "validation: bad name",
		},
		{
			name:     "with cause",
			err:      NewProcessError("spawn failed", errors.New("exec: not found")),
			expected: "process: spawn failed: exec: not found",
		},
		{
			name:     "with sorted context",
			err:      NewDependencyError("up failed", nil).WithContext("name", "falkordb").WithContext("exit_code", 1),
			expected: "dependency: up failed [exit_code=1, name=falkordb]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestDomainError_TypeChecking(t *testing.T) {
	inhibitorErr := NewInhibitorError("caffeinate missing", nil)
	wrapped := fmt.Errorf("acquire: %w", inhibitorErr)

	assert.True(t, IsInhibitorError(inhibitorErr))
	assert.True(t, IsInhibitorError(wrapped))
	assert.False(t, IsDependencyError(wrapped))
	assert.Equal(t, ErrorTypeInhibitor, TypeOf(wrapped))
	assert.Equal(t, ErrorType(""), TypeOf(errors.New("plain")))

	assert.True(t, errors.Is(wrapped, &DomainError{Type: ErrorTypeInhibitor}))
	assert.False(t, errors.Is(wrapped, &DomainError{Type: ErrorTypeTimeout}))
}

func TestDomainError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewNetworkError("probe failed", cause)

	assert.Equal(t, cause, errors.Unwrap(err))
	assert.True(t, errors.Is(err, cause))
}

func TestErrorCollection(t *testing.T) {
	collection := NewErrorCollection()
	assert.False(t, collection.HasErrors())
	assert.NoError(t, collection.ToError())
	assert.Equal(t, "no errors", collection.Error())

	collection.Add(nil)
	assert.False(t, collection.HasErrors())

	collection.Add(NewProcessError("stop api failed", nil))
	assert.Equal(t, "process: stop api failed", collection.Error())

	collection.Add(NewTimeoutError("stop tunnel timed out", nil))
	err := collection.ToError()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 errors occurred")
	assert.Contains(t, err.Error(), "stop tunnel timed out")

	// errors.As walks the collected errors
	assert.True(t, IsTimeoutError(err))
	assert.True(t, IsProcessError(err))
	assert.False(t, IsNotFoundError(err))
}
