package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TS01: codes derive category, severity, and retryability
func TestNew_DerivesFromCode(t *testing.T) {
	tests := []struct {
		code      string
		category  Category
		severity  Severity
		retryable bool
	}{
		{ErrCodeConfigInvalid, CategoryConfig, SeverityError, false},
		{ErrCodeIndexCorrupt, CategoryIO, SeverityFatal, false},
		{ErrCodePoisonedIndex, CategoryIO, SeverityFatal, false},
		{ErrCodeIOTemporary, CategoryTransient, SeverityWarning, true},
		{ErrCodeBackendBusy, CategoryTransient, SeverityWarning, true},
		{ErrCodeTimeout, CategoryTransient, SeverityWarning, true},
		{ErrCodeInvalidEncoding, CategoryInput, SeverityError, false},
		{ErrCodeSerialization, CategoryInternal, SeverityError, false},
	}

	for _, tt := range tests {
		err := New(tt.code, "message", nil)
		assert.Equal(t, tt.category, err.Category, tt.code)
		assert.Equal(t, tt.severity, err.Severity, tt.code)
		assert.Equal(t, tt.retryable, err.Retryable, tt.code)
	}
}

// TS02: error chain support
func TestCoreError_Chain(t *testing.T) {
	cause := errors.New("disk went away")
	err := Wrap(ErrCodeIOTemporary, cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), ErrCodeIOTemporary)

	// Wrapping through fmt keeps the chain queryable
	wrapped := fmt.Errorf("saving index: %w", err)
	assert.True(t, IsRetryable(wrapped))
	assert.Equal(t, ErrCodeIOTemporary, GetCode(wrapped))
	assert.Equal(t, CategoryTransient, GetCategory(wrapped))
	assert.True(t, HasCode(wrapped, ErrCodeIOTemporary))
}

// TS03: Is matches by code
func TestCoreError_IsByCode(t *testing.T) {
	a := Newf(ErrCodeIndexCorrupt, "first")
	b := Newf(ErrCodeIndexCorrupt, "second")
	c := Newf(ErrCodeTimeout, "other")

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}

// TS04: nil-safety and non-core errors
func TestHelpers_NonCoreErrors(t *testing.T) {
	assert.Nil(t, Wrap(ErrCodeTimeout, nil))
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsFatal(errors.New("plain")))
	assert.Empty(t, GetCode(errors.New("plain")))
}

// TS05: details chain fluently
func TestCoreError_WithDetail(t *testing.T) {
	err := Newf(ErrCodeIndexFailed, "boom").
		WithDetail("path", "a.go").
		WithDetail("stage", "commit")

	require.NotNil(t, err.Details)
	assert.Equal(t, "a.go", err.Details["path"])
	assert.Equal(t, "commit", err.Details["stage"])
}

// TS06: fatal classification
func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(Newf(ErrCodeIndexCorrupt, "x")))
	assert.True(t, IsFatal(Newf(ErrCodePoisonedIndex, "x")))
	assert.False(t, IsFatal(Newf(ErrCodeTimeout, "x")))
}
