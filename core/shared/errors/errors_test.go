package errors_test

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/dbridge-io/dbridge/core/shared/errors"
)

func TestAppErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      *apperrors.AppError
		expected string
	}{
		{
			name:     "without cause",
			err:      apperrors.NewValidation("name cannot be empty", nil),
			expected: "VALIDATION_ERROR: name cannot be empty",
		},
		{
			name:     "with cause",
			err:      apperrors.NewExecution("statement failed", fmt.Errorf("syntax error")),
			expected: "EXECUTION_FAILED: statement failed (syntax error)",
		},
		{
			name:     "not found names resource and id",
			err:      apperrors.NewNotFound("connection", "abc-123"),
			expected: "NOT_FOUND: connection 'abc-123' not found",
		},
		{
			name:     "not supported names kind and capability",
			err:      apperrors.NewNotSupported("redis", "schema introspection"),
			expected: "NOT_SUPPORTED: redis does not support schema introspection",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := apperrors.NewConnection("dial failed", cause)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, cause, stderrors.Unwrap(err))
}

func TestStatusHints(t *testing.T) {
	tests := []struct {
		code   apperrors.ErrorCode
		status int
	}{
		{apperrors.ErrCodeValidation, http.StatusBadRequest},
		{apperrors.ErrCodeNotFound, http.StatusNotFound},
		{apperrors.ErrCodeLockHeld, http.StatusConflict},
		{apperrors.ErrCodeDependency, http.StatusConflict},
		{apperrors.ErrCodeNotSupported, http.StatusNotImplemented},
		{apperrors.ErrCodePartialFailure, http.StatusMultiStatus},
		{apperrors.ErrCodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := apperrors.New(tt.code, "boom", nil)
			assert.Equal(t, tt.status, err.Status)
		})
	}
}

func TestCodeExtraction(t *testing.T) {
	dep := &apperrors.DependencyError{MigrationID: "m1", Unmet: []string{"m0"}}
	lock := &apperrors.LockHeldError{ConnectionID: "c1", Holder: "host:1:aa", AcquiredAt: time.Now()}

	assert.Equal(t, apperrors.ErrCodeDependency, apperrors.Code(dep))
	assert.Equal(t, apperrors.ErrCodeLockHeld, apperrors.Code(lock))
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.Code(apperrors.NewNotFound("backup", "x")))
	assert.Equal(t, apperrors.ErrCodeInternal, apperrors.Code(fmt.Errorf("plain")))
}

func TestCategoryHelpers(t *testing.T) {
	assert.True(t, apperrors.IsNotFound(apperrors.NewNotFound("migration", "m1")))
	assert.True(t, apperrors.IsValidation(apperrors.NewValidation("bad", nil)))
	assert.True(t, apperrors.IsConnection(apperrors.NewConnection("down", nil)))
	assert.True(t, apperrors.IsNotSupported(apperrors.NewNotSupported("mongodb", "transactions")))
	assert.True(t, apperrors.IsPartialFailure(apperrors.NewPartialFailure("restore", 2, 10)))
	assert.True(t, apperrors.IsLockHeld(&apperrors.LockHeldError{ConnectionID: "c1"}))
	assert.True(t, apperrors.IsDependency(&apperrors.DependencyError{MigrationID: "m1"}))

	assert.False(t, apperrors.IsNotFound(fmt.Errorf("plain")))
	assert.False(t, apperrors.IsLockHeld(apperrors.NewValidation("bad", nil)))
}

func TestDependencyErrorListsUnmet(t *testing.T) {
	err := &apperrors.DependencyError{MigrationID: "m3", Unmet: []string{"m1", "m2"}}
	assert.Contains(t, err.Error(), "m3")
	assert.Contains(t, err.Error(), "m1, m2")
}

func TestLockHeldErrorNamesHolder(t *testing.T) {
	acquired := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	err := &apperrors.LockHeldError{ConnectionID: "conn-1", Holder: "web-1:42:deadbeef", AcquiredAt: acquired}

	assert.Contains(t, err.Error(), "conn-1")
	assert.Contains(t, err.Error(), "web-1:42:deadbeef")
	assert.Contains(t, err.Error(), "2026-08-25T10:00:00Z")
}

func TestPartialFailureSummary(t *testing.T) {
	err := apperrors.NewPartialFailure("import", 2, 10)
	assert.Equal(t, "PARTIAL_FAILURE: import completed with 2 of 10 items failed", err.Error())
}
