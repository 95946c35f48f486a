package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeValidation, "test error", 400)
	expected := "VALIDATION: test error"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("original error")
	err := WrapError(originalErr, ErrCodeInternal, "wrapped error", 500)

	if err.Cause != originalErr {
		t.Errorf("Cause = %v, want %v", err.Cause, originalErr)
	}
	if !strings.Contains(err.Error(), "original error") {
		t.Errorf("Error() should contain cause, got: %v", err.Error())
	}
	if !errors.Is(err, originalErr) {
		t.Error("errors.Is should see the cause")
	}
}

func TestAppError_WithContext(t *testing.T) {
	err := NewAppError(ErrCodeValidation, "test error", 400)
	err.WithContext("field", "value").WithContext("count", 42)

	if err.Context["field"] != "value" {
		t.Errorf("Context[field] = %v, want 'value'", err.Context["field"])
	}
	if err.Context["count"] != 42 {
		t.Errorf("Context[count] = %v, want 42", err.Context["count"])
	}
}

func TestConstructors(t *testing.T) {
	cases := []struct {
		err    *AppError
		code   ErrorCode
		status int
	}{
		{NewAuthenticationError("x"), ErrCodeAuthentication, 401},
		{NewAuthorizationError("x"), ErrCodeAuthorization, 403},
		{NewConflictError("x"), ErrCodeConflict, 409},
		{NewNotFoundError("room"), ErrCodeNotFound, 404},
		{NewValidationError("x"), ErrCodeValidation, 400},
		{NewRateLimitError(), ErrCodeRateLimit, 429},
		{NewInternalError("x"), ErrCodeInternal, 500},
	}
	for _, tc := range cases {
		if tc.err.Code != tc.code {
			t.Errorf("Code = %v, want %v", tc.err.Code, tc.code)
		}
		if tc.err.HTTPStatus != tc.status {
			t.Errorf("%s: HTTPStatus = %v, want %v", tc.code, tc.err.HTTPStatus, tc.status)
		}
	}
	if NewNotFoundError("room").Message != "room not found" {
		t.Errorf("unexpected not found message")
	}
}

func TestGetAppError(t *testing.T) {
	appErr := NewAppError(ErrCodeValidation, "test", 400)

	if GetAppError(appErr) != appErr {
		t.Error("GetAppError() should return the AppError itself")
	}

	wrapped := fmt.Errorf("outer: %w", appErr)
	if GetAppError(wrapped) != appErr {
		t.Error("GetAppError() should extract AppError from fmt-wrapped error")
	}

	if GetAppError(errors.New("regular error")) != nil {
		t.Error("GetAppError() should return nil for regular error")
	}
	if IsAppError(errors.New("regular error")) {
		t.Error("IsAppError() should return false for regular error")
	}
}

func TestCodeOf(t *testing.T) {
	err := fmt.Errorf("lookup: %w", NewNotFoundError("participant"))
	if CodeOf(err) != ErrCodeNotFound {
		t.Errorf("CodeOf = %v", CodeOf(err))
	}
	if CodeOf(errors.New("x")) != ErrCodeInternal {
		t.Error("CodeOf should default to internal")
	}
}
