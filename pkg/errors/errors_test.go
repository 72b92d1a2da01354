package errors

import (
	"errors"
	"testing"
)

func TestNewError(t *testing.T) {
	err := NewError(20001, "test error")

	if err.Code != 20001 {
		t.Errorf("Expected code 20001, got %d", err.Code)
	}
	if err.Message != "test error" {
		t.Errorf("Expected message 'test error', got '%s'", err.Message)
	}
	if err.Err != nil {
		t.Error("Expected Err to be nil")
	}
}

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name:     "without wrapped error",
			err:      NewError(20003, "locked"),
			expected: "[20003] locked",
		},
		{
			name:     "with wrapped error",
			err:      NewError(50002, "store").Wrap(errors.New("redis down")),
			expected: "[50002] store: redis down",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Expected '%s', got '%s'", tt.expected, got)
			}
		})
	}
}

func TestAppError_WrapAndUnwrap(t *testing.T) {
	originalErr := errors.New("original error")
	appErr := ErrStoreError.Wrap(originalErr)

	if appErr.Code != CodeStoreError {
		t.Errorf("Expected code %d, got %d", CodeStoreError, appErr.Code)
	}
	if appErr == ErrStoreError {
		t.Error("Wrap must not mutate the predefined error")
	}
	if errors.Unwrap(appErr) != originalErr {
		t.Error("Expected unwrapped error to be the original error")
	}
}

func TestIs(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		target   *AppError
		expected bool
	}{
		{"same error", ErrLockHeld, ErrLockHeld, true},
		{"wrapped same error", ErrLockHeld.Wrap(errors.New("x")), ErrLockHeld, true},
		{"fmt wrapped", fmtWrap(ErrNotJoined), ErrNotJoined, true},
		{"different error", ErrLockNotOwned, ErrLockHeld, false},
		{"non-app error", errors.New("standard error"), ErrLockHeld, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.target); got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestGetCodeAndMessage(t *testing.T) {
	if got := GetCode(ErrTokenExpired); got != CodeTokenExpired {
		t.Errorf("Expected %d, got %d", CodeTokenExpired, got)
	}
	if got := GetCode(errors.New("boom")); got != CodeServerError {
		t.Errorf("Expected %d, got %d", CodeServerError, got)
	}
	if got := GetMessage(ErrLockHeld); got != "section is locked by another user" {
		t.Errorf("unexpected message %q", got)
	}
	if got := GetMessage(errors.New("boom")); got != "internal server error" {
		t.Errorf("unexpected message %q", got)
	}
}

func fmtWrap(err error) error {
	return errors.Join(errors.New("context"), err)
}
