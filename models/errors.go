package models

import (
	"errors"
	"fmt"
)

// Error codes used in API responses and internal error handling.
const (
	ErrCodeSourceUnavailable = "SOURCE_UNAVAILABLE"
	ErrCodeHandleOperation   = "HANDLE_OPERATION_FAILED"
	ErrCodeInvalidConfig     = "INVALID_CONFIG"
	ErrCodePolicyImport      = "POLICY_IMPORT_FAILED"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeUnknownOperation  = "UNKNOWN_OPERATION"
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeBusy              = "BUSY"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// ErrorDetail is the structured error in API responses.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EngineError is the internal error type carrying an error code.
// It implements the error interface and supports error wrapping via Unwrap.
type EngineError struct {
	Code    string
	Message string
	Err     error // wrapped original error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError creates a new EngineError.
func NewEngineError(code, message string, err error) *EngineError {
	return &EngineError{Code: code, Message: message, Err: err}
}

// ToDetail converts an internal error to an API-facing ErrorDetail.
func (e *EngineError) ToDetail() *ErrorDetail {
	return &ErrorDetail{Code: e.Code, Message: e.Message}
}

// DetailFor converts any error into an ErrorDetail. Errors that are not an
// *EngineError anywhere in their chain are reported with fallbackCode.
func DetailFor(err error, fallbackCode string) *ErrorDetail {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.ToDetail()
	}
	return &ErrorDetail{Code: fallbackCode, Message: err.Error()}
}
