package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Authentication & Authorization
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"

	// Validation
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidDeviceID ErrorCode = "INVALID_DEVICE_ID"

	// Resource
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeDeviceAlreadyOwned ErrorCode = "DEVICE_ALREADY_OWNED"

	// Provisioning codes
	ErrCodeAlreadyUsedOrExpired ErrorCode = "ALREADY_USED_OR_EXPIRED"
	ErrCodeCodeExpired          ErrorCode = "CODE_EXPIRED"
	ErrCodeLockedOut            ErrorCode = "LOCKED_OUT"
	ErrCodeInvalidCode          ErrorCode = "INVALID_CODE"

	// Provisioning tokens
	ErrCodeTokenAlreadyConsumed ErrorCode = "TOKEN_ALREADY_CONSUMED"
	ErrCodeTokenExpired         ErrorCode = "TOKEN_EXPIRED"

	// Rate Limiting
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal
	ErrCodeInternal         ErrorCode = "INTERNAL_ERROR"
	ErrCodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
)

// DeviceIDReason is the precise cause of an INVALID_DEVICE_ID error.
type DeviceIDReason string

const (
	DeviceIDEmpty    DeviceIDReason = "empty"
	DeviceIDNonDigit DeviceIDReason = "nonDigit"
	DeviceIDTooShort DeviceIDReason = "tooShort"
	DeviceIDTooLong  DeviceIDReason = "tooLong"
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// Retryable reports whether the caller may retry the same request unchanged.
func (e *AppError) Retryable() bool {
	return e.Code == ErrCodeStoreUnavailable
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Common error constructors

func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func Forbidden(message string) *AppError {
	return New(ErrCodeForbidden, message)
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidDeviceID(reason DeviceIDReason) *AppError {
	var message string
	switch reason {
	case DeviceIDEmpty:
		message = "Device ID is required"
	case DeviceIDNonDigit:
		message = "Device ID must contain only digits"
	case DeviceIDTooShort:
		message = "Device ID is too short"
	case DeviceIDTooLong:
		message = "Device ID is too long"
	default:
		message = "Device ID is invalid"
	}
	return New(ErrCodeInvalidDeviceID, message).WithDetails(map[string]string{"reason": string(reason)})
}

func DeviceAlreadyOwned() *AppError {
	return New(ErrCodeDeviceAlreadyOwned, "Device is already owned by another user")
}

func AlreadyUsedOrExpired() *AppError {
	return New(ErrCodeAlreadyUsedOrExpired, "This code is no longer usable")
}

func CodeExpired() *AppError {
	return New(ErrCodeCodeExpired, "Provisioning code has expired")
}

// LockedOut and InvalidCode share a neutral wording so responses never reveal
// whether a code exists.
func LockedOut() *AppError {
	return New(ErrCodeLockedOut, "Too many failed attempts. Try again later")
}

func InvalidCode() *AppError {
	return New(ErrCodeInvalidCode, "Invalid or expired code")
}

func TokenAlreadyConsumed() *AppError {
	return New(ErrCodeTokenAlreadyConsumed, "Provisioning token has already been used")
}

func TokenExpired() *AppError {
	return New(ErrCodeTokenExpired, "Provisioning token has expired")
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded")
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func StoreUnavailable(cause error) *AppError {
	return Wrap(ErrCodeStoreUnavailable, "Storage temporarily unavailable", cause)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err is an AppError carrying code.
func HasCode(err error, code ErrorCode) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Code == code
}
