package service

import (
	"errors"
	"fmt"
)

// ErrorCode classifies service failures for HTTP mapping at the API layer.
type ErrorCode string

const (
	ErrCodeValidation    ErrorCode = "VALIDATION_ERROR"
	ErrCodeAuthorization ErrorCode = "AUTHORIZATION_ERROR"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeConflict      ErrorCode = "CONFLICT"
	ErrCodeRateLimit     ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeProvider      ErrorCode = "PAYMENT_PROVIDER_ERROR"
	ErrCodeInternal      ErrorCode = "INTERNAL_ERROR"
)

// AppError is the service-level error taxonomy. Provider is set only for
// ErrCodeProvider so callers can attribute the failure.
type AppError struct {
	Code     ErrorCode
	Message  string
	Provider string
}

func (e *AppError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func ValidationError(format string, args ...interface{}) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: fmt.Sprintf(format, args...)}
}

func AuthorizationError(message string) *AppError {
	return &AppError{Code: ErrCodeAuthorization, Message: message}
}

func NotFoundError(format string, args ...interface{}) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func ConflictError(format string, args ...interface{}) *AppError {
	return &AppError{Code: ErrCodeConflict, Message: fmt.Sprintf(format, args...)}
}

func ProviderError(provider, message string) *AppError {
	return &AppError{Code: ErrCodeProvider, Message: message, Provider: provider}
}

// ErrInvalidSignature is returned by webhook handlers when the delivery
// fails authentication; the API layer rejects these before any processing.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// AsAppError unwraps err into an *AppError if it is one.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
