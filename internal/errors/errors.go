// Package errors provides structured error types for the sync engine.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout      = errors.New("operation timed out")
	ErrAuthFailure  = errors.New("authentication failed")
	ErrRateLimit    = errors.New("rate limit exceeded")
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnavailable  = errors.New("service unavailable")
	ErrConfig       = errors.New("invalid configuration")
)

// APIError represents an error response from the upstream backend.
type APIError struct {
	Service    string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s API error (status %d): %s: %v", e.Service, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Service, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError creates a new API error.
func NewAPIError(service string, statusCode int, message string) *APIError {
	return &APIError{Service: service, StatusCode: statusCode, Message: message}
}

// ConfigError reports configuration that prevents the process from starting.
// Only variable names are recorded; values may be secrets.
type ConfigError struct {
	Vars   []string
	Reason string
}

func (e *ConfigError) Error() string {
	if len(e.Vars) == 0 {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config: %s (%s)", e.Reason, strings.Join(e.Vars, ", "))
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

// NewConfigError creates a ConfigError naming the offending variables.
func NewConfigError(reason string, vars ...string) *ConfigError {
	return &ConfigError{Vars: vars, Reason: reason}
}

// StatusCode returns the upstream HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsRetryable returns true if the error is likely transient and worth retrying.
//
// Errors carrying a status are classified by status alone: 408, 429 and the
// gateway/server 5xx family retry, everything else fails fast. Errors without
// a status retry only when they are network-level.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if code := StatusCode(err); code != 0 {
		return IsRetryableStatus(code)
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimit) || errors.Is(err, ErrUnavailable) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsRetryableStatus reports whether an HTTP status is worth retrying.
func IsRetryableStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	}
	return false
}

// IsNotFound reports whether err is an upstream 404 or ErrNotFound.
func IsNotFound(err error) bool {
	return StatusCode(err) == 404 || errors.Is(err, ErrNotFound)
}
