// Package errors provides unified error handling for the service layer
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code
type ErrorCode string

// The canonical, closed set of error kinds. Every fabric component
// translates its low-level causes into one of these; nothing outside
// this set is constructed.
const (
	// Configuration errors (8xxx) — rejected during Lifecycle.Start.
	ErrCodeConfigMissing ErrorCode = "CFG_8001"
	ErrCodeConfigInvalid ErrorCode = "CFG_8002"

	// Pool errors (9xxx)
	ErrCodePoolClosed               ErrorCode = "POOL_9001"
	ErrCodePoolTimeout              ErrorCode = "POOL_9002"
	ErrCodePoolExhausted            ErrorCode = "POOL_9003"
	ErrCodePoolUnavailable          ErrorCode = "POOL_9004"
	ErrCodeResourceCreationFailed   ErrorCode = "POOL_9005"
	ErrCodeResourceValidationFailed ErrorCode = "POOL_9006"

	// Cache errors (10xxx)
	ErrCodeCacheMiss               ErrorCode = "CACHE_10001"
	ErrCodeCacheCapacityExceeded   ErrorCode = "CACHE_10002"
	ErrCodeCacheTransactionAborted ErrorCode = "CACHE_10003"

	// Idempotency errors (11xxx)
	ErrCodeIdempotencyConflict ErrorCode = "IDEMP_11001"
	ErrCodeIdempotencyTimeout  ErrorCode = "IDEMP_11002"

	// Circuit breaker errors (12xxx)
	ErrCodeBreakerOpen ErrorCode = "BREAKER_12001"

	// Health errors (13xxx)
	ErrCodeCheckTimeout ErrorCode = "HEALTH_13001"
	ErrCodeCheckFailed  ErrorCode = "HEALTH_13002"

	// Generic (14xxx)
	ErrCodeContextCancelled ErrorCode = "GEN_14001"
	ErrCodeDeadlineExceeded ErrorCode = "GEN_14002"
	ErrCodeInternal         ErrorCode = "GEN_14003"
	// ErrCodeFabricInternal tags an Internal error that originated inside
	// the fabric itself (a marshal/backend/invariant failure) rather than
	// being translated from a caller-supplied cause, so callers can tell
	// "something we depend on broke" apart from "the fabric itself broke"
	// without adding a second taxonomy.
	ErrCodeFabricInternal ErrorCode = "GEN_14004"
)

// retryableCodes is the closed set of error kinds the retry policy is
// allowed to retry by default. Everything else propagates as-is:
// retrying a PoolClosed or ConfigInvalid only hides a bug.
var retryableCodes = map[ErrorCode]bool{
	ErrCodePoolUnavailable:          true,
	ErrCodeBreakerOpen:              true,
	ErrCodeDeadlineExceeded:         true,
	ErrCodeResourceValidationFailed: true,
	ErrCodeFabricInternal:           true,
}

// IsRetryable reports whether err carries a ServiceError code that the
// retry policy retries by default. Non-ServiceError values are treated
// as not retryable: only classified fabric errors opt in.
func IsRetryable(err error) bool {
	se := GetServiceError(err)
	if se == nil {
		return false
	}
	return retryableCodes[se.Code]
}

// Configuration errors

func ConfigMissing(field string) *ServiceError {
	return New(ErrCodeConfigMissing, "required configuration missing", http.StatusInternalServerError).
		WithDetails("field", field)
}

func ConfigInvalid(field, reason string) *ServiceError {
	return New(ErrCodeConfigInvalid, "invalid configuration", http.StatusInternalServerError).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

// Pool errors

func PoolClosed(pool string) *ServiceError {
	return New(ErrCodePoolClosed, "pool is closed", http.StatusServiceUnavailable).
		WithDetails("pool", pool)
}

func PoolTimeout(pool string) *ServiceError {
	return New(ErrCodePoolTimeout, "timed out waiting for a pooled resource", http.StatusGatewayTimeout).
		WithDetails("pool", pool)
}

func PoolExhausted(pool string) *ServiceError {
	return New(ErrCodePoolExhausted, "pool wait queue is full", http.StatusServiceUnavailable).
		WithDetails("pool", pool)
}

func PoolUnavailable(pool string, err error) *ServiceError {
	return Wrap(ErrCodePoolUnavailable, "pool circuit breaker is open", http.StatusServiceUnavailable, err).
		WithDetails("pool", pool)
}

func ResourceCreationFailed(pool string, err error) *ServiceError {
	return Wrap(ErrCodeResourceCreationFailed, "failed to create pooled resource", http.StatusServiceUnavailable, err).
		WithDetails("pool", pool)
}

func ResourceValidationFailed(pool string, err error) *ServiceError {
	return Wrap(ErrCodeResourceValidationFailed, "pooled resource failed validation", http.StatusServiceUnavailable, err).
		WithDetails("pool", pool)
}

// Cache errors

func CacheMiss(key string) *ServiceError {
	return New(ErrCodeCacheMiss, "cache key not present", http.StatusNotFound).
		WithDetails("key", key)
}

func CacheCapacityExceeded(shard int) *ServiceError {
	return New(ErrCodeCacheCapacityExceeded, "cache shard capacity exceeded", http.StatusInsufficientStorage).
		WithDetails("shard", shard)
}

func CacheTransactionAborted(reason string) *ServiceError {
	return New(ErrCodeCacheTransactionAborted, "cache transaction aborted", http.StatusConflict).
		WithDetails("reason", reason)
}

// Idempotency errors

func IdempotencyConflict(key string, state string) *ServiceError {
	return New(ErrCodeIdempotencyConflict, "idempotency key already has an outcome in flight or recorded", http.StatusConflict).
		WithDetails("key", key).
		WithDetails("state", state)
}

func IdempotencyTimeout(key string) *ServiceError {
	return New(ErrCodeIdempotencyTimeout, "idempotent operation exceeded its pending timeout", http.StatusGatewayTimeout).
		WithDetails("key", key)
}

// Breaker errors

func BreakerOpen(breaker string) *ServiceError {
	return New(ErrCodeBreakerOpen, "circuit breaker is open", http.StatusServiceUnavailable).
		WithDetails("breaker", breaker)
}

// Health errors

func CheckTimeout(checker string) *ServiceError {
	return New(ErrCodeCheckTimeout, "health check timed out", http.StatusGatewayTimeout).
		WithDetails("checker", checker)
}

func CheckFailed(checker string, err error) *ServiceError {
	return Wrap(ErrCodeCheckFailed, "health check failed", http.StatusServiceUnavailable, err).
		WithDetails("checker", checker)
}

// Generic errors

func ContextCancelled(op string) *ServiceError {
	return New(ErrCodeContextCancelled, "operation cancelled", http.StatusRequestTimeout).
		WithDetails("operation", op)
}

func DeadlineExceeded(op string) *ServiceError {
	return New(ErrCodeDeadlineExceeded, "operation exceeded its deadline", http.StatusGatewayTimeout).
		WithDetails("operation", op)
}

func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

func FabricInternal(op string, err error) *ServiceError {
	return Wrap(ErrCodeFabricInternal, "internal fabric error", http.StatusInternalServerError, err).
		WithDetails("operation", op)
}

// FromContext translates a context error (Canceled or DeadlineExceeded)
// into the corresponding structured error. It returns nil if ctx carries
// no error.
func FromContext(ctx context.Context, op string) *ServiceError {
	switch ctx.Err() {
	case nil:
		return nil
	case context.Canceled:
		return ContextCancelled(op)
	default:
		return DeadlineExceeded(op)
	}
}

// ServiceError represents a structured error with code, message, and HTTP status
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error with a ServiceError
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// Helper functions

// IsServiceError checks if an error is a ServiceError
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code for an error
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
