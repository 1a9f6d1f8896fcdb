package errors

import (
	"context"
	"errors"
	"net/http"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ServiceError
		want string
	}{
		{
			name: "error without underlying error",
			err:  New(ErrCodePoolClosed, "test message", http.StatusServiceUnavailable),
			want: "[POOL_9001] test message",
		},
		{
			name: "error with underlying error",
			err:  Wrap(ErrCodeInternal, "test message", http.StatusInternalServerError, errors.New("underlying")),
			want: "[GEN_14003] test message: underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestServiceError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap(ErrCodeInternal, "test", http.StatusInternalServerError, underlying)

	if got := err.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}
}

func TestServiceError_WithDetails(t *testing.T) {
	err := New(ErrCodeConfigInvalid, "test", http.StatusBadRequest)
	err.WithDetails("field", "username").WithDetails("reason", "too short")

	if len(err.Details) != 2 {
		t.Errorf("Details length = %d, want 2", len(err.Details))
	}

	if err.Details["field"] != "username" {
		t.Errorf("Details[field] = %v, want username", err.Details["field"])
	}

	if err.Details["reason"] != "too short" {
		t.Errorf("Details[reason] = %v, want too short", err.Details["reason"])
	}
}

func TestConfigMissing(t *testing.T) {
	err := ConfigMissing("backend")

	if err.Code != ErrCodeConfigMissing {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeConfigMissing)
	}

	if err.Details["field"] != "backend" {
		t.Errorf("Details[field] = %v, want backend", err.Details["field"])
	}
}

func TestConfigInvalid(t *testing.T) {
	err := ConfigInvalid("max_size", "must be positive")

	if err.Code != ErrCodeConfigInvalid {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeConfigInvalid)
	}

	if err.Details["reason"] != "must be positive" {
		t.Errorf("Details[reason] = %v, want must be positive", err.Details["reason"])
	}
}

func TestPoolClosed(t *testing.T) {
	err := PoolClosed("db-pool")

	if err.Code != ErrCodePoolClosed {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodePoolClosed)
	}

	if err.HTTPStatus != http.StatusServiceUnavailable {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusServiceUnavailable)
	}

	if err.Details["pool"] != "db-pool" {
		t.Errorf("Details[pool] = %v, want db-pool", err.Details["pool"])
	}
}

func TestPoolTimeout(t *testing.T) {
	err := PoolTimeout("db-pool")

	if err.Code != ErrCodePoolTimeout {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodePoolTimeout)
	}

	if err.HTTPStatus != http.StatusGatewayTimeout {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusGatewayTimeout)
	}
}

func TestPoolExhausted(t *testing.T) {
	err := PoolExhausted("db-pool")

	if err.Code != ErrCodePoolExhausted {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodePoolExhausted)
	}
}

func TestPoolUnavailable(t *testing.T) {
	underlying := errors.New("breaker open")
	err := PoolUnavailable("db-pool", underlying)

	if err.Code != ErrCodePoolUnavailable {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodePoolUnavailable)
	}

	if err.Err != underlying {
		t.Errorf("Err = %v, want %v", err.Err, underlying)
	}
}

func TestResourceCreationFailed(t *testing.T) {
	underlying := errors.New("dial failed")
	err := ResourceCreationFailed("db-pool", underlying)

	if err.Code != ErrCodeResourceCreationFailed {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeResourceCreationFailed)
	}
}

func TestResourceValidationFailed(t *testing.T) {
	underlying := errors.New("ping failed")
	err := ResourceValidationFailed("db-pool", underlying)

	if err.Code != ErrCodeResourceValidationFailed {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeResourceValidationFailed)
	}
}

func TestCacheMiss(t *testing.T) {
	err := CacheMiss("k1")

	if err.Code != ErrCodeCacheMiss {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeCacheMiss)
	}

	if err.HTTPStatus != http.StatusNotFound {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusNotFound)
	}
}

func TestCacheCapacityExceeded(t *testing.T) {
	err := CacheCapacityExceeded(3)

	if err.Code != ErrCodeCacheCapacityExceeded {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeCacheCapacityExceeded)
	}

	if err.Details["shard"] != 3 {
		t.Errorf("Details[shard] = %v, want 3", err.Details["shard"])
	}
}

func TestCacheTransactionAborted(t *testing.T) {
	err := CacheTransactionAborted("callback error")

	if err.Code != ErrCodeCacheTransactionAborted {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeCacheTransactionAborted)
	}

	if err.HTTPStatus != http.StatusConflict {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusConflict)
	}
}

func TestIdempotencyConflict(t *testing.T) {
	err := IdempotencyConflict("k1", "pending")

	if err.Code != ErrCodeIdempotencyConflict {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeIdempotencyConflict)
	}

	if err.Details["state"] != "pending" {
		t.Errorf("Details[state] = %v, want pending", err.Details["state"])
	}
}

func TestIdempotencyTimeout(t *testing.T) {
	err := IdempotencyTimeout("k1")

	if err.Code != ErrCodeIdempotencyTimeout {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeIdempotencyTimeout)
	}
}

func TestBreakerOpen(t *testing.T) {
	err := BreakerOpen("dep-breaker")

	if err.Code != ErrCodeBreakerOpen {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeBreakerOpen)
	}

	if err.Details["breaker"] != "dep-breaker" {
		t.Errorf("Details[breaker] = %v, want dep-breaker", err.Details["breaker"])
	}
}

func TestCheckTimeout(t *testing.T) {
	err := CheckTimeout("dep")

	if err.Code != ErrCodeCheckTimeout {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeCheckTimeout)
	}
}

func TestCheckFailed(t *testing.T) {
	underlying := errors.New("down")
	err := CheckFailed("dep", underlying)

	if err.Code != ErrCodeCheckFailed {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeCheckFailed)
	}

	if err.Err != underlying {
		t.Errorf("Err = %v, want %v", err.Err, underlying)
	}
}

func TestContextCancelled(t *testing.T) {
	err := ContextCancelled("pool.Acquire")

	if err.Code != ErrCodeContextCancelled {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeContextCancelled)
	}
}

func TestDeadlineExceeded(t *testing.T) {
	err := DeadlineExceeded("pool.Acquire")

	if err.Code != ErrCodeDeadlineExceeded {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeDeadlineExceeded)
	}
}

func TestInternal(t *testing.T) {
	underlying := errors.New("unexpected state")
	err := Internal("internal error", underlying)

	if err.Code != ErrCodeInternal {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeInternal)
	}

	if err.HTTPStatus != http.StatusInternalServerError {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusInternalServerError)
	}

	if err.Err != underlying {
		t.Errorf("Err = %v, want %v", err.Err, underlying)
	}
}

func TestFabricInternal(t *testing.T) {
	underlying := errors.New("marshal failed")
	err := FabricInternal("idempotency.save", underlying)

	if err.Code != ErrCodeFabricInternal {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeFabricInternal)
	}

	if err.Details["operation"] != "idempotency.save" {
		t.Errorf("Details[operation] = %v, want idempotency.save", err.Details["operation"])
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(BreakerOpen("b")) {
		t.Error("expected BreakerOpen to be retryable")
	}
	if IsRetryable(PoolClosed("p")) {
		t.Error("expected PoolClosed to not be retryable")
	}
	if IsRetryable(errors.New("plain error")) {
		t.Error("expected a non-ServiceError to not be retryable")
	}
}

func TestFromContext(t *testing.T) {
	if got := FromContext(context.Background(), "op"); got != nil {
		t.Errorf("FromContext(no error) = %v, want nil", got)
	}
}

func TestIsServiceError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "service error",
			err:  New(ErrCodeInternal, "test", http.StatusInternalServerError),
			want: true,
		},
		{
			name: "standard error",
			err:  errors.New("standard error"),
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsServiceError(tt.err); got != tt.want {
				t.Errorf("IsServiceError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetServiceError(t *testing.T) {
	serviceErr := New(ErrCodeInternal, "test", http.StatusInternalServerError)
	standardErr := errors.New("standard error")

	tests := []struct {
		name string
		err  error
		want *ServiceError
	}{
		{
			name: "service error",
			err:  serviceErr,
			want: serviceErr,
		},
		{
			name: "standard error",
			err:  standardErr,
			want: nil,
		},
		{
			name: "nil error",
			err:  nil,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GetServiceError(tt.err)
			if got != tt.want {
				t.Errorf("GetServiceError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{
			name: "service error",
			err:  New(ErrCodePoolClosed, "test", http.StatusServiceUnavailable),
			want: http.StatusServiceUnavailable,
		},
		{
			name: "standard error",
			err:  errors.New("standard error"),
			want: http.StatusInternalServerError,
		},
		{
			name: "nil error",
			err:  nil,
			want: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetHTTPStatus(tt.err); got != tt.want {
				t.Errorf("GetHTTPStatus() = %v, want %v", got, tt.want)
			}
		})
	}
}
