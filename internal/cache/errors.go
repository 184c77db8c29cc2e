package cache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Store error codes. They follow DynamoDB's names; the other backends map
// their native failures onto the same set.
const (
	CodeThrottling           = "ThrottlingException"
	CodeThroughputExceeded   = "ProvisionedThroughputExceededException"
	CodeRequestLimitExceeded = "RequestLimitExceeded"
	CodeServiceUnavailable   = "ServiceUnavailable"
	CodeInternalError        = "InternalServerError"
	CodeValidation           = "ValidationException"
	CodeAccessDenied         = "AccessDeniedException"
	CodeResourceNotFound     = "ResourceNotFoundException"
)

var retryableCodes = map[string]bool{
	CodeThrottling:           true,
	CodeThroughputExceeded:   true,
	CodeRequestLimitExceeded: true,
	CodeServiceUnavailable:   true,
	CodeInternalError:        true,
}

var nonRetryableCodes = map[string]bool{
	"AccessDenied":          true,
	CodeAccessDenied:        true,
	"InvalidParameterValue": true,
	CodeValidation:          true,
	"ResourceNotFound":      true,
	CodeResourceNotFound:    true,
	"ItemNotFound":          true,
}

// StoreError is a backend failure tagged with a store error code.
type StoreError struct {
	Op   string
	Code string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("cache %s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ErrorCode returns the store error code.
func (e *StoreError) ErrorCode() string { return e.Code }

// IsRetryable is the cache retry predicate. Throttling, capacity, availability
// and internal errors are retried; validation, access and not-found errors are
// not. Uncoded network errors are retried; context cancellation never is.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var coded interface{ ErrorCode() string }
	if errors.As(err, &coded) {
		code := coded.ErrorCode()
		if nonRetryableCodes[code] {
			return false
		}
		return retryableCodes[code] || strings.HasPrefix(code, "5")
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
