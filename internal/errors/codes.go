package errors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for sync operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeValidation    ErrorCode = 1000
	ErrCodeNotFound      ErrorCode = 1001
	ErrCodeConfiguration ErrorCode = 1002

	// Runtime errors
	ErrCodeInternal      ErrorCode = 2000
	ErrCodePersistenceIO ErrorCode = 2001
	ErrCodeShuttingDown  ErrorCode = 2002
	ErrCodeCorruptedData ErrorCode = 2003
	ErrCodeDiskFull      ErrorCode = 2004
	ErrCodeDiskThrottled ErrorCode = 2005
)

// SyncError represents a structured error with code and context
type SyncError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts SyncError to gRPC status
func (e *SyncError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *SyncError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeValidation:
		return codes.InvalidArgument
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeConfiguration:
		return codes.FailedPrecondition
	case ErrCodeShuttingDown, ErrCodePersistenceIO, ErrCodeDiskThrottled:
		return codes.Unavailable
	case ErrCodeDiskFull:
		return codes.ResourceExhausted
	case ErrCodeCorruptedData:
		return codes.DataLoss
	default:
		return codes.Internal
	}
}

// NewSyncError creates a new SyncError
func NewSyncError(code ErrorCode, message string, cause error) *SyncError {
	return &SyncError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *SyncError) WithDetail(key string, value interface{}) *SyncError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func Validation(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeValidation, message, cause)
}

func NotFound(entityType, id string) *SyncError {
	return NewSyncError(ErrCodeNotFound, fmt.Sprintf("entity not found: %s/%s", entityType, id), nil).
		WithDetail("entity_type", entityType).
		WithDetail("id", id)
}

// TierNotConfigured reports a reference to a tier that has no persistence.
// It is a configuration error and must not be retried.
func TierNotConfigured(tier string) *SyncError {
	return NewSyncError(ErrCodeConfiguration, fmt.Sprintf("%s tier is not configured", tier), nil).
		WithDetail("tier", tier)
}

func Configuration(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeConfiguration, message, cause)
}

// PersistenceIO wraps a load/store/clear failure of a tier
func PersistenceIO(tier, op, shardKey string, cause error) *SyncError {
	return NewSyncError(ErrCodePersistenceIO, fmt.Sprintf("%s tier %s failed for %q", tier, op, shardKey), cause).
		WithDetail("tier", tier).
		WithDetail("op", op).
		WithDetail("shard_key", shardKey)
}

func ShuttingDown(component string) *SyncError {
	return NewSyncError(ErrCodeShuttingDown, fmt.Sprintf("%s is shutting down", component), nil).
		WithDetail("component", component)
}

func CorruptedData(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeCorruptedData, message, cause)
}

func DiskFull(usagePercent float64, availableBytes uint64) *SyncError {
	return NewSyncError(ErrCodeDiskFull, fmt.Sprintf("disk full: %.2f%% used, %d bytes available", usagePercent, availableBytes), nil).
		WithDetail("usage_percent", usagePercent).
		WithDetail("available_bytes", availableBytes)
}

func DiskThrottled(usagePercent float64) *SyncError {
	return NewSyncError(ErrCodeDiskThrottled, fmt.Sprintf("disk write throttled: %.2f%% used", usagePercent), nil).
		WithDetail("usage_percent", usagePercent)
}

func InternalError(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeInternal, message, cause)
}

// IsSyncError checks if an error is a SyncError
func IsSyncError(err error) bool {
	var se *SyncError
	return errors.As(err, &se)
}

// GetCode extracts the error code from an error chain
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// IsConfiguration reports whether err is a configuration error
func IsConfiguration(err error) bool {
	return GetCode(err) == ErrCodeConfiguration
}

// IsPersistenceIO reports whether err is a tier I/O failure
func IsPersistenceIO(err error) bool {
	return GetCode(err) == ErrCodePersistenceIO
}

// HTTPStatus maps an error chain to an HTTP status code via its gRPC code
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var se *SyncError
	if !errors.As(err, &se) {
		return http.StatusInternalServerError
	}
	switch se.toGRPCCode() {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.ResourceExhausted:
		return http.StatusInsufficientStorage
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
