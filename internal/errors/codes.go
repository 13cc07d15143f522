package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	crdberrors "github.com/cockroachdb/errors"
)

// ErrorCode represents internal error codes for storage and compaction operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeTableNotFound   ErrorCode = 1001
	ErrCodeValueTooLarge   ErrorCode = 1003
	ErrCodeConfiguration   ErrorCode = 1004
	ErrCodeInvalidKey      ErrorCode = 1005
	ErrCodeChecksumFailed  ErrorCode = 1006

	// Server errors (5xx equivalent)
	ErrCodeInternal           ErrorCode = 2000
	ErrCodeUnavailable        ErrorCode = 2001
	ErrCodeDiskFull           ErrorCode = 2002
	ErrCodeDiskThrottled      ErrorCode = 2003
	ErrCodeIO                 ErrorCode = 2004
	ErrCodePublishConflict    ErrorCode = 2005
	ErrCodeSSTableFailed      ErrorCode = 2006
	ErrCodeCorruptedData      ErrorCode = 2007
	ErrCodeAborted            ErrorCode = 2008
	ErrCodeInvariantViolation ErrorCode = 2009
)

// StorageError represents a structured error with code and context
type StorageError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error code onto the status returned by the admin API
func (e *StorageError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeOK:
		return http.StatusOK
	case ErrCodeInvalidArgument, ErrCodeValueTooLarge, ErrCodeInvalidKey, ErrCodeConfiguration:
		return http.StatusBadRequest
	case ErrCodeTableNotFound:
		return http.StatusNotFound
	case ErrCodePublishConflict:
		return http.StatusConflict
	case ErrCodeDiskFull:
		return http.StatusInsufficientStorage
	case ErrCodeDiskThrottled, ErrCodeUnavailable, ErrCodeAborted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewStorageError creates a new StorageError
func NewStorageError(code ErrorCode, message string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StorageError) WithDetail(key string, value interface{}) *StorageError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidArgument, message, cause)
}

func Configuration(option, reason string) *StorageError {
	return NewStorageError(ErrCodeConfiguration, fmt.Sprintf("invalid value for option %q: %s", option, reason), nil).
		WithDetail("option", option)
}

func TableNotFound(table string) *StorageError {
	return NewStorageError(ErrCodeTableNotFound, fmt.Sprintf("table not found: %s", table), nil).
		WithDetail("table", table)
}

func ValueTooLarge(size, maxSize int) *StorageError {
	return NewStorageError(ErrCodeValueTooLarge, fmt.Sprintf("value size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func InvalidKey(key, reason string) *StorageError {
	return NewStorageError(ErrCodeInvalidKey, fmt.Sprintf("invalid key '%s': %s", key, reason), nil).
		WithDetail("key", key).
		WithDetail("reason", reason)
}

func ChecksumFailed(expected, actual uint32) *StorageError {
	return NewStorageError(ErrCodeChecksumFailed, fmt.Sprintf("checksum validation failed: expected %d, got %d", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func InternalError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeUnavailable, message, cause)
}

func DiskFull(usagePercent float64, availableBytes uint64) *StorageError {
	return NewStorageError(ErrCodeDiskFull, fmt.Sprintf("disk full: %.2f%% used, %d bytes available", usagePercent, availableBytes), nil).
		WithDetail("usage_percent", usagePercent).
		WithDetail("available_bytes", availableBytes)
}

func DiskThrottled(usagePercent float64) *StorageError {
	return NewStorageError(ErrCodeDiskThrottled, fmt.Sprintf("disk write throttled: %.2f%% used", usagePercent), nil).
		WithDetail("usage_percent", usagePercent)
}

func IOError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeIO, message, cause)
}

func PublishConflict(table string, missing int) *StorageError {
	return NewStorageError(ErrCodePublishConflict,
		fmt.Sprintf("compaction input of table %s is no longer live: %d sstable(s) missing", table, missing), nil).
		WithDetail("table", table).
		WithDetail("missing", missing)
}

// PurgeConflict reports that data the job's purged tombstones would shadow
// reached the table while the job ran
func PurgeConflict(table string, tombstoneTimestamp int64) *StorageError {
	return NewStorageError(ErrCodePublishConflict,
		fmt.Sprintf("table %s received data shadowed by tombstones purged during compaction", table), nil).
		WithDetail("table", table).
		WithDetail("tombstone_timestamp", tombstoneTimestamp)
}

func Aborted(jobID string, cause error) *StorageError {
	return NewStorageError(ErrCodeAborted, fmt.Sprintf("compaction job %s aborted", jobID), cause).
		WithDetail("job_id", jobID)
}

func SSTableFailed(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeSSTableFailed, message, cause)
}

func CorruptedData(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCorruptedData, message, cause)
}

// AssertionFailed builds an invariant violation. These signal a programming error
// upstream (out-of-order rows, zero-sized runs, double selection) and must never be
// retried.
func AssertionFailed(format string, args ...interface{}) error {
	return crdberrors.AssertionFailedf(format, args...)
}

// IsInvariantViolation reports whether err carries an assertion failure
func IsInvariantViolation(err error) bool {
	if err == nil {
		return false
	}
	if crdberrors.IsAssertionFailure(err) {
		return true
	}
	return GetCode(err) == ErrCodeInvariantViolation
}

// IsStorageError checks if an error is a StorageError
func IsStorageError(err error) bool {
	var se *StorageError
	return stderrors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// IsPublishConflict reports whether a compaction lost the race to publish its output
func IsPublishConflict(err error) bool {
	return GetCode(err) == ErrCodePublishConflict
}

// IsAborted reports whether a job stopped because it was asked to
func IsAborted(err error) bool {
	return GetCode(err) == ErrCodeAborted
}

// IsConfiguration reports whether err rejects a configuration value
func IsConfiguration(err error) bool {
	return GetCode(err) == ErrCodeConfiguration
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}
