package models

import (
	"errors"
	"fmt"
)

// Error codes for structured error handling.
const (
	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeStorage    = "STORAGE_ERROR"
	ErrCodeQueueFull  = "QUEUE_FULL"
	ErrCodeNetwork    = "NETWORK_ERROR"
	ErrCodeTimeout    = "TIMEOUT"
	ErrCodeRateLimit  = "RATE_LIMIT"
	ErrCodeServer     = "SERVER_ERROR"
	ErrCodeRejected   = "REJECTED"
	ErrCodeConflict   = "CONFLICT"
	ErrCodeUnknown    = "UNKNOWN"
)

// Sentinel errors
var (
	ErrSyncInProgress = errors.New("sync already in progress")
	ErrOffline        = errors.New("network offline")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// ValidationError reports a mutation rejected at enqueue time. It is
// returned synchronously and nothing is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid mutation: %s: %s", e.Field, e.Reason)
}

// StorageError reports a persistence failure in the mutation store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// QueueFullError reports an enqueue rejected by the backpressure limit.
type QueueFullError struct {
	Pending int
	Limit   int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("queue full: %d pending, limit %d", e.Pending, e.Limit)
}

// ErrorClass partitions delivery failures by retry eligibility.
type ErrorClass string

const (
	// ClassTransient marks failures worth retrying: network faults,
	// timeouts, rate limits, server 5xx.
	ClassTransient ErrorClass = "transient"
	// ClassPermanent marks failures that will not succeed on retry:
	// validation rejections, conflicts, 4xx responses.
	ClassPermanent ErrorClass = "permanent"
)

// ClassifiedError wraps a delivery error with its retry class. The
// orchestrator consults the class to decide between backoff-and-retry
// and marking the mutation failed.
type ClassifiedError struct {
	Class ErrorClass
	Code  string
	Err   error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s [%s]: %v", e.Class, e.Code, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable delivery failure.
func Transient(code string, err error) error {
	return &ClassifiedError{Class: ClassTransient, Code: code, Err: err}
}

// Permanent wraps err as a non-retryable delivery failure.
func Permanent(code string, err error) error {
	return &ClassifiedError{Class: ClassPermanent, Code: code, Err: err}
}

// AsClassified extracts a ClassifiedError from err's chain.
func AsClassified(err error, target **ClassifiedError) bool {
	return errors.As(err, target)
}

// IsTransient reports whether err should be retried. Errors without an
// explicit class are treated as transient so that unclassified faults
// (process kills, unknown networking errors) get their retry budget
// rather than silently losing data.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var cerr *ClassifiedError
	if errors.As(err, &cerr) {
		return cerr.Class == ClassTransient
	}
	return true
}

// IsPermanent reports whether err is explicitly non-retryable.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var cerr *ClassifiedError
	if errors.As(err, &cerr) {
		return cerr.Class == ClassPermanent
	}
	return false
}
