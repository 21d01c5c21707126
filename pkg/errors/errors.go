// Package errors provides the structured error type shared by gominer components.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType classifies a failure for logging and retry decisions
type ErrorType string

const (
	// ErrorTypeNetwork covers transport failures talking to the node or brokers
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeValidation covers malformed input that will not improve on retry
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeConfig covers invalid engine or service configuration
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeNode covers errors reported by the node's RPC interface
	ErrorTypeNode ErrorType = "node"
	// ErrorTypeTemplate covers failures converting a block template into work
	ErrorTypeTemplate ErrorType = "template"
	// ErrorTypeMessaging covers Kafka publish failures
	ErrorTypeMessaging ErrorType = "messaging"
	// ErrorTypeStorage covers Redis and InfluxDB failures
	ErrorTypeStorage ErrorType = "storage"
	// ErrorTypeTimeout covers deadline expiry
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInternal covers everything else
	ErrorTypeInternal ErrorType = "internal"
)

// ServiceError is an error annotated with the failing operation and key/value context
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp time.Time
	Retryable bool
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the operation may succeed if attempted again
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext attaches a key/value pair and returns the same error for chaining
func (e *ServiceError) WithContext(key string, value any) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a ServiceError with no cause
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: retryableType(errorType),
	}
}

// Wrap annotates err. A nil err yields nil.
//
// Retryability is inherited from a wrapped ServiceError, otherwise it is the
// stronger of the type's default and what the cause's text suggests.
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	se := &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
	}

	var inner *ServiceError
	switch {
	case errors.As(err, &inner):
		se.Retryable = inner.Retryable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		se.Retryable = false
	default:
		se.Retryable = retryableType(errorType) || retryableCause(err)
	}

	return se
}

func retryableType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeTemplate, ErrorTypeMessaging:
		return true
	default:
		return false
	}
}

var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"network is unreachable",
	"no such host",
	"i/o timeout",
	"timeout",
	"temporary failure",
	"eof",
	"-28", // RPC_IN_WARMUP
}

// retryableCause guesses from the message whether err is transient
func retryableCause(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsType reports whether any ServiceError in err's chain has the given type
func IsType(err error, errorType ErrorType) bool {
	for err != nil {
		se, ok := err.(*ServiceError)
		if ok && se.Type == errorType {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// IsRetryable reports whether err should be retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return retryableCause(err)
}

// GetContext returns the context map of the outermost ServiceError in err's chain
func GetContext(err error) map[string]any {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}
