package utils

import "fmt"

// WrapError wraps an error with additional context
func WrapError(err error, msg string) error {
	if err == nil {
		return fmt.Errorf("%s", msg)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// WrapErrorf wraps an error with a formatted context message
func WrapErrorf(err error, format string, args ...interface{}) error {
	return WrapError(err, fmt.Sprintf(format, args...))
}

// PanicError converts a recovered panic value into an error
func PanicError(op string, r interface{}) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("%s: panic: %w", op, err)
	}
	return fmt.Errorf("%s: panic: %v", op, r)
}

// TimeoutError creates a timeout error
func TimeoutError(operation string) error {
	return fmt.Errorf("%s: operation timed out", operation)
}
