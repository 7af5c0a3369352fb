package chain

import "fmt"

// TransportError wraps a failure that occurred while talking to a backend. It
// distinguishes transient transport faults, which a caller may retry, from
// protocol-level rejections, which it must not.
type TransportError struct {
	// Retryable is true when the failure is transient, such as a broken
	// connection or a timeout, and the same request may succeed later.
	Retryable bool

	// Err is the underlying failure.
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("transient transport error: %v", e.Err)
	}

	return fmt.Sprintf("transport error: %v", e.Err)
}

// Unwrap returns the underlying failure.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewRetryableError wraps err as a transient transport failure.
func NewRetryableError(err error) *TransportError {
	return &TransportError{Retryable: true, Err: err}
}

// NewTerminalError wraps err as a non-retryable transport failure.
func NewTerminalError(err error) *TransportError {
	return &TransportError{Err: err}
}
