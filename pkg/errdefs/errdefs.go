// Package errdefs defines the sentinel error kinds shared across the
// replication subsystem, so callers can classify failures with errors.Is
// instead of inspecting error strings.
package errdefs

import "errors"

var (
	// ErrNotFound signals that the requested blob, job, or record doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrTooLarge signals that a blob exceeded the configured size cap.
	ErrTooLarge = errors.New("too large")

	// ErrIO signals a failure reading or writing durable state.
	ErrIO = errors.New("io failed")

	// ErrAuthRequired signals a missing authentication credential.
	ErrAuthRequired = errors.New("auth required")

	// ErrUnauthorized signals an authentication credential that didn't match.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUnsupported signals an operation or endpoint scheme this revision
	// doesn't implement.
	ErrUnsupported = errors.New("unsupported")

	// ErrServiceUnavailable signals that the node isn't currently
	// participating in delegation.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrTimeout signals that an operation exceeded its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrVerificationFailed signals a signature that failed to verify.
	ErrVerificationFailed = errors.New("verification failed")

	// ErrInternal signals an unexpected internal failure.
	ErrInternal = errors.New("internal error")

	// ErrOutOfRange signals a read_range request whose offset/length falls
	// outside the valid bounds for the blob.
	ErrOutOfRange = errors.New("out of range")
)
