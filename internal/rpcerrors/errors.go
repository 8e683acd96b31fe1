// Package rpcerrors defines the error taxonomy shared by the RPC
// client adapter and its callers: which failures are retryable, which
// are final, and which signal that a node doesn't support a method.
package rpcerrors

import (
	"errors"
	"fmt"
)

var (
	// ErrRPCUnavailable means every endpoint in the failover list was
	// unreachable after exhausting retries. Callers should back off
	// and, after repeated occurrences, reinitialize the adapter.
	ErrRPCUnavailable = errors.New("rpc: no endpoint available")

	// ErrRPCTransient marks a retryable failure on an otherwise live
	// endpoint (timeout, connection reset, 5xx-equivalent).
	ErrRPCTransient = errors.New("rpc: transient failure")

	// ErrRPCNotFound marks a final, non-retryable absence (e.g. a
	// receipt or block that does not exist).
	ErrRPCNotFound = errors.New("rpc: not found")

	// ErrTraceUnsupported means the endpoint does not implement the
	// trace or debug namespace used for a call. The extractor
	// downgrades to the next detection method on this error.
	ErrTraceUnsupported = errors.New("rpc: trace namespace unsupported")
)

// Wrap attaches context to a sentinel error while preserving it for
// errors.Is/errors.As.
func Wrap(sentinel error, context string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%s: %w", context, sentinel)
	}
	return &wrapped{sentinel: sentinel, context: context, cause: cause}
}

type wrapped struct {
	sentinel error
	context  string
	cause    error
}

func (w *wrapped) Error() string {
	return w.context + ": " + w.sentinel.Error() + ": " + w.cause.Error()
}

func (w *wrapped) Unwrap() error {
	return w.sentinel
}

func (w *wrapped) Is(target error) bool {
	return errors.Is(w.sentinel, target)
}
