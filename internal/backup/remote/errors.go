package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrNotFound is returned when the store has no record for an id.
	ErrNotFound = errors.New("remote: not found")

	// ErrTransient marks failures that may succeed on a later attempt:
	// timeouts, refused connections and 5xx responses.
	ErrTransient = errors.New("remote: transient failure")

	// ErrNoParent is returned when a file has no resolvable parent directory.
	ErrNoParent = errors.New("remote: file has no parent directory")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote: status %d", e.Code)
	}
	return fmt.Sprintf("remote: status %d: %s", e.Code, e.Message)
}

// Is lets errors.Is match StatusError against the package sentinels.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Code >= http.StatusInternalServerError || e.Code == http.StatusTooManyRequests
	case ErrNotFound:
		return e.Code == http.StatusNotFound
	case ErrNoParent:
		return e.Code == http.StatusUnprocessableEntity
	}
	return false
}

// IsTransient reports whether err is worth retrying on a later pass.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// classify wraps transport-level failures so callers can test for ErrTransient.
// Cancellation of the caller's context is passed through untouched.
func classify(parent context.Context, err error) error {
	if err == nil {
		return nil
	}
	if parent.Err() != nil {
		return parent.Err()
	}
	if IsTransient(err) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}
