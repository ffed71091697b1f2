package sandbox

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCapacity means every port in the configured range is held by an
	// active instance or a live container. Retryable by the caller.
	ErrNoCapacity = errors.New("no free ports in range")

	// ErrNotFound covers both a missing record and a record owned by someone
	// else; the two are indistinguishable to the caller.
	ErrNotFound = errors.New("instance not found")

	// ErrConflict means the runtime rejected a duplicate container name or
	// host-port bind. Retryable with a fresh allocation.
	ErrConflict = errors.New("container name or port conflict")
)

// OpError wraps a container runtime failure with the operation and the
// container it targeted.
type OpError struct {
	Op          string // "create", "start", "stop", "remove", "inspect", "logs"
	ContainerID string
	Err         error
}

func (e *OpError) Error() string {
	if e.ContainerID == "" {
		return fmt.Sprintf("container %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("container %s %s: %v", e.Op, e.ContainerID, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}
