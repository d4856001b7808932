package engine

import "errors"

var (
	// ErrLeaseMismatch is returned when a worker operates on a task
	// using a lease_id that does not match the task's active lease.
	ErrLeaseMismatch = errors.New("engine: lease does not match active claim")

	// ErrCrossTenant is returned whenever a caller's tenant does not
	// match the tenant scoping an entity it is trying to touch.
	ErrCrossTenant = errors.New("engine: cross-tenant access denied")

	// ErrNotOwner is returned when a principal tries to cancel a task it
	// did not create and is not authorized to cancel.
	ErrNotOwner = errors.New("engine: principal is not the task owner")
)
