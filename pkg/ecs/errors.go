package ecs

import "errors"

// Usage errors. They are returned synchronously and never retried.
var (
	// Lifecycle errors

	ErrWorldDisposed      = errors.New("world is disposed")
	ErrSystemDisposed     = errors.New("system is disposed")
	ErrQueryDisposed      = errors.New("query is disposed")
	ErrScheduleClosed     = errors.New("schedule is closed")
	ErrAlreadyInitialized = errors.New("system is already initialized")
	ErrNotInitialized     = errors.New("system is not initialized")

	// System errors

	ErrSelfDependency    = errors.New("system cannot depend on itself")
	ErrForeignDependency = errors.New("dependency belongs to another world")
	ErrSystemDisabled    = errors.New("system is disabled")
	ErrDependencyPending = errors.New("dependency has not completed a cycle")

	// Component errors

	ErrUndeclaredComponent = errors.New("component is not declared")
	ErrComponentNotPlain   = errors.New("component type contains pointers")
	ErrDuplicateComponent  = errors.New("component type given twice")
	ErrComponentMissing    = errors.New("entity does not carry component")
	ErrNilComponent        = errors.New("nil component")

	// Entity errors

	ErrEntityNotAlive = errors.New("entity is not alive")
)
