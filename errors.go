// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package guestloop

import (
	"errors"
	"fmt"
)

var (
	// ErrInvariant is matched by every [InvariantError].
	ErrInvariant = errors.New("guestloop: invariant violated")

	// ErrClosed is returned by operations on a closed Scheduler.
	ErrClosed = errors.New("guestloop: scheduler closed")

	// ErrNoExecutor is returned by New if no Executor was provided.
	ErrNoExecutor = errors.New("guestloop: no executor")

	// ErrForkUnsupported is returned by Fork if the parent's memory does not
	// implement Forker.
	ErrForkUnsupported = errors.New("guestloop: memory does not support fork")

	// errNotSpeculative is the cause of a Recover outside speculative mode.
	errNotSpeculative = errors.New("recover outside speculative mode")
	// errReapReferenced is the cause of freeing a guest still indexed
	// outside of the finished collection.
	errReapReferenced = errors.New("freed while referenced")
	// errNestedGroup is the cause of a group parent that itself has a group
	// parent.
	errNestedGroup = errors.New("nested group parent")
	// errWorkerStart is the cause of a failure to start a host worker.
	errWorkerStart = errors.New("worker creation failed")
	// errAlreadySuspended is the cause of a callback wait on a guest that
	// is already suspended.
	errAlreadySuspended = errors.New("already suspended")
)

// InvariantError identifies an unrecoverable scheduler state. It is raised
// via panic, since no partial operation is defined after one.
type InvariantError struct {
	Err error
	PID PID
}

// Error implements the error interface.
func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: pid %d: %v", ErrInvariant, e.PID, e.Err)
}

// Is matches [ErrInvariant].
func (e *InvariantError) Is(target error) bool { return target == ErrInvariant }

// Unwrap returns the violated invariant.
func (e *InvariantError) Unwrap() error { return e.Err }

// FaultError is an instruction-level fault surfaced outside of speculative
// mode, which stops the run loop.
type FaultError struct {
	Err error
	PC  uint64
	PID PID
}

// Error implements the error interface.
func (e *FaultError) Error() string {
	return fmt.Sprintf("guestloop: pid %d: fault at pc %#x: %v", e.PID, e.PC, e.Err)
}

// Unwrap returns the executor's error.
func (e *FaultError) Unwrap() error { return e.Err }
