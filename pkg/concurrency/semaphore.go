// Copyright (C) 2026 Agora Labs (dev@agoralabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package concurrency provides bounded-concurrency primitives shared by the
// deliberation engine. The admission semaphore here is the single point of
// back-pressure for model calls across a session.
package concurrency

import (
	"context"
	"runtime"
)

// Semaphore implements a counting semaphore for bounded concurrency.
//
// Thread Safety: Safe for concurrent use.
type Semaphore struct {
	ch chan struct{}
}

// NewSemaphore creates a new semaphore with the given capacity.
//
// Inputs:
//   - capacity: Maximum concurrent acquisitions. Values < 1 are raised to 1.
//
// Outputs:
//   - *Semaphore: A new semaphore.
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &Semaphore{
		ch: make(chan struct{}, capacity),
	}
}

// FromCPUCount creates a semaphore sized to the number of logical CPUs,
// with a lower bound of 2. This is the default admission ceiling for
// concurrent model calls.
func FromCPUCount() *Semaphore {
	n := runtime.GOMAXPROCS(0)
	if n < 2 {
		n = 2
	}
	return NewSemaphore(n)
}

// Acquire acquires a slot, blocking until one is available.
//
// Inputs:
//   - ctx: Context for cancellation.
//
// Outputs:
//   - error: Non-nil if the context was cancelled before a slot freed up.
func (s *Semaphore) Acquire(ctx context.Context) error {
	// Fail fast on an already-cancelled context even if a slot is free.
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case s.ch <- struct{}{}:
		// A slot and a cancellation can become ready together; the
		// cancellation wins so no work starts after the signal.
		if err := ctx.Err(); err != nil {
			<-s.ch
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire attempts to acquire a slot without blocking.
//
// Outputs:
//   - bool: True if acquired, false if no slots available.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release releases a slot back to the semaphore.
// Must be called after Acquire/TryAcquire succeeds.
func (s *Semaphore) Release() {
	select {
	case <-s.ch:
	default:
		panic("semaphore: release without acquire")
	}
}

// Capacity returns the total number of slots.
func (s *Semaphore) Capacity() int {
	return cap(s.ch)
}

// Available returns the number of available slots.
func (s *Semaphore) Available() int {
	return cap(s.ch) - len(s.ch)
}
