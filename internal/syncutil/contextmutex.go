// Package syncutil holds locking primitives that respect context cancellation.
package syncutil

import (
	"context"
)

// ContextMutex is a mutex whose Lock can be abandoned when the caller's
// context ends. It is built on a one-slot channel so acquisition can sit in a
// select next to ctx.Done().
type ContextMutex struct {
	ch chan struct{}
}

// NewContextMutex returns an unlocked mutex.
func NewContextMutex() *ContextMutex {
	m := &ContextMutex{ch: make(chan struct{}, 1)}
	m.ch <- struct{}{}
	return m
}

// Lock acquires the mutex or returns ctx.Err(). On success the caller MUST
// call the returned unlock function exactly once.
func (m *ContextMutex) Lock(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-m.ch:
		return m.release, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the mutex only if it is free.
func (m *ContextMutex) TryLock() (func(), bool) {
	select {
	case <-m.ch:
		return m.release, true
	default:
		return nil, false
	}
}

func (m *ContextMutex) release() { m.ch <- struct{}{} }
