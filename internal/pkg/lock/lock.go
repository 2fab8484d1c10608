// Package lock provides user-level locking so that one user's
// read-validate-write cycle never interleaves with another request for the same user.
package lock

import (
	"context"
	"sync"
	"time"
)

// userMutex wraps a mutex with a holder/waiter count used for idle pruning.
type userMutex struct {
	mu       sync.Mutex
	refCount int // guarded by UserLock.mu
}

// UserLock serializes operations per user ID while letting different users proceed in parallel.
type UserLock struct {
	mu    sync.Mutex
	locks map[int64]*userMutex
}

// NewUserLock creates a new UserLock instance.
func NewUserLock() *UserLock {
	return &UserLock{locks: make(map[int64]*userMutex)}
}

// acquireRef returns the user's mutex and registers interest in it so Prune leaves it alone.
func (ul *UserLock) acquireRef(userID int64) *userMutex {
	ul.mu.Lock()
	defer ul.mu.Unlock()

	m, ok := ul.locks[userID]
	if !ok {
		m = &userMutex{}
		ul.locks[userID] = m
	}
	m.refCount++
	return m
}

func (ul *UserLock) releaseRef(m *userMutex) {
	ul.mu.Lock()
	m.refCount--
	ul.mu.Unlock()
}

// Lock acquires the lock for a user.
func (ul *UserLock) Lock(userID int64) {
	ul.acquireRef(userID).mu.Lock()
}

// Unlock releases the lock for a user.
func (ul *UserLock) Unlock(userID int64) {
	ul.mu.Lock()
	m, ok := ul.locks[userID]
	ul.mu.Unlock()
	if !ok {
		return
	}
	m.mu.Unlock()
	ul.releaseRef(m)
}

// TryLock attempts to acquire the lock without blocking.
func (ul *UserLock) TryLock(userID int64) bool {
	m := ul.acquireRef(userID)
	if m.mu.TryLock() {
		return true
	}
	ul.releaseRef(m)
	return false
}

// LockWithTimeout attempts to acquire the lock until the timeout or ctx expires.
// Returns true if the lock was acquired.
func (ul *UserLock) LockWithTimeout(ctx context.Context, userID int64, timeout time.Duration) bool {
	m := ul.acquireRef(userID)

	done := make(chan struct{})
	go func() {
		m.mu.Lock()
		close(done)
	}()

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-done:
		return true
	case <-timeoutCtx.Done():
		// The waiter still owns a pending Lock; hand it straight back once it lands.
		go func() {
			<-done
			m.mu.Unlock()
			ul.releaseRef(m)
		}()
		return false
	}
}

// WithLock executes fn while holding the user's lock.
func (ul *UserLock) WithLock(userID int64, fn func() error) error {
	ul.Lock(userID)
	defer ul.Unlock(userID)
	return fn()
}

// WithLockContext executes fn while holding the user's lock, giving up after timeout.
func (ul *UserLock) WithLockContext(ctx context.Context, userID int64, timeout time.Duration, fn func() error) error {
	if !ul.LockWithTimeout(ctx, userID, timeout) {
		return ErrLockTimeout
	}
	defer ul.Unlock(userID)

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

// IsLocked reports whether a user currently has an active lock.
// This is a point-in-time check.
func (ul *UserLock) IsLocked(userID int64) bool {
	ul.mu.Lock()
	m, ok := ul.locks[userID]
	ul.mu.Unlock()
	if !ok {
		return false
	}
	if m.mu.TryLock() {
		m.mu.Unlock()
		return false
	}
	return true
}

// Prune drops mutexes nobody holds or waits on. Returns the number removed.
func (ul *UserLock) Prune() int {
	ul.mu.Lock()
	defer ul.mu.Unlock()

	removed := 0
	for id, m := range ul.locks {
		if m.refCount == 0 {
			delete(ul.locks, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked user mutexes.
func (ul *UserLock) Len() int {
	ul.mu.Lock()
	defer ul.mu.Unlock()
	return len(ul.locks)
}
