package usecase

import (
	"context"
	"fmt"
	"sync"
)

// SessionLocker provides invocation-level mutual exclusion per session.
// Two invocations on the same (agent, conversation) pair never overlap;
// different sessions proceed concurrently without coordination.
type SessionLocker struct {
	mu    sync.Mutex
	locks map[string]*sessionMutex
}

type sessionMutex struct {
	mu       sync.Mutex
	refCount int
}

// NewSessionLocker creates a new session locker.
func NewSessionLocker() *SessionLocker {
	return &SessionLocker{
		locks: make(map[string]*sessionMutex),
	}
}

// Lock acquires the lock for the given session key. It blocks until the
// lock is acquired or the context is cancelled. Returns an unlock function
// that MUST be called when the operation is complete.
func (sl *SessionLocker) Lock(ctx context.Context, sessionKey string) (unlock func(), err error) {
	// Get or create the per-session mutex.
	sl.mu.Lock()
	sm, ok := sl.locks[sessionKey]
	if !ok {
		sm = &sessionMutex{}
		sl.locks[sessionKey] = sm
	}
	sm.refCount++
	sl.mu.Unlock()

	// Try to acquire the session mutex with context cancellation support.
	acquired := make(chan struct{})
	go func() {
		sm.mu.Lock()
		close(acquired)
	}()

	release := func() {
		sm.mu.Unlock()
		sl.mu.Lock()
		sm.refCount--
		if sm.refCount == 0 {
			delete(sl.locks, sessionKey)
		}
		sl.mu.Unlock()
	}

	select {
	case <-acquired:
		return release, nil

	case <-ctx.Done():
		// Context cancelled before lock acquired. Must clean up: wait for
		// the goroutine to finish acquiring, then immediately release to
		// prevent a permanently held lock.
		go func() {
			<-acquired
			release()
		}()
		return nil, fmt.Errorf("session lock: %w", ctx.Err())
	}
}

// ActiveCount returns the number of sessions with active or pending locks.
// Intended for testing.
func (sl *SessionLocker) ActiveCount() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return len(sl.locks)
}
