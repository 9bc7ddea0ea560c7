// Package lock provides named, leased mutual exclusion for per-streamer
// mutations. With Redis available the lock is a redsync distributed mutex
// whose lease auto-expires if the holder crashes; without Redis it degrades
// to process-local keyed mutexes, which is sufficient for single-instance
// deployments and for tests.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"

	"github.com/tipstream/backend/internal/apperr"
)

type Manager struct {
	rs    *redsync.Redsync
	lease time.Duration

	mu    sync.Mutex
	local map[string]*localEntry
}

type localEntry struct {
	held  bool
	until time.Time
}

// NewManager builds a lock manager. rdb may be nil.
func NewManager(rdb *redis.Client, lease time.Duration) *Manager {
	if lease <= 0 {
		lease = 30 * time.Second
	}
	m := &Manager{lease: lease, local: make(map[string]*localEntry)}
	if rdb != nil {
		m.rs = redsync.New(goredis.NewPool(rdb))
	}
	return m
}

// Lease is one held lock. Release is safe to call exactly once, including
// after the lease has expired.
type Lease struct {
	name    string
	mutex   *redsync.Mutex
	manager *Manager
}

// Acquire takes the named lock without waiting. A held lock surfaces as a
// retryable busy condition, not a fatal error.
func (m *Manager) Acquire(ctx context.Context, name string) (*Lease, error) {
	if m.rs != nil {
		mutex := m.rs.NewMutex("lock:"+name, redsync.WithExpiry(m.lease), redsync.WithTries(1))
		if err := mutex.TryLockContext(ctx); err != nil {
			return nil, apperr.Wrapf(err, apperr.CodeTransient, "lock %s busy, try again shortly", name)
		}
		return &Lease{name: name, mutex: mutex, manager: m}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.local[name]
	now := time.Now()
	if e != nil && e.held && now.Before(e.until) {
		return nil, apperr.Newf(apperr.CodeTransient, "lock %s busy, try again shortly", name)
	}
	m.local[name] = &localEntry{held: true, until: now.Add(m.lease)}
	return &Lease{name: name, manager: m}, nil
}

// Release frees the lock. Errors are returned for logging only; an expired
// lease has already been released by the backend.
func (l *Lease) Release(ctx context.Context) error {
	if l.mutex != nil {
		_, err := l.mutex.UnlockContext(ctx)
		return err
	}
	l.manager.mu.Lock()
	defer l.manager.mu.Unlock()
	if e := l.manager.local[l.name]; e != nil {
		e.held = false
	}
	return nil
}
