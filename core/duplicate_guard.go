package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	DefaultDuplicateGuardTimeout = 10 * time.Second
	defaultLockTTL               = 60 * time.Second
	defaultLockPollInterval      = 25 * time.Millisecond
)

var ErrLockTimeout = errors.New("core: lock acquisition timed out")

// DuplicateGuardKey builds the lock key for a (course, learner) pair.
func DuplicateGuardKey(courseID string, learnerID string) string {
	return "issuance:" + strings.TrimSpace(courseID) + ":" + strings.TrimSpace(learnerID)
}

// IssuanceRunLockKey builds the lock key that serializes runs of one issuance.
func IssuanceRunLockKey(issuanceID string) string {
	return "issuance-run:" + strings.TrimSpace(issuanceID)
}

// DuplicateGuard serializes issuance creation per course and learner.
type DuplicateGuard struct {
	Locker  Locker
	LockTTL time.Duration
}

func NewDuplicateGuard(locker Locker) *DuplicateGuard {
	return &DuplicateGuard{Locker: locker, LockTTL: defaultLockTTL}
}

// Acquire returns nil and false when the lock cannot be taken within timeout.
func (g *DuplicateGuard) Acquire(
	ctx context.Context,
	courseID string,
	learnerID string,
	timeout time.Duration,
) (LockHandle, bool, error) {
	return g.acquire(ctx, DuplicateGuardKey(courseID, learnerID), g.LockTTL, timeout)
}

func (g *DuplicateGuard) acquire(ctx context.Context, key string, ttl time.Duration, timeout time.Duration) (LockHandle, bool, error) {
	if g == nil || g.Locker == nil {
		return nil, false, fmt.Errorf("core: duplicate guard locker is required")
	}
	if timeout <= 0 {
		timeout = DefaultDuplicateGuardTimeout
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	handle, err := g.Locker.Acquire(ctx, key, ttl, timeout)
	if err != nil {
		if errors.Is(err, ErrLockTimeout) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return handle, true, nil
}

// WithLock runs fn while holding the guard. The lock is released on every
// exit path. acquired is false when the wait timed out and fn did not run.
func (g *DuplicateGuard) WithLock(
	ctx context.Context,
	courseID string,
	learnerID string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) (acquired bool, err error) {
	handle, ok, err := g.Acquire(ctx, courseID, learnerID, timeout)
	if err != nil || !ok {
		return false, err
	}
	return true, withHandle(ctx, handle, fn)
}

// WithRunLock runs fn while holding the run lock of one issuance. ttl must
// cover a full run including the credential API call.
func (g *DuplicateGuard) WithRunLock(
	ctx context.Context,
	issuanceID string,
	ttl time.Duration,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) (acquired bool, err error) {
	handle, ok, err := g.acquire(ctx, IssuanceRunLockKey(issuanceID), ttl, timeout)
	if err != nil || !ok {
		return false, err
	}
	return true, withHandle(ctx, handle, fn)
}

func withHandle(ctx context.Context, handle LockHandle, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if unlockErr := handle.Unlock(context.WithoutCancel(ctx)); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}()
	return fn(ctx)
}

// MemoryLocker is an in-process Locker with bounded waits and lease expiry.
type MemoryLocker struct {
	mu           sync.Mutex
	leases       map[string]memoryLease
	pollInterval time.Duration
	now          func() time.Time
	sequence     uint64
}

type memoryLease struct {
	until time.Time
	token uint64
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		leases:       make(map[string]memoryLease),
		pollInterval: defaultLockPollInterval,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration, timeout time.Duration) (LockHandle, error) {
	if l == nil {
		return nil, fmt.Errorf("core: memory locker is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("core: lock key is required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	deadline := time.Now().Add(timeout)
	for {
		if token, ok := l.tryAcquire(key, ttl); ok {
			return &memoryLockHandle{locker: l, key: key, token: token}, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}
		wait := l.pollInterval
		if wait <= 0 {
			wait = defaultLockPollInterval
		}
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *MemoryLocker) tryAcquire(key string, ttl time.Duration) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if lease, ok := l.leases[key]; ok && now.Before(lease.until) {
		return 0, false
	}
	l.sequence++
	l.leases[key] = memoryLease{until: now.Add(ttl), token: l.sequence}
	return l.sequence, true
}

type memoryLockHandle struct {
	locker *MemoryLocker
	key    string
	token  uint64
	once   sync.Once
}

func (h *memoryLockHandle) Unlock(_ context.Context) error {
	if h == nil || h.locker == nil {
		return nil
	}
	h.once.Do(func() {
		h.locker.mu.Lock()
		defer h.locker.mu.Unlock()
		if lease, ok := h.locker.leases[h.key]; ok && lease.token == h.token {
			delete(h.locker.leases, h.key)
		}
	})
	return nil
}
