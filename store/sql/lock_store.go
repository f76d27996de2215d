package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-issuance/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const defaultLockPollInterval = 50 * time.Millisecond

// TableLocker is a core.Locker backed by a row per key. An expired row is
// taken over by the next caller.
type TableLocker struct {
	db           *bun.DB
	pollInterval time.Duration
	now          func() time.Time
}

func NewTableLocker(db *bun.DB) (*TableLocker, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &TableLocker{
		db:           db,
		pollInterval: defaultLockPollInterval,
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

func (l *TableLocker) Acquire(ctx context.Context, key string, ttl time.Duration, timeout time.Duration) (core.LockHandle, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("sqlstore: table locker is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("sqlstore: lock key is required")
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	token := uuid.NewString()
	deadline := time.Now().Add(timeout)
	for {
		acquired, err := l.tryAcquire(ctx, key, token, ttl)
		if err != nil {
			return nil, err
		}
		if acquired {
			return &tableLockHandle{locker: l, key: key, token: token}, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: %s", core.ErrLockTimeout, key)
		}
		wait := l.pollInterval
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

func (l *TableLocker) tryAcquire(ctx context.Context, key string, token string, ttl time.Duration) (bool, error) {
	now := l.now()
	acquired := false
	err := l.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*lockRecord)(nil)).
			Where("lock_key = ?", key).
			Where("expires_at <= ?", now).
			Exec(ctx); err != nil {
			return err
		}
		result, err := tx.NewInsert().
			Model(&lockRecord{LockKey: key, Token: token, ExpiresAt: now.Add(ttl), CreatedAt: now}).
			On("CONFLICT (lock_key) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		acquired = affected == 1
		return nil
	})
	return acquired, err
}

type tableLockHandle struct {
	locker *TableLocker
	key    string
	token  string
	once   sync.Once
	err    error
}

// Unlock removes the row only while this handle still owns it.
func (h *tableLockHandle) Unlock(ctx context.Context) error {
	if h == nil || h.locker == nil {
		return nil
	}
	h.once.Do(func() {
		_, h.err = h.locker.db.NewDelete().
			Model((*lockRecord)(nil)).
			Where("lock_key = ?", h.key).
			Where("token = ?", h.token).
			Exec(ctx)
	})
	return h.err
}
